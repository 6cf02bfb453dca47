package events

// Event types published by the orchestrator loop. Unlike the
// verdict/decision/order family in event_bus.go, these describe the
// supervisor's own lifecycle rather than per-symbol pipeline activity.
const (
	EventTypeCycleStart    EventType = "cycle_start"
	EventTypeSymbolError   EventType = "symbol_error"
	EventTypeReconcileRun  EventType = "reconcile_run"
)

// CycleEvent marks the start of one orchestrator iteration.
type CycleEvent struct {
	BaseEvent
	Num int64 `json:"num"`
}

// NewCycleEvent builds a CycleEvent for cycle number num.
func NewCycleEvent(num int64) *CycleEvent {
	return &CycleEvent{BaseEvent: NewBaseEvent(EventTypeCycleStart, ""), Num: num}
}

// SymbolErrorEvent reports a per-symbol processing failure the orchestrator
// caught and isolated.
type SymbolErrorEvent struct {
	BaseEvent
	Symbol string `json:"symbol"`
	Market string `json:"market"`
	Error  string `json:"error"`
}

// NewSymbolErrorEvent builds a SymbolErrorEvent.
func NewSymbolErrorEvent(symbol, market string, err error) *SymbolErrorEvent {
	return &SymbolErrorEvent{BaseEvent: NewBaseEvent(EventTypeSymbolError, symbol), Symbol: symbol, Market: market, Error: err.Error()}
}

// ReconcileRunEvent marks one completed reconciliation pass.
type ReconcileRunEvent struct {
	BaseEvent
	Cycle int64 `json:"cycle"`
}

// NewReconcileRunEvent builds a ReconcileRunEvent.
func NewReconcileRunEvent(cycle int64) *ReconcileRunEvent {
	return &ReconcileRunEvent{BaseEvent: NewBaseEvent(EventTypeReconcileRun, ""), Cycle: cycle}
}
