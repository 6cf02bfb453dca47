// Package events provides the async event bus the orchestrator and per-symbol
// handlers use to publish cycle-level activity (verdicts, decisions, orders,
// risk rejections) to the ops API's WebSocket broadcast without coupling
// either side to the other's lifecycle.
package events

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventType defines the category of event.
type EventType string

const (
	// Strategy and decision events.
	EventTypeVerdict  EventType = "verdict"
	EventTypeDecision EventType = "decision"

	// Order lifecycle events.
	EventTypeOrder        EventType = "order"
	EventTypeRiskRejected EventType = "risk_rejected"

	// System events.
	EventTypeHeartbeat EventType = "heartbeat"
	EventTypeError     EventType = "error"
)

// Event is the base interface for all trading events.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

// NewBaseEvent creates a new base event with a generated ID and timestamp.
// symbol is accepted for callers that want it folded into the ID scheme
// later but is otherwise unused.
func NewBaseEvent(eventType EventType, symbol string) BaseEvent {
	return BaseEvent{
		ID:        generateEventID(),
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

// eventCounter disambiguates events generated within the same clock tick.
var eventCounter atomic.Int64

// generateEventID creates a unique, roughly time-ordered event ID.
func generateEventID() string {
	id := eventCounter.Add(1)
	return "evt_" + time.Now().Format("20060102150405") + "_" + itoa(id)
}

// VerdictEvent mirrors a single strategy's types.Verdict for a cycle.
type VerdictEvent struct {
	BaseEvent
	Symbol     string  `json:"symbol"`
	Market     string  `json:"market"`
	Strategy   string  `json:"strategy"`
	Signal     string  `json:"signal"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// NewVerdictEvent builds a VerdictEvent.
func NewVerdictEvent(symbol, market, strategy, signal string, confidence float64, reasoning string) *VerdictEvent {
	return &VerdictEvent{
		BaseEvent:  NewBaseEvent(EventTypeVerdict, symbol),
		Symbol:     symbol,
		Market:     market,
		Strategy:   strategy,
		Signal:     signal,
		Confidence: confidence,
		Reasoning:  reasoning,
	}
}

// DecisionEvent mirrors the DecisionEngine's adjudication for a cycle.
type DecisionEvent struct {
	BaseEvent
	Symbol      string  `json:"symbol"`
	Market      string  `json:"market"`
	Action      string  `json:"action"`
	Confidence  float64 `json:"confidence"`
	Horizon     string  `json:"horizon"`
	LLMOverride bool    `json:"llmOverride"`
}

// NewDecisionEvent builds a DecisionEvent.
func NewDecisionEvent(symbol, market, action string, confidence float64, horizon string, llmOverride bool) *DecisionEvent {
	return &DecisionEvent{
		BaseEvent:   NewBaseEvent(EventTypeDecision, symbol),
		Symbol:      symbol,
		Market:      market,
		Action:      action,
		Confidence:  confidence,
		Horizon:     horizon,
		LLMOverride: llmOverride,
	}
}

// OrderEvent reports a placed/filled order.
type OrderEvent struct {
	BaseEvent
	OrderID  string          `json:"orderId"`
	Symbol   string          `json:"symbol"`
	Market   string          `json:"market"`
	Side     string          `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Status   string          `json:"status"`
}

// NewOrderEvent builds an OrderEvent.
func NewOrderEvent(orderID, symbol, market, side string, quantity, price decimal.Decimal, status string) *OrderEvent {
	return &OrderEvent{
		BaseEvent: NewBaseEvent(EventTypeOrder, symbol),
		OrderID:   orderID,
		Symbol:    symbol,
		Market:    market,
		Side:      side,
		Quantity:  quantity,
		Price:     price,
		Status:    status,
	}
}

// RiskRejectedEvent reports an evaluator reject, so the ops API can surface
// why a signal never reached the exchange.
type RiskRejectedEvent struct {
	BaseEvent
	Symbol string `json:"symbol"`
	Market string `json:"market"`
	Reason string `json:"reason"`
}

// NewRiskRejectedEvent builds a RiskRejectedEvent.
func NewRiskRejectedEvent(symbol, market, reason string) *RiskRejectedEvent {
	return &RiskRejectedEvent{
		BaseEvent: NewBaseEvent(EventTypeRiskRejected, symbol),
		Symbol:    symbol,
		Market:    market,
		Reason:    reason,
	}
}

// EventHandler is a function that processes events.
type EventHandler func(event Event) error

// EventFilter can selectively process events.
type EventFilter func(event Event) bool

// SubscriptionOptions configures subscription behavior.
type SubscriptionOptions struct {
	Filter     EventFilter // Optional filter
	Async      bool        // Process in separate goroutine (default: true)
	BufferSize int         // Channel buffer size for async
}

// Subscription represents an active event subscription.
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	Options   SubscriptionOptions
	active    atomic.Bool
}

// IsActive returns whether the subscription is active.
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// EventBusStats tracks throughput and latency.
type EventBusStats struct {
	EventsPublished   int64         `json:"eventsPublished"`
	EventsProcessed   int64         `json:"eventsProcessed"`
	TotalProcessed    int64         `json:"totalProcessed"` // alias for EventsProcessed
	EventsDropped     int64         `json:"eventsDropped"`
	ProcessingErrors  int64         `json:"processingErrors"`
	AvgLatencyNs      int64         `json:"avgLatencyNs"`
	MaxLatencyNs      int64         `json:"maxLatencyNs"`
	P99LatencyNs      int64         `json:"p99LatencyNs"`
	P99Latency        time.Duration `json:"p99Latency"`
	ActiveSubscribers int64         `json:"activeSubscribers"`
}

// EventBusConfig configures the event bus's worker pool and buffer.
type EventBusConfig struct {
	NumWorkers int `json:"numWorkers"`
	BufferSize int `json:"bufferSize"`
}

// DefaultEventBusConfig returns sensible defaults for a single-process
// supervisor: this system runs a handful of symbols per cycle, nowhere near
// the throughput the worker pool below is sized for, but the headroom costs
// nothing at rest.
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		NumWorkers: 16,
		BufferSize: 100000,
	}
}

// EventBus is the central event routing system: Publish enqueues, a fixed
// worker pool drains the channel and fans each event out to its
// subscribers.
type EventBus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription // subscribe to all events

	eventChan   chan Event
	workerCount int

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64

	latencies  []int64
	latencyMu  sync.Mutex
	maxLatency atomic.Int64
	avgLatency atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewEventBus builds an EventBus and starts its worker pool.
func NewEventBus(logger *zap.Logger, config EventBusConfig) *EventBus {
	workerCount := config.NumWorkers
	bufferSize := config.BufferSize

	if workerCount <= 0 {
		workerCount = 16
	}
	if bufferSize <= 0 {
		bufferSize = 100000
	}

	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		subscribers:    make(map[EventType][]*Subscription),
		allSubscribers: make([]*Subscription, 0),
		eventChan:      make(chan Event, bufferSize),
		workerCount:    workerCount,
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger,
		latencies:      make([]int64, 0, 10000),
	}

	for i := 0; i < workerCount; i++ {
		eb.wg.Add(1)
		go eb.worker(i)
	}

	eb.logger.Info("event bus initialized",
		zap.Int("workers", workerCount),
		zap.Int("buffer_size", bufferSize),
	)

	return eb
}

// worker processes events from the channel.
func (eb *EventBus) worker(id int) {
	defer eb.wg.Done()

	for {
		select {
		case <-eb.ctx.Done():
			return
		case event := <-eb.eventChan:
			startTime := time.Now()
			eb.processEvent(event)
			eb.trackLatency(time.Since(startTime).Nanoseconds())
		}
	}
}

// processEvent routes event to subscribers.
func (eb *EventBus) processEvent(event Event) {
	eb.mu.RLock()
	subs := eb.subscribers[event.GetType()]
	allSubs := eb.allSubscribers
	eb.mu.RUnlock()

	for _, sub := range subs {
		eb.dispatch(sub, event)
	}
	for _, sub := range allSubs {
		eb.dispatch(sub, event)
	}

	eb.eventsProcessed.Add(1)
}

func (eb *EventBus) dispatch(sub *Subscription, event Event) {
	if !sub.active.Load() {
		return
	}
	if sub.Options.Filter != nil && !sub.Options.Filter(event) {
		return
	}
	if sub.Options.Async {
		go eb.executeHandler(sub, event)
	} else {
		eb.executeHandler(sub, event)
	}
}

// executeHandler safely executes a handler with panic recovery.
func (eb *EventBus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.processingErrors.Add(1)
			eb.logger.Error("event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.Handler(event); err != nil {
		eb.processingErrors.Add(1)
		eb.logger.Warn("event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err),
		)
	}
}

// trackLatency records processing latency. Once more than 10K samples are
// held, the oldest are dropped down to the newest 5K.
func (eb *EventBus) trackLatency(latencyNs int64) {
	eb.latencyMu.Lock()
	defer eb.latencyMu.Unlock()

	eb.latencies = append(eb.latencies, latencyNs)
	if len(eb.latencies) > 10000 {
		eb.latencies = eb.latencies[5000:]
	}

	if currentMax := eb.maxLatency.Load(); latencyNs > currentMax {
		eb.maxLatency.Store(latencyNs)
	}

	currentAvg := eb.avgLatency.Load()
	eb.avgLatency.Store((currentAvg*99 + latencyNs) / 100)
}

var subscriptionCounter atomic.Int64

func generateSubscriptionID() string {
	id := subscriptionCounter.Add(1)
	return "sub_" + time.Now().Format("20060102150405") + "_" + itoa(id)
}

func itoa(i int64) string {
	if i == 0 {
		return "0"
	}

	var buf [20]byte
	pos := len(buf)
	neg := i < 0
	if neg {
		i = -i
	}

	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}

	return string(buf[pos:])
}

// Subscribe registers a handler for an event type.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	options := SubscriptionOptions{Async: true, BufferSize: 1000}
	if len(opts) > 0 {
		options = opts[0]
	}

	sub := &Subscription{ID: generateSubscriptionID(), EventType: eventType, Handler: handler, Options: options}
	sub.active.Store(true)

	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)
	eb.activeSubscribers.Add(1)

	eb.logger.Debug("subscription added", zap.String("id", sub.ID), zap.String("event_type", string(eventType)))
	return sub
}

// SubscribeAll registers a handler for every event type, regardless of the
// per-type subscriber list. The ops API uses this to broadcast everything
// over its WebSocket hub without knowing the event vocabulary in advance.
func (eb *EventBus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	options := SubscriptionOptions{Async: true, BufferSize: 1000}
	if len(opts) > 0 {
		options = opts[0]
	}

	sub := &Subscription{ID: generateSubscriptionID(), EventType: "*", Handler: handler, Options: options}
	sub.active.Store(true)

	eb.allSubscribers = append(eb.allSubscribers, sub)
	eb.activeSubscribers.Add(1)
	return sub
}

// SubscribeMultiple registers one handler across several event types.
func (eb *EventBus) SubscribeMultiple(eventTypes []EventType, handler EventHandler, opts ...SubscriptionOptions) []*Subscription {
	subs := make([]*Subscription, len(eventTypes))
	for i, eventType := range eventTypes {
		subs[i] = eb.Subscribe(eventType, handler, opts...)
	}
	return subs
}

// Unsubscribe deactivates a subscription.
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	sub.active.Store(false)
	eb.activeSubscribers.Add(-1)
}

// Publish enqueues event for async delivery. If the buffer is full the
// event is dropped and counted rather than blocking the caller.
func (eb *EventBus) Publish(event Event) {
	select {
	case eb.eventChan <- event:
		eb.eventsPublished.Add(1)
	default:
		eb.eventsDropped.Add(1)
		eb.logger.Warn("event dropped - buffer full", zap.String("event_type", string(event.GetType())))
	}
}

// PublishSync delivers event to subscribers synchronously, on the caller's
// goroutine.
func (eb *EventBus) PublishSync(event Event) {
	eb.eventsPublished.Add(1)
	eb.processEvent(event)
}

// GetStats returns current throughput and latency statistics.
func (eb *EventBus) GetStats() EventBusStats {
	p99Ns := eb.GetP99LatencyNs()
	eventsProcessed := eb.eventsProcessed.Load()
	return EventBusStats{
		EventsPublished:   eb.eventsPublished.Load(),
		EventsProcessed:   eventsProcessed,
		TotalProcessed:    eventsProcessed,
		EventsDropped:     eb.eventsDropped.Load(),
		ProcessingErrors:  eb.processingErrors.Load(),
		AvgLatencyNs:      eb.avgLatency.Load(),
		MaxLatencyNs:      eb.maxLatency.Load(),
		P99LatencyNs:      p99Ns,
		P99Latency:        time.Duration(p99Ns),
		ActiveSubscribers: eb.activeSubscribers.Load(),
	}
}

// GetP99LatencyNs calculates the 99th percentile processing latency.
func (eb *EventBus) GetP99LatencyNs() int64 {
	eb.latencyMu.Lock()
	defer eb.latencyMu.Unlock()

	if len(eb.latencies) == 0 {
		return 0
	}

	sorted := make([]int64, len(eb.latencies))
	copy(sorted, eb.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// GetP99Latency returns P99 latency as a time.Duration.
func (eb *EventBus) GetP99Latency() time.Duration {
	return time.Duration(eb.GetP99LatencyNs())
}

// Start is a no-op beyond logging; the worker pool is already running from
// NewEventBus.
func (eb *EventBus) Start(ctx context.Context) error {
	eb.logger.Info("event bus started", zap.Int("workers", eb.workerCount))
	return nil
}

// Stop cancels the worker pool and waits up to 5s for the workers to exit.
// Events still queued in the channel are not delivered.
func (eb *EventBus) Stop() {
	eb.logger.Info("shutting down event bus")
	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		eb.logger.Info("event bus shutdown complete",
			zap.Int64("events_processed", eb.eventsProcessed.Load()),
			zap.Int64("events_dropped", eb.eventsDropped.Load()),
		)
	case <-time.After(5 * time.Second):
		eb.logger.Warn("event bus shutdown timed out")
	}
}

// Close is an alias for Stop.
func (eb *EventBus) Close() {
	eb.Stop()
}
