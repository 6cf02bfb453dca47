package execution

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/pkg/types"
)

// OrderManager tracks order lifecycle for logging and the ops API. It does
// not own position state; SpotEvaluator/FuturesEvaluator are the sole
// mutators of positions.
type OrderManager struct {
	logger *zap.Logger
	mu     sync.RWMutex
	orders map[string]types.Order
}

// NewOrderManager builds an OrderManager.
func NewOrderManager(logger *zap.Logger) *OrderManager {
	return &OrderManager{logger: logger.Named("order-manager"), orders: make(map[string]types.Order)}
}

// TrackOrder records an order's current state.
func (om *OrderManager) TrackOrder(order types.Order) {
	om.mu.Lock()
	defer om.mu.Unlock()
	om.orders[order.ID] = order
	om.logger.Debug("order tracked",
		zap.String("orderId", order.ID), zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)), zap.String("status", string(order.Status)))
}

// UpdateStatus applies a status transition reported by the exchange client.
func (om *OrderManager) UpdateStatus(orderID string, status types.OrderStatus) {
	om.mu.Lock()
	defer om.mu.Unlock()
	order, ok := om.orders[orderID]
	if !ok {
		return
	}
	order.Status = status
	if status == types.OrderStatusFilled {
		now := time.Now().UTC()
		order.FilledAt = &now
	}
	om.orders[orderID] = order
}

// Get returns a tracked order by ID.
func (om *OrderManager) Get(orderID string) (types.Order, bool) {
	om.mu.RLock()
	defer om.mu.RUnlock()
	o, ok := om.orders[orderID]
	return o, ok
}

// BySymbol returns every tracked order for a symbol, most-recent first is
// not guaranteed; callers needing order should sort on CreatedAt.
func (om *OrderManager) BySymbol(symbol string) []types.Order {
	om.mu.RLock()
	defer om.mu.RUnlock()
	var out []types.Order
	for _, o := range om.orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

// Open returns every order not yet in a terminal state.
func (om *OrderManager) Open() []types.Order {
	om.mu.RLock()
	defer om.mu.RUnlock()
	var out []types.Order
	for _, o := range om.orders {
		if o.Status == types.OrderStatusNew || o.Status == types.OrderStatusPartial {
			out = append(out, o)
		}
	}
	return out
}

// Prune drops terminal orders older than maxAge, bounding memory for
// long-running processes.
func (om *OrderManager) Prune(maxAge time.Duration) int {
	om.mu.Lock()
	defer om.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, o := range om.orders {
		terminal := o.Status == types.OrderStatusFilled || o.Status == types.OrderStatusCanceled || o.Status == types.OrderStatusRejected
		if terminal && o.CreatedAt.Before(cutoff) {
			delete(om.orders, id)
			removed++
		}
	}
	return removed
}
