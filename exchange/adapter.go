// Package exchange defines the venue-facing interface an Engine depends on:
// placing a limit buy, placing a stop-limit sell, cancelling an order,
// polling order status, and reading the last trade price. Every write
// operation is idempotent via a caller-supplied client order id, participates
// in retry-with-backoff on retriable errors, and surfaces typed errors on
// non-retriable ones.
//
// Adapter itself is synchronous/blocking, matching every concrete adapter in
// the example pack being a plain net/http client; CooperativeAdapter in
// cooperative.go is a thin shim exposing the same operations (all but
// ListOpenOrders), each run in its own goroutine and returning a result
// channel, for callers that want a future-style call. Because its methods
// return channels, CooperativeAdapter does not itself satisfy Adapter.
package exchange

import (
	"context"
	"time"

	"github.com/nullstake/spotexec/money"
)

// OrderAck is the venue's acknowledgement of a newly placed order.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	AckTime       time.Time
}

// OrderStatus is the venue's current view of one order.
type OrderStatus struct {
	OrderID    string
	State      string // venue-native state string; reconciliation normalizes it via venueState
	FilledQty  money.Money
	FillPrice  money.Money
	UpdatedAt  time.Time
}

// Adapter is the abstract venue operations surface an Engine depends on.
// Every method takes a context carrying the call's timeout: on timeout the
// outcome is unknown and must not optimistically mutate local state —
// reconciliation resolves the ambiguity via ClientOrderID.
type Adapter interface {
	// PlaceLimitBuy submits a limit BUY entry order. Resubmitting the same
	// clientOrderID after a retry must return the existing venue order_id
	// rather than creating a duplicate.
	PlaceLimitBuy(ctx context.Context, clientOrderID, productID string, price, qty money.Money) (OrderAck, error)

	// PlaceStopLimit submits a stop-limit SELL order.
	PlaceStopLimit(ctx context.Context, clientOrderID, productID string, trigger, limit, qty money.Money) (OrderAck, error)

	// CancelOrder cancels a live order by venue order id.
	CancelOrder(ctx context.Context, productID, orderID string) error

	// GetOrderStatus queries the venue's current view of one order, used
	// during startup reconciliation.
	GetOrderStatus(ctx context.Context, productID, orderID string) (OrderStatus, error)

	// GetLastTradePrice fetches the current last-trade price for a
	// product, used as a reconciliation fallback when
	// highest_price_since_entry is unavailable.
	GetLastTradePrice(ctx context.Context, productID string) (money.Money, error)

	// ListOpenOrders enumerates venue-open orders for a product, used by
	// reconciliation's orphan-cleanup step.
	ListOpenOrders(ctx context.Context, productID string) ([]OrderStatus, error)
}
