package exchange

import (
	"context"

	"github.com/nullstake/spotexec/money"
)

// CooperativeAdapter wraps a blocking Adapter and exposes the same
// operations as single-flight futures, so a caller that wants to fire a
// request without stalling its own goroutine can do so without a second
// adapter implementation. Each call spawns exactly one goroutine and
// returns a channel delivering one result.
type CooperativeAdapter struct {
	inner Adapter
}

// NewCooperativeAdapter wraps inner.
func NewCooperativeAdapter(inner Adapter) *CooperativeAdapter {
	return &CooperativeAdapter{inner: inner}
}

// AckResult is the asynchronous result of a place call.
type AckResult struct {
	Ack OrderAck
	Err error
}

// StatusResult is the asynchronous result of a status query.
type StatusResult struct {
	Status OrderStatus
	Err    error
}

// PriceResult is the asynchronous result of a price query.
type PriceResult struct {
	Price money.Money
	Err   error
}

func (c *CooperativeAdapter) PlaceLimitBuy(ctx context.Context, clientOrderID, productID string, price, qty money.Money) <-chan AckResult {
	out := make(chan AckResult, 1)
	go func() {
		ack, err := c.inner.PlaceLimitBuy(ctx, clientOrderID, productID, price, qty)
		out <- AckResult{Ack: ack, Err: err}
	}()
	return out
}

func (c *CooperativeAdapter) PlaceStopLimit(ctx context.Context, clientOrderID, productID string, trigger, limit, qty money.Money) <-chan AckResult {
	out := make(chan AckResult, 1)
	go func() {
		ack, err := c.inner.PlaceStopLimit(ctx, clientOrderID, productID, trigger, limit, qty)
		out <- AckResult{Ack: ack, Err: err}
	}()
	return out
}

func (c *CooperativeAdapter) CancelOrder(ctx context.Context, productID, orderID string) <-chan error {
	out := make(chan error, 1)
	go func() {
		out <- c.inner.CancelOrder(ctx, productID, orderID)
	}()
	return out
}

func (c *CooperativeAdapter) GetOrderStatus(ctx context.Context, productID, orderID string) <-chan StatusResult {
	out := make(chan StatusResult, 1)
	go func() {
		s, err := c.inner.GetOrderStatus(ctx, productID, orderID)
		out <- StatusResult{Status: s, Err: err}
	}()
	return out
}

func (c *CooperativeAdapter) GetLastTradePrice(ctx context.Context, productID string) <-chan PriceResult {
	out := make(chan PriceResult, 1)
	go func() {
		p, err := c.inner.GetLastTradePrice(ctx, productID)
		out <- PriceResult{Price: p, Err: err}
	}()
	return out
}
