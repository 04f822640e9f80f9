package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTryAcquireRespectsBurst(t *testing.T) {
	p := New(1, 2)
	p.Register("orders", 1, 2)

	assert.True(t, p.TryAcquire("orders"))
	assert.True(t, p.TryAcquire("orders"))
	assert.False(t, p.TryAcquire("orders"), "burst of 2 exhausted on the third immediate call")
}

func TestWaitIfNeededTimesOut(t *testing.T) {
	p := New(1, 1)
	p.Register("orders", 1, 1)

	assert.True(t, p.TryAcquire("orders"))

	ctx := context.Background()
	ok := p.WaitIfNeeded(ctx, "orders", 10*time.Millisecond)
	assert.False(t, ok, "a 10ms wait cannot refill a 1 req/s bucket")
}

func TestUnregisteredEndpointUsesDefault(t *testing.T) {
	p := New(5, 3)
	used, limit, _ := p.Usage("unregistered")
	assert.Equal(t, 0, used)
	assert.Equal(t, 3, limit)
}

func TestUsageTracksConsumption(t *testing.T) {
	p := New(1, 5)
	p.Register("orders", 1, 5)
	p.TryAcquire("orders")
	p.TryAcquire("orders")

	used, limit, resetAt := p.Usage("orders")
	assert.Equal(t, 2, used)
	assert.Equal(t, 5, limit)
	assert.True(t, resetAt.After(time.Now().Add(-time.Second)))
}
