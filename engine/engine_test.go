package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullstake/spotexec/exchange"
	"github.com/nullstake/spotexec/money"
	"github.com/nullstake/spotexec/position"
	"github.com/nullstake/spotexec/storage"
)

// fakeAdapter is an in-memory exchange.Adapter, deterministic and
// goroutine-naive, good enough to drive Engine through a lifecycle without a
// network call. Every placed order is acknowledged immediately.
type fakeAdapter struct {
	nextOrderID   int
	placedLimits  []string
	placedStops   []string
	cancelled     []string
	lastTrade     money.Money
	placeBuyErr   error
	placeStopErr  error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{lastTrade: money.NewFromInt(50000)}
}

func (f *fakeAdapter) orderID() string {
	f.nextOrderID++
	return "venue-" + string(rune('0'+f.nextOrderID))
}

func (f *fakeAdapter) PlaceLimitBuy(ctx context.Context, clientOrderID, productID string, price, qty money.Money) (exchange.OrderAck, error) {
	if f.placeBuyErr != nil {
		return exchange.OrderAck{}, f.placeBuyErr
	}
	f.placedLimits = append(f.placedLimits, clientOrderID)
	return exchange.OrderAck{OrderID: f.orderID(), ClientOrderID: clientOrderID}, nil
}

func (f *fakeAdapter) PlaceStopLimit(ctx context.Context, clientOrderID, productID string, trigger, limit, qty money.Money) (exchange.OrderAck, error) {
	if f.placeStopErr != nil {
		return exchange.OrderAck{}, f.placeStopErr
	}
	f.placedStops = append(f.placedStops, clientOrderID)
	return exchange.OrderAck{OrderID: f.orderID(), ClientOrderID: clientOrderID}, nil
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, productID, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeAdapter) GetOrderStatus(ctx context.Context, productID, orderID string) (exchange.OrderStatus, error) {
	return exchange.OrderStatus{OrderID: orderID, State: "open"}, nil
}

func (f *fakeAdapter) GetLastTradePrice(ctx context.Context, productID string) (money.Money, error) {
	return f.lastTrade, nil
}

func (f *fakeAdapter) ListOpenOrders(ctx context.Context, productID string) ([]exchange.OrderStatus, error) {
	return nil, nil
}

func testParams() StrategyParams {
	return StrategyParams{
		TrailPct:              "0.01",
		StopLimitBufferPct:    "0.005",
		MinRatchet:            "0.002",
		StopTimeoutSeconds:    0,
		StopEscalationStepPct: "0.001",
		MaxStopRetries:        3,
	}
}

func newTestEngine(t *testing.T, adapter exchange.Adapter) *Engine {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New("BTC-USD", testParams(), adapter, nil, store)
}

// reconciledEngine returns an Engine that has already completed (trivial,
// empty-state) startup reconciliation, since SubmitEntry and OnTrade both
// refuse to act before that gate passes.
func reconciledEngine(t *testing.T, adapter exchange.Adapter) *Engine {
	t.Helper()
	e := newTestEngine(t, adapter)
	require.NoError(t, e.Reconcile(context.Background()))
	return e
}

func TestSubmitEntryRejectedBeforeReconciliation(t *testing.T) {
	e := newTestEngine(t, newFakeAdapter())
	_, _, err := e.SubmitEntry(context.Background(), EntryIntent{
		ClientOrderID: "c1", ProductID: "BTC-USD", LimitPrice: money.NewFromInt(50000), Qty: money.NewFromInt(1),
	})
	require.Error(t, err, "no entry may be submitted before startup reconciliation completes")
}

func TestSubmitEntrySameClientOrderIDIsIdempotent(t *testing.T) {
	e := reconciledEngine(t, newFakeAdapter())
	intent := EntryIntent{ClientOrderID: "c1", ProductID: "BTC-USD", LimitPrice: money.NewFromInt(50000), Qty: money.NewFromInt(1)}

	_, _, err := e.SubmitEntry(context.Background(), intent)
	require.NoError(t, err)

	_, _, err = e.SubmitEntry(context.Background(), intent)
	require.Error(t, err, "resubmitting the same client_order_id must not open a second position")
	assert.Len(t, e.Positions(), 1)
}

func TestNoExitBeforeEntryOnTradeIgnoresPendingEntryPosition(t *testing.T) {
	adapter := newFakeAdapter()
	e := reconciledEngine(t, adapter)

	_, _, err := e.SubmitEntry(context.Background(), EntryIntent{
		ClientOrderID: "c1", ProductID: "BTC-USD", LimitPrice: money.NewFromInt(50000), Qty: money.NewFromInt(1),
	})
	require.NoError(t, err)

	// A trade tick arrives before any fill notification; the position is
	// still PENDING_ENTRY and must not be touched, and certainly no stop
	// order may be placed for it.
	require.NoError(t, e.OnTrade(context.Background(), money.NewFromInt(51000)))
	assert.Empty(t, adapter.placedStops, "no stop may be placed before an entry fill arrives")

	for _, snap := range e.Positions() {
		assert.Equal(t, position.StatusPendingEntry, snap.Status)
	}
}

func TestHandleFillOpensPositionAndPlacesInitialStop(t *testing.T) {
	adapter := newFakeAdapter()
	e := reconciledEngine(t, adapter)

	_, orderID, err := e.SubmitEntry(context.Background(), EntryIntent{
		ClientOrderID: "c1", ProductID: "BTC-USD", LimitPrice: money.NewFromInt(50000), Qty: money.NewFromInt(1),
	})
	require.NoError(t, err)

	require.NoError(t, e.HandleFill(context.Background(), orderID, money.NewFromInt(1), money.NewFromInt(50000), true))

	require.Len(t, adapter.placedStops, 1)
	var snap position.Snapshot
	for _, s := range e.Positions() {
		snap = s
	}
	assert.Equal(t, position.StatusOpen, snap.Status)
	assert.True(t, snap.StopDefined)
	// trigger = 50000 * (1 - 0.01) = 49500
	assert.Equal(t, "49500", snap.CurrentStopTrigger.String())
}

func TestOnTradeRatchetsStopUpwardNeverDown(t *testing.T) {
	adapter := newFakeAdapter()
	e := reconciledEngine(t, adapter)

	_, orderID, err := e.SubmitEntry(context.Background(), EntryIntent{
		ClientOrderID: "c1", ProductID: "BTC-USD", LimitPrice: money.NewFromInt(50000), Qty: money.NewFromInt(1),
	})
	require.NoError(t, err)
	require.NoError(t, e.HandleFill(context.Background(), orderID, money.NewFromInt(1), money.NewFromInt(50000), true))

	firstTrigger := func() money.Money {
		for _, s := range e.Positions() {
			return s.CurrentStopTrigger
		}
		return money.Zero
	}()

	// Price rises well past min_ratchet: stop must move up.
	require.NoError(t, e.OnTrade(context.Background(), money.NewFromInt(52000)))
	raisedTrigger := func() money.Money {
		for _, s := range e.Positions() {
			return s.CurrentStopTrigger
		}
		return money.Zero
	}()
	assert.True(t, raisedTrigger.GreaterThan(firstTrigger))

	// Price then falls: stop must not move down from the raised level.
	require.NoError(t, e.OnTrade(context.Background(), money.NewFromInt(48000)))
	afterPullback := func() money.Money {
		for _, s := range e.Positions() {
			return s.CurrentStopTrigger
		}
		return money.Zero
	}()
	assert.True(t, afterPullback.Equal(raisedTrigger), "a pullback must never loosen a stop already placed")
}

func TestHandleStopFillClosesPosition(t *testing.T) {
	adapter := newFakeAdapter()
	e := reconciledEngine(t, adapter)

	_, orderID, err := e.SubmitEntry(context.Background(), EntryIntent{
		ClientOrderID: "c1", ProductID: "BTC-USD", LimitPrice: money.NewFromInt(50000), Qty: money.NewFromInt(1),
	})
	require.NoError(t, err)
	require.NoError(t, e.HandleFill(context.Background(), orderID, money.NewFromInt(1), money.NewFromInt(50000), true))

	var stopOrderID string
	for id, mo := range e.orders {
		if mo.record.Kind == "stop" {
			stopOrderID = id
		}
	}
	require.NotEmpty(t, stopOrderID)

	require.NoError(t, e.HandleStopFill(stopOrderID, money.NewFromInt(1), money.NewFromInt(49500), true))

	for _, s := range e.Positions() {
		assert.Equal(t, position.StatusClosed, s.Status)
	}
}

func TestForceExitClosesPositionImmediately(t *testing.T) {
	adapter := newFakeAdapter()
	e := reconciledEngine(t, adapter)

	positionID, orderID, err := e.SubmitEntry(context.Background(), EntryIntent{
		ClientOrderID: "c1", ProductID: "BTC-USD", LimitPrice: money.NewFromInt(50000), Qty: money.NewFromInt(1),
	})
	require.NoError(t, err)
	require.NoError(t, e.HandleFill(context.Background(), orderID, money.NewFromInt(1), money.NewFromInt(50000), true))

	require.NoError(t, e.ForceExit(context.Background(), positionID, money.NewFromInt(49000)))

	snap := e.Positions()[positionID]
	assert.Equal(t, position.StatusForceExited, snap.Status)
	assert.Len(t, adapter.cancelled, 1, "force exit must cancel the live stop")
}

func TestReconcileRestoresOpenPositionAndRefusesDoubleRun(t *testing.T) {
	adapter := newFakeAdapter()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pos := position.New("pos-orphan", "BTC-USD")
	require.NoError(t, pos.RegisterFill(money.NewFromInt(1), money.NewFromInt(50000)))
	require.NoError(t, store.SavePosition(pos.ToSnapshot()))

	e := New("BTC-USD", testParams(), adapter, nil, store)
	require.NoError(t, e.Reconcile(context.Background()))

	assert.Contains(t, e.Positions(), "pos-orphan")
	assert.Len(t, adapter.placedStops, 1, "reconciliation must place a missing stop for a restored OPEN position")

	// A second Reconcile call must be a pure no-op (idempotent startup gate).
	require.NoError(t, e.Reconcile(context.Background()))
	assert.Len(t, adapter.placedStops, 1, "re-running reconciliation must not place a duplicate stop")
}
