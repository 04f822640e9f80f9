package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullstake/spotexec/engine"
	"github.com/nullstake/spotexec/exchange"
	"github.com/nullstake/spotexec/money"
	"github.com/nullstake/spotexec/portfolio"
	"github.com/nullstake/spotexec/storage"
)

// stubAdapter is a minimal in-memory exchange.Adapter for driving Engines
// registered with an Orchestrator without a network call.
type stubAdapter struct {
	seq       int
	lastTrade money.Money
}

func newStubAdapter() *stubAdapter { return &stubAdapter{lastTrade: money.NewFromInt(50000)} }

func (s *stubAdapter) orderID() string {
	s.seq++
	return "venue-" + string(rune('0'+s.seq))
}

func (s *stubAdapter) PlaceLimitBuy(ctx context.Context, clientOrderID, productID string, price, qty money.Money) (exchange.OrderAck, error) {
	return exchange.OrderAck{OrderID: s.orderID(), ClientOrderID: clientOrderID}, nil
}
func (s *stubAdapter) PlaceStopLimit(ctx context.Context, clientOrderID, productID string, trigger, limit, qty money.Money) (exchange.OrderAck, error) {
	return exchange.OrderAck{OrderID: s.orderID(), ClientOrderID: clientOrderID}, nil
}
func (s *stubAdapter) CancelOrder(ctx context.Context, productID, orderID string) error { return nil }
func (s *stubAdapter) GetOrderStatus(ctx context.Context, productID, orderID string) (exchange.OrderStatus, error) {
	return exchange.OrderStatus{OrderID: orderID, State: "open"}, nil
}
func (s *stubAdapter) GetLastTradePrice(ctx context.Context, productID string) (money.Money, error) {
	return s.lastTrade, nil
}
func (s *stubAdapter) ListOpenOrders(ctx context.Context, productID string) ([]exchange.OrderStatus, error) {
	return nil, nil
}

func testStrategyParams() engine.StrategyParams {
	return engine.StrategyParams{
		TrailPct:              "0.01",
		StopLimitBufferPct:    "0.005",
		MinRatchet:            "0.002",
		StopEscalationStepPct: "0.001",
		MaxStopRetries:        3,
	}
}

func newTestEngine(t *testing.T, productID string, adapter exchange.Adapter) *engine.Engine {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return engine.New(productID, testStrategyParams(), adapter, nil, store)
}

func testPortfolioConfig() portfolio.Config {
	return portfolio.Config{
		MaxPositionSizePct:          "50",
		MaxPositions:                10,
		MaxCorrelatedExposurePct:    "100",
		RebalanceThresholdPct:       "10",
		EmergencyLiquidationLossPct: "-50",
	}
}

func TestReconcileAllReconcilesEveryRegisteredEngine(t *testing.T) {
	pm := portfolio.New(testPortfolioConfig(), money.NewFromInt(10000))
	o := New(pm, 3, time.Second)

	btcEngine := newTestEngine(t, "BTC-USD", newStubAdapter())
	ethEngine := newTestEngine(t, "ETH-USD", newStubAdapter())
	o.Register(PairConfig{ProductID: "BTC-USD", CorrelationGroup: "majors"}, btcEngine)
	o.Register(PairConfig{ProductID: "ETH-USD", CorrelationGroup: "majors"}, ethEngine)

	require.NoError(t, o.ReconcileAll(context.Background()))

	// Reconciled Engines accept entries; an unreconciled one would reject.
	_, _, err := btcEngine.SubmitEntry(context.Background(), engine.EntryIntent{
		ClientOrderID: "c1", ProductID: "BTC-USD", LimitPrice: money.NewFromInt(50000), Qty: money.NewFromInt(1),
	})
	assert.NoError(t, err)
}

func TestCheckAllEntriesSwallowsPerPairSignalErrors(t *testing.T) {
	pm := portfolio.New(testPortfolioConfig(), money.NewFromInt(10000))
	o := New(pm, 3, time.Second)
	o.Register(PairConfig{ProductID: "BTC-USD"}, newTestEngine(t, "BTC-USD", newStubAdapter()))
	o.Register(PairConfig{ProductID: "ETH-USD"}, newTestEngine(t, "ETH-USD", newStubAdapter()))

	signals, err := o.CheckAllEntries(context.Background(), func(ctx context.Context, productID string) (*Signal, error) {
		if productID == "ETH-USD" {
			return nil, assertErr("feed unavailable")
		}
		return &Signal{ClientOrderID: "c-" + productID, LimitPrice: money.NewFromInt(50000), Qty: money.NewFromInt(1)}, nil
	})

	require.NoError(t, err, "one pair's signal error must not fail the whole fan-out")
	require.Contains(t, signals, "BTC-USD")
	assert.NotNil(t, signals["BTC-USD"])
	assert.Nil(t, signals["ETH-USD"], "the errored pair contributes no signal")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestSubmitCoordinatedEntriesRejectsOverPortfolioCap(t *testing.T) {
	cfg := testPortfolioConfig()
	cfg.MaxPositionSizePct = "1" // caps each position at 1% of 10000 = 100
	pm := portfolio.New(cfg, money.NewFromInt(10000))
	o := New(pm, 3, time.Second)
	o.Register(PairConfig{ProductID: "BTC-USD"}, newTestEngine(t, "BTC-USD", newStubAdapter()))

	require.NoError(t, o.ReconcileAll(context.Background()))

	results := o.SubmitCoordinatedEntries(context.Background(), map[string]*Signal{
		"BTC-USD": {ClientOrderID: "c1", LimitPrice: money.NewFromInt(50000), Qty: money.NewFromInt(1)}, // notional 50000 >> 100 cap
	})

	require.Len(t, results, 1)
	assert.True(t, results[0].Rejected)
	assert.Equal(t, "position_size_exceeds_limit", results[0].Reason)
	assert.Empty(t, pm.OpenPositionIDs(), "a rejected admission must leave no open position tracked")
}

func TestSubmitCoordinatedEntriesAdmitsWithinCap(t *testing.T) {
	pm := portfolio.New(testPortfolioConfig(), money.NewFromInt(10000))
	o := New(pm, 3, time.Second)
	o.Register(PairConfig{ProductID: "BTC-USD"}, newTestEngine(t, "BTC-USD", newStubAdapter()))

	require.NoError(t, o.ReconcileAll(context.Background()))

	results := o.SubmitCoordinatedEntries(context.Background(), map[string]*Signal{
		"BTC-USD": {ClientOrderID: "c1", LimitPrice: money.NewFromInt(10), Qty: money.NewFromInt(1)},
	})

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.False(t, results[0].Rejected)
	assert.NotEmpty(t, results[0].PositionID)
	// Rekey must have moved the admission from the provisional client_order_id
	// to the real position_id the Engine assigned.
	assert.Equal(t, []string{results[0].PositionID}, pm.OpenPositionIDs())
}

func TestEmergencyLiquidatePortfolioIsIdempotent(t *testing.T) {
	pm := portfolio.New(testPortfolioConfig(), money.NewFromInt(10000))
	o := New(pm, 3, time.Second)
	eng := newTestEngine(t, "BTC-USD", newStubAdapter())
	o.Register(PairConfig{ProductID: "BTC-USD"}, eng)
	require.NoError(t, o.ReconcileAll(context.Background()))

	positionID, orderID, err := eng.SubmitEntry(context.Background(), engine.EntryIntent{
		ClientOrderID: "c1", ProductID: "BTC-USD", LimitPrice: money.NewFromInt(50000), Qty: money.NewFromInt(1),
	})
	require.NoError(t, err)
	require.NoError(t, eng.HandleFill(context.Background(), orderID, money.NewFromInt(1), money.NewFromInt(50000), true))

	prices := map[string]money.Money{"BTC-USD": money.NewFromInt(49000)}
	require.NoError(t, o.EmergencyLiquidatePortfolio(context.Background(), prices))
	require.NoError(t, o.EmergencyLiquidatePortfolio(context.Background(), prices), "re-invocation after full liquidation must be a no-op, not an error")

	snap := eng.Positions()[positionID]
	assert.Equal(t, "FORCE_EXITED", snap.Status.String())
}
