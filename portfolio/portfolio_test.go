package portfolio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullstake/spotexec/money"
)

func testConfig() Config {
	return Config{
		MaxPositionSizePct:          "5",
		MaxPositions:                10,
		MaxCorrelatedExposurePct:    "25",
		RebalanceThresholdPct:       "10",
		EmergencyLiquidationLossPct: "-15",
	}
}

func TestAdmissionRejectedOnPositionSizeLimit(t *testing.T) {
	m := New(testConfig(), money.NewFromInt(10000))

	decision := m.CheckAdmission(Intent{
		PositionID: "A",
		ProductID:  "BTC-USD",
		Notional:   money.NewFromInt(600),
	})

	assert.False(t, decision.Admit)
	assert.Equal(t, "position_size_exceeds_limit", decision.Reason)
	assert.Empty(t, m.OpenPositionIDs())
}

func TestAdmissionGrantedWithinLimit(t *testing.T) {
	m := New(testConfig(), money.NewFromInt(10000))

	decision := m.CheckAdmission(Intent{
		PositionID: "A",
		ProductID:  "BTC-USD",
		Notional:   money.NewFromInt(400),
	})

	assert.True(t, decision.Admit)
	assert.Equal(t, []string{"A"}, m.OpenPositionIDs())
}

func TestCorrelatedExposureLimit(t *testing.T) {
	// max_position_size_pct=5 caps each position at 500; max_correlated_exposure_pct=25
	// caps the group at 2500 — five positions at the per-position cap exactly
	// fill the group cap, so a sixth must be rejected on the group check alone.
	m := New(testConfig(), money.NewFromInt(10000))

	for i := 0; i < 5; i++ {
		decision := m.CheckAdmission(Intent{
			PositionID:       string(rune('A' + i)),
			ProductID:        "PRODUCT-" + string(rune('A'+i)),
			CorrelationGroup: "majors",
			Notional:         money.NewFromInt(500),
		})
		require.True(t, decision.Admit, "position %d should be admitted", i)
	}

	sixth := m.CheckAdmission(Intent{
		PositionID: "F", ProductID: "PRODUCT-F", CorrelationGroup: "majors", Notional: money.NewFromInt(500),
	})
	assert.False(t, sixth.Admit)
	assert.Equal(t, "correlated_exposure_exceeds_limit", sixth.Reason)
}

func TestMaxPositionsCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPositions = 1
	m := New(cfg, money.NewFromInt(10000))

	first := m.CheckAdmission(Intent{PositionID: "A", ProductID: "BTC-USD", Notional: money.NewFromInt(100)})
	require.True(t, first.Admit)

	second := m.CheckAdmission(Intent{PositionID: "B", ProductID: "ETH-USD", Notional: money.NewFromInt(100)})
	assert.False(t, second.Admit)
}

func TestRecordCloseTripsCircuitOnDailyLossBreach(t *testing.T) {
	m := New(testConfig(), money.NewFromInt(10000))
	decision := m.CheckAdmission(Intent{PositionID: "A", ProductID: "BTC-USD", Notional: money.NewFromInt(400)})
	require.True(t, decision.Admit)

	require.NoError(t, m.RecordClose("A", money.NewFromInt(-2000)))
	assert.True(t, m.IsCircuitTripped())

	rejected := m.CheckAdmission(Intent{PositionID: "B", ProductID: "ETH-USD", Notional: money.NewFromInt(100)})
	assert.False(t, rejected.Admit)
	assert.Equal(t, "circuit_breaker_tripped", rejected.Reason)
}

func TestRecordCloseAccumulatesMetrics(t *testing.T) {
	m := New(testConfig(), money.NewFromInt(10000))
	require.True(t, m.CheckAdmission(Intent{PositionID: "A", ProductID: "BTC-USD", Notional: money.NewFromInt(100)}).Admit)
	require.NoError(t, m.RecordClose("A", money.NewFromInt(50)))

	require.True(t, m.CheckAdmission(Intent{PositionID: "B", ProductID: "ETH-USD", Notional: money.NewFromInt(100)}).Admit)
	require.NoError(t, m.RecordClose("B", money.NewFromInt(-20)))

	metrics := m.Metrics()
	assert.Equal(t, "30", metrics.RealizedPnL.String())
	assert.Equal(t, 50.0, metrics.WinRate)
}

func TestRekeyMovesProvisionalPositionToRealID(t *testing.T) {
	m := New(testConfig(), money.NewFromInt(10000))
	require.True(t, m.CheckAdmission(Intent{PositionID: "client-123", ProductID: "BTC-USD", Notional: money.NewFromInt(100)}).Admit)

	m.Rekey("client-123", "pos-real-id")
	assert.Equal(t, []string{"pos-real-id"}, m.OpenPositionIDs())

	require.NoError(t, m.RecordClose("pos-real-id", money.Zero))
}
