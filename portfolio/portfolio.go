// Package portfolio implements the Portfolio Manager: capital accounting,
// portfolio-wide admission checks, and rebalance/emergency-liquidation
// signals shared across every pair's Engine.
//
// Grounded on risk/gate.go's RiskGate (hard blocks then size adjustments
// then a risk score) and risk/circuit_breaker.go's consecutive-loss trip
// logic, generalized from a single-asset-at-a-time cap into a
// correlation-group concentration cap across many simultaneously open
// pairs, and from a percent-of-balance notion of size into the
// notional/total_capital accounting a portfolio-wide admission gate requires.
package portfolio

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nullstake/spotexec/internal/xerrors"
	"github.com/nullstake/spotexec/money"
)

// Config is the set of portfolio-level knobs.
type Config struct {
	MaxPositionSizePct          string // hard cap on notional per position, % of total_capital
	MaxPositions                int    // hard cap on count of simultaneously OPEN positions
	MaxCorrelatedExposurePct    string // cap on sum of notionals within one correlation_group, % of total
	RebalanceThresholdPct       string // drift % from target allocation that raises a rebalance flag
	EmergencyLiquidationLossPct string // negative unrealized P&L % that triggers emergency exit
}

// Intent is the admission request a caller submits before opening a
// position.
type Intent struct {
	PositionID       string
	ProductID        string
	CorrelationGroup string
	Notional         money.Money
	TargetAllocation money.Money // desired allocation for this product, for rebalance_actions
}

// Decision is check_admission's result.
type Decision struct {
	Admit  bool
	Reason string
}

// openPosition is the Portfolio Manager's own record of one OPEN position —
// distinct from (and narrower than) position.State, which an Engine owns.
type openPosition struct {
	positionID       string
	productID        string
	correlationGroup string
	notional         money.Money
}

// closedPosition is a completed trade's realized outcome, retained for
// win-rate and total-P&L metrics.
type closedPosition struct {
	positionID  string
	realizedPnL money.Money
}

// Metrics is the snapshot returned by Metrics().
type Metrics struct {
	TotalCapital     money.Money
	AvailableCapital money.Money
	DeployedCapital  money.Money
	RealizedPnL      money.Money
	UnrealizedPnL    money.Money
	TotalPnL         money.Money
	WinRate          float64
	Concentration    map[string]money.Money // correlation_group -> notional
}

// RebalanceHint flags one product whose allocation has drifted beyond
// rebalance_threshold_pct.
type RebalanceHint struct {
	ProductID       string
	CurrentNotional money.Money
	TargetNotional  money.Money
	DriftPct        money.Money
}

// Manager is the single critical section every Engine's admission and fill
// bookkeeping passes through.
type Manager struct {
	mu sync.Mutex

	cfg Config

	totalCapital     money.Money
	availableCapital money.Money

	open   map[string]*openPosition
	closed []closedPosition

	unrealizedPnL money.Money

	consecutiveLosses int
	dailyRealizedPnL  money.Money
	dailyDate         string
	circuitTripped    bool
	circuitTrippedAt  time.Time

	onCircuitTrip func(reason string)
}

// New builds a Manager with totalCapital fully available and no open
// positions.
func New(cfg Config, totalCapital money.Money) *Manager {
	return &Manager{
		cfg:              cfg,
		totalCapital:     totalCapital,
		availableCapital: totalCapital,
		open:             make(map[string]*openPosition),
		dailyDate:        time.Now().Format("2006-01-02"),
	}
}

// OnCircuitTrip registers a callback invoked when the circuit breaker trips.
// RecordClose trips it when the day's realized P&L falls below
// emergency_liquidation_loss_pct of total capital; the consecutive-loss
// count is tracked but does not trip it.
func (m *Manager) OnCircuitTrip(fn func(reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCircuitTrip = fn
}

// pctOf returns base * (pctStr / 100) — every *_pct config knob is a whole
// percentage (max_position_size_pct=5 means 5%, per the admission-rejection
// example), not a 0-1 fraction.
func pctOf(base money.Money, pctStr string) money.Money {
	pct, err := money.NewFromString(pctStr)
	if err != nil {
		return money.Zero
	}
	return base.Mul(pct).Div(money.NewFromInt(100))
}

func (m *Manager) checkDayReset() {
	today := time.Now().Format("2006-01-02")
	if today != m.dailyDate {
		m.dailyDate = today
		m.dailyRealizedPnL = money.Zero
	}
}

// CheckAdmission evaluates intent against every portfolio-level cap. It is
// the single critical section that must serialize every Engine's admission
// request through this one mutex.
func (m *Manager) CheckAdmission(intent Intent) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkDayReset()

	reject := func(reason string) Decision {
		log.Debug().Str("product_id", intent.ProductID).Str("reason", reason).Msg("admission rejected")
		return Decision{Admit: false, Reason: reason}
	}

	if m.circuitTripped {
		return reject("circuit_breaker_tripped")
	}

	if len(m.open) >= m.cfg.MaxPositions && m.cfg.MaxPositions > 0 {
		return reject(fmt.Sprintf("max_positions_reached(%d)", m.cfg.MaxPositions))
	}

	maxPositionNotional := pctOf(m.totalCapital, m.cfg.MaxPositionSizePct)
	if intent.Notional.GreaterThan(maxPositionNotional) {
		return reject("position_size_exceeds_limit")
	}

	if intent.Notional.GreaterThan(m.availableCapital) {
		return reject("insufficient_available_capital")
	}

	if intent.CorrelationGroup != "" {
		groupExposure := money.Zero
		for _, p := range m.open {
			if p.correlationGroup == intent.CorrelationGroup {
				groupExposure = groupExposure.Add(p.notional)
			}
		}
		groupExposure = groupExposure.Add(intent.Notional)
		maxGroupExposure := pctOf(m.totalCapital, m.cfg.MaxCorrelatedExposurePct)
		if groupExposure.GreaterThan(maxGroupExposure) {
			return reject("correlated_exposure_exceeds_limit")
		}
	}

	m.open[intent.PositionID] = &openPosition{
		positionID:       intent.PositionID,
		productID:        intent.ProductID,
		correlationGroup: intent.CorrelationGroup,
		notional:         intent.Notional,
	}
	m.availableCapital = m.availableCapital.Sub(intent.Notional)

	log.Info().Str("product_id", intent.ProductID).Str("notional", intent.Notional.String()).Msg("admission granted")
	return Decision{Admit: true}
}

// RecordFill folds a confirmed entry fill's actual notional into capital
// accounting — called once HandleFill has the true fill price/qty, which
// may differ slightly from the intent's estimate.
func (m *Manager) RecordFill(positionID string, actualNotional money.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.open[positionID]
	if !ok {
		return xerrors.New(xerrors.KindInvalidTransition, "record_fill for unknown position "+positionID)
	}
	delta := actualNotional.Sub(p.notional)
	m.availableCapital = m.availableCapital.Sub(delta)
	p.notional = actualNotional
	return nil
}

// RecordClose removes positionID from the open set, books its realized P&L,
// and updates the circuit breaker / daily-loss bookkeeping.
func (m *Manager) RecordClose(positionID string, realizedPnL money.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkDayReset()

	p, ok := m.open[positionID]
	if !ok {
		return xerrors.New(xerrors.KindInvalidTransition, "record_close for unknown position "+positionID)
	}
	delete(m.open, positionID)
	m.availableCapital = m.availableCapital.Add(p.notional).Add(realizedPnL)
	m.totalCapital = m.totalCapital.Add(realizedPnL)
	m.dailyRealizedPnL = m.dailyRealizedPnL.Add(realizedPnL)
	m.closed = append(m.closed, closedPosition{positionID: positionID, realizedPnL: realizedPnL})

	if realizedPnL.IsNegative() {
		m.consecutiveLosses++
	} else {
		m.consecutiveLosses = 0
	}

	lossLimit := pctOf(m.totalCapital, m.cfg.EmergencyLiquidationLossPct)
	if m.dailyRealizedPnL.LessThan(lossLimit) {
		m.trip("daily loss limit breached")
	}

	return nil
}

// ReleaseHold undoes a CheckAdmission reservation that never turned into an
// actual position (the submission itself failed or was abandoned after
// admission passed). It restores availableCapital only — unlike RecordClose,
// it does not book a realized P&L, does not append to closed, and does not
// touch consecutiveLosses/dailyRealizedPnL, since no position was ever
// opened or closed.
func (m *Manager) ReleaseHold(positionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.open[positionID]
	if !ok {
		return xerrors.New(xerrors.KindInvalidTransition, "release_hold for unknown position "+positionID)
	}
	delete(m.open, positionID)
	m.availableCapital = m.availableCapital.Add(p.notional)
	return nil
}

func (m *Manager) trip(reason string) {
	if m.circuitTripped {
		return
	}
	m.circuitTripped = true
	m.circuitTrippedAt = time.Now()
	log.Error().Str("reason", reason).Msg("portfolio circuit breaker tripped")
	if m.onCircuitTrip != nil {
		m.onCircuitTrip(reason)
	}
}

// Rekey re-identifies an open position tracked under a provisional id (the
// client_order_id used at admission time, before the venue/Engine assigns
// the real position_id) to its permanent id, so later RecordClose calls
// keyed by position_id find it.
func (m *Manager) Rekey(provisionalID, positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if provisionalID == positionID {
		return
	}
	p, ok := m.open[provisionalID]
	if !ok {
		return
	}
	delete(m.open, provisionalID)
	p.positionID = positionID
	m.open[positionID] = p
}

// ForceReset clears the circuit breaker, for operator intervention.
func (m *Manager) ForceReset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuitTripped = false
	m.consecutiveLosses = 0
}

// IsCircuitTripped reports whether admission is currently blocked.
func (m *Manager) IsCircuitTripped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.circuitTripped
}

// SetUnrealizedPnL updates the live mark-to-market figure fed into Metrics
// and emergency-liquidation evaluation. Callers (the orchestrator) compute
// this from current prices and push it in on each tick.
func (m *Manager) SetUnrealizedPnL(pnl money.Money) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnL = pnl
}

// ShouldEmergencyLiquidate reports whether unrealized P&L has breached
// emergency_liquidation_loss_pct of total capital.
func (m *Manager) ShouldEmergencyLiquidate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	threshold := pctOf(m.totalCapital, m.cfg.EmergencyLiquidationLossPct)
	return m.unrealizedPnL.LessThan(threshold)
}

// Metrics returns a point-in-time snapshot of portfolio health.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	realized := money.Zero
	wins := 0
	for _, c := range m.closed {
		realized = realized.Add(c.realizedPnL)
		if c.realizedPnL.IsPositive() {
			wins++
		}
	}
	winRate := 0.0
	if len(m.closed) > 0 {
		winRate = float64(wins) / float64(len(m.closed)) * 100
	}

	concentration := make(map[string]money.Money)
	deployed := money.Zero
	for _, p := range m.open {
		deployed = deployed.Add(p.notional)
		if p.correlationGroup != "" {
			concentration[p.correlationGroup] = concentration[p.correlationGroup].Add(p.notional)
		}
	}

	return Metrics{
		TotalCapital:     m.totalCapital,
		AvailableCapital: m.availableCapital,
		DeployedCapital:  deployed,
		RealizedPnL:      realized,
		UnrealizedPnL:    m.unrealizedPnL,
		TotalPnL:         realized.Add(m.unrealizedPnL),
		WinRate:          winRate,
		Concentration:    concentration,
	}
}

// RebalanceActions compares each open position's current notional against
// its caller-supplied target and flags those whose drift exceeds
// rebalance_threshold_pct.
func (m *Manager) RebalanceActions(targets map[string]money.Money) []RebalanceHint {
	m.mu.Lock()
	defer m.mu.Unlock()

	thresholdPct, err := money.NewFromString(m.cfg.RebalanceThresholdPct)
	if err != nil {
		return nil
	}
	threshold := thresholdPct.Div(money.NewFromInt(100))

	var hints []RebalanceHint
	for productID, target := range targets {
		current := money.Zero
		for _, p := range m.open {
			if p.productID == productID {
				current = current.Add(p.notional)
			}
		}
		if target.IsZero() {
			continue
		}
		drift := current.Sub(target).Div(target).Abs()
		if drift.GreaterThan(threshold) {
			hints = append(hints, RebalanceHint{
				ProductID:       productID,
				CurrentNotional: current,
				TargetNotional:  target,
				DriftPct:        drift,
			})
		}
	}
	return hints
}

// OpenPositionIDs returns the position_ids currently tracked as open,
// used by the orchestrator to drive emergency liquidation.
func (m *Manager) OpenPositionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.open))
	for id := range m.open {
		ids = append(ids, id)
	}
	return ids
}
