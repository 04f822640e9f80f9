// Package position implements the per-position ratchet math and lifecycle
// state: highest-price tracking, trailing-stop computation, and the
// monotonicity invariants that must hold across any sequence of fills,
// price observations, and stop replacements.
//
// Grounded on core/engine.go's checkPosition/exitPosition high-water-mark
// tracking and risk/tp_sl.go's calculateTrailingStop trail-from-high
// formula, generalized from a fixed take-profit/stop-loss bracket into a
// ratcheting trigger/limit pair that only ever moves up.
package position

import (
	"errors"
	"fmt"

	"github.com/nullstake/spotexec/money"
)

// Status is the closed set of lifecycle states a position can occupy.
type Status int

const (
	StatusPendingEntry Status = iota
	StatusOpen
	StatusClosed
	StatusForceExited
)

func (s Status) String() string {
	switch s {
	case StatusPendingEntry:
		return "PENDING_ENTRY"
	case StatusOpen:
		return "OPEN"
	case StatusClosed:
		return "CLOSED"
	case StatusForceExited:
		return "FORCE_EXITED"
	default:
		return "UNKNOWN"
	}
}

// ErrInvalidTransition is returned when an operation is attempted from a
// status that does not permit it.
var ErrInvalidTransition = errors.New("position: invalid transition")

// State is one open (or formerly open) position. Ratchet-sensitive fields
// are unexported; all mutation goes through the methods below so the
// monotonicity invariants can never be violated by a stray field write
// from the owning Engine.
type State struct {
	PositionID string
	ProductID  string

	entryPrice             money.Money
	qtyFilled              money.Money
	highestPriceSinceEntry money.Money
	highestPriceDefined    bool
	currentStopTrigger     money.Money
	currentStopLimit       money.Money
	stopDefined            bool
	stopOrderID            string
	status                 Status
	inconsistent           bool // set when reconciliation found an unresolved conflict; quarantines the position from stop replacement

	realizedPnL money.Money
}

// New creates a position in PENDING_ENTRY, not yet filled.
func New(positionID, productID string) *State {
	return &State{
		PositionID: positionID,
		ProductID:  productID,
		status:     StatusPendingEntry,
	}
}

func (s *State) Status() Status                 { return s.status }
func (s *State) EntryPrice() money.Money         { return s.entryPrice }
func (s *State) QtyFilled() money.Money          { return s.qtyFilled }
func (s *State) StopOrderID() string             { return s.stopOrderID }
func (s *State) RealizedPnL() money.Money        { return s.realizedPnL }
func (s *State) IsInconsistent() bool            { return s.inconsistent }
func (s *State) MarkInconsistent()               { s.inconsistent = true }

// HighestPriceSinceEntry returns the tracked high-water mark and whether it
// is defined yet (it is undefined until the first fill).
func (s *State) HighestPriceSinceEntry() (money.Money, bool) {
	return s.highestPriceSinceEntry, s.highestPriceDefined
}

// CurrentStop returns the live stop trigger/limit pair, if one has been
// placed.
func (s *State) CurrentStop() (trigger, limit money.Money, ok bool) {
	return s.currentStopTrigger, s.currentStopLimit, s.stopDefined
}

// RegisterFill applies a BUY fill to the entry order. The first invocation
// opens the position (status -> OPEN) and seeds entry_price, qty_filled,
// and highest_price_since_entry from the fill. Subsequent invocations
// (partial fills accumulating on the same entry) update qty_filled and
// recompute entry_price as the exact quantity-weighted average — no
// rounding drift accumulates across repeated partial fills.
func (s *State) RegisterFill(filledQty, fillPrice money.Money) error {
	if s.status != StatusPendingEntry && s.status != StatusOpen {
		return fmt.Errorf("%w: register_fill on status %s", ErrInvalidTransition, s.status)
	}

	if s.status == StatusPendingEntry {
		s.entryPrice = fillPrice
		s.qtyFilled = filledQty
		s.highestPriceSinceEntry = fillPrice
		s.highestPriceDefined = true
		s.status = StatusOpen
		return nil
	}

	// Quantity-weighted average: (q_old*p_old + q_new*p_new) / (q_old+q_new).
	totalCost := s.entryPrice.Mul(s.qtyFilled).Add(fillPrice.Mul(filledQty))
	newQty := s.qtyFilled.Add(filledQty)
	s.entryPrice = totalCost.Div(newQty)
	s.qtyFilled = newQty

	if fillPrice.GreaterThan(s.highestPriceSinceEntry) {
		s.highestPriceSinceEntry = fillPrice
	}

	return nil
}

// ObservePrice folds a last-trade tick into the high-water mark. It is a
// no-op if the position is not OPEN — including before any entry fill has
// arrived, so ticks before a fill are ignored for trailing purposes.
func (s *State) ObservePrice(lastTradePrice money.Money) {
	if s.status != StatusOpen {
		return
	}
	if !s.highestPriceDefined || lastTradePrice.GreaterThan(s.highestPriceSinceEntry) {
		s.highestPriceSinceEntry = lastTradePrice
		s.highestPriceDefined = true
	}
}

// ComputeNewStop is a pure function of the current high-water mark and the
// strategy parameters: trigger = high * (1 - trail_pct), limit = trigger *
// (1 - stop_limit_buffer_pct).
func (s *State) ComputeNewStop(trailPct, stopLimitBufferPct string) (trigger, limit money.Money, err error) {
	high, ok := s.highestPriceSinceEntry, s.highestPriceDefined
	if !ok {
		return money.Zero, money.Zero, fmt.Errorf("position: no highest_price_since_entry defined")
	}
	one := money.NewFromInt(1)
	trailFrac, err := money.NewFromString(trailPct)
	if err != nil {
		return money.Zero, money.Zero, err
	}
	bufferFrac, err := money.NewFromString(stopLimitBufferPct)
	if err != nil {
		return money.Zero, money.Zero, err
	}
	trigger = high.Mul(one.Sub(trailFrac))
	limit = trigger.Mul(one.Sub(bufferFrac))
	return trigger, limit, nil
}

// ShouldReplaceStop returns true iff there is no live stop, or the
// candidate trigger clears the current one by more than min_ratchet. It
// must never return true for a new_trigger that does not exceed the current
// trigger — the sequence of stop triggers applied to a position is
// non-decreasing for its whole lifetime.
func (s *State) ShouldReplaceStop(newTrigger money.Money, minRatchet string) (bool, error) {
	if !s.stopDefined {
		return true, nil
	}
	if newTrigger.LessThanOrEqual(s.currentStopTrigger) {
		return false, nil
	}
	ratchetFrac, err := money.NewFromString(minRatchet)
	if err != nil {
		return false, err
	}
	one := money.NewFromInt(1)
	threshold := s.currentStopTrigger.Mul(one.Add(ratchetFrac))
	return newTrigger.GreaterThan(threshold), nil
}

// ApplyNewStop atomically records the replacement stop. Callers must have
// already confirmed ShouldReplaceStop and that the venue accepted the new
// order; ApplyNewStop itself performs no ratchet check so it can also be
// used by reconciliation to seed the first stop after a crash.
func (s *State) ApplyNewStop(trigger, limit money.Money, stopOrderID string) {
	s.currentStopTrigger = trigger
	s.currentStopLimit = limit
	s.stopOrderID = stopOrderID
	s.stopDefined = true
}

// ClearStop forgets the current stop order id without replacing it (used
// when a cancel succeeds but the replacement placement has not landed yet;
// the Engine tracks "needs stop" separately and retries on the next tick).
// The last trigger/limit pair is kept, so ShouldReplaceStop still compares
// against it.
func (s *State) ClearStop() {
	s.stopOrderID = ""
}

// Close records an exit fill against the position's remaining qty_filled,
// realizing P&L at (exit_price - entry_price) * exit_qty. When qty_filled
// reaches zero the position transitions to CLOSED.
func (s *State) Close(exitPrice, exitQty money.Money) error {
	if s.status != StatusOpen {
		return fmt.Errorf("%w: close on status %s", ErrInvalidTransition, s.status)
	}
	pnl := exitPrice.Sub(s.entryPrice).Mul(exitQty)
	s.realizedPnL = s.realizedPnL.Add(pnl)
	s.qtyFilled = s.qtyFilled.Sub(exitQty)
	if s.qtyFilled.LessThanOrEqual(money.Zero) {
		s.qtyFilled = money.Zero
		s.status = StatusClosed
		s.stopOrderID = ""
	}
	return nil
}

// ForceClose is the admin force-exit bookkeeping path: it records the exit
// at the supplied price without placing a venue order, transitioning
// straight to FORCE_EXITED regardless of remaining qty_filled.
func (s *State) ForceClose(exitPrice money.Money) {
	exitQty := s.qtyFilled
	pnl := exitPrice.Sub(s.entryPrice).Mul(exitQty)
	s.realizedPnL = s.realizedPnL.Add(pnl)
	s.qtyFilled = money.Zero
	s.status = StatusForceExited
	s.stopOrderID = ""
}

// RejectEntry closes a position whose entry order was rejected by the
// venue before any fill arrived.
func (s *State) RejectEntry() error {
	if s.status != StatusPendingEntry {
		return fmt.Errorf("%w: reject_entry on status %s", ErrInvalidTransition, s.status)
	}
	s.status = StatusClosed
	return nil
}

// Snapshot is the flat, fully-exported mirror of State used for
// persistence. State keeps its ratchet fields unexported so all mutation
// stays behind the methods above; Snapshot exists purely so storage can
// marshal/unmarshal the whole position without reaching into it.
type Snapshot struct {
	PositionID             string
	ProductID              string
	Status                 Status
	EntryPrice             money.Money
	QtyFilled              money.Money
	HighestPriceSinceEntry money.Money
	HighestPriceDefined    bool
	CurrentStopTrigger     money.Money
	CurrentStopLimit       money.Money
	StopDefined            bool
	StopOrderID            string
	Inconsistent           bool
	RealizedPnL            money.Money
}

// ToSnapshot copies s into a Snapshot for persistence.
func (s *State) ToSnapshot() Snapshot {
	return Snapshot{
		PositionID:             s.PositionID,
		ProductID:              s.ProductID,
		Status:                 s.status,
		EntryPrice:             s.entryPrice,
		QtyFilled:              s.qtyFilled,
		HighestPriceSinceEntry: s.highestPriceSinceEntry,
		HighestPriceDefined:    s.highestPriceDefined,
		CurrentStopTrigger:     s.currentStopTrigger,
		CurrentStopLimit:       s.currentStopLimit,
		StopDefined:            s.stopDefined,
		StopOrderID:            s.stopOrderID,
		Inconsistent:           s.inconsistent,
		RealizedPnL:            s.realizedPnL,
	}
}

// FromSnapshot rebuilds a State from a previously persisted Snapshot, used
// on process restart before reconciliation runs.
func FromSnapshot(snap Snapshot) *State {
	return &State{
		PositionID:             snap.PositionID,
		ProductID:              snap.ProductID,
		status:                 snap.Status,
		entryPrice:             snap.EntryPrice,
		qtyFilled:              snap.QtyFilled,
		highestPriceSinceEntry: snap.HighestPriceSinceEntry,
		highestPriceDefined:    snap.HighestPriceDefined,
		currentStopTrigger:     snap.CurrentStopTrigger,
		currentStopLimit:       snap.CurrentStopLimit,
		stopDefined:            snap.StopDefined,
		stopOrderID:            snap.StopOrderID,
		inconsistent:           snap.Inconsistent,
		realizedPnL:            snap.RealizedPnL,
	}
}
