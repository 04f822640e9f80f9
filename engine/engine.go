// Package engine implements the per-pair Execution Engine: submitting the
// limit-buy entry, handling fills, ratcheting the trailing stop on every
// trade tick, handling stop fills, and force-exit. One Engine owns exactly
// one product_id's position set; the caller (orchestrator) is responsible
// for giving each Engine its own goroutine and never calling into it
// concurrently from two goroutines at once.
//
// Fused from execution/executor.go's order lifecycle + retry loop and
// core/engine.go's tick-driven position monitoring, replacing the
// YES/NO-sided take-profit/stop-loss bracket with a single ratcheting
// trailing stop built on position.State and orderstate.Machine.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nullstake/spotexec/exchange"
	"github.com/nullstake/spotexec/internal/xerrors"
	"github.com/nullstake/spotexec/money"
	"github.com/nullstake/spotexec/orderstate"
	"github.com/nullstake/spotexec/position"
	"github.com/nullstake/spotexec/ratelimit"
	"github.com/nullstake/spotexec/storage"
)

// StrategyParams carries the trailing-stop parameters applied uniformly to
// every position an Engine manages.
type StrategyParams struct {
	TrailPct              string
	StopLimitBufferPct    string
	MinRatchet            string
	StopTimeoutSeconds    int
	StopEscalationStepPct string
	MaxStopRetries        int
}

// EntryIntent is the caller-supplied request to open a new position.
type EntryIntent struct {
	ClientOrderID string
	ProductID     string
	LimitPrice    money.Money
	Qty           money.Money
}

// managedOrder pairs an orderstate.Machine with the venue/domain identity
// needed to act on it; Engine keeps one per live order (entry or stop).
type managedOrder struct {
	record  storage.OrderRecord
	machine *orderstate.Machine
}

// Engine is the single logical thread of control for one product_id.
type Engine struct {
	mu sync.Mutex

	productID string
	params    StrategyParams

	adapter exchange.Adapter
	limiter *ratelimit.Policy
	store   *storage.Store

	positions    map[string]*position.State // position_id -> state
	orders       map[string]*managedOrder   // order_id -> managed order
	byClient     map[string]string          // client_order_id -> position_id, idempotency guard
	needsStop    map[string]bool            // position_id -> stop replacement pending retry
	stopTries    map[string]int             // position_id -> consecutive failed stop placements
	stopPlacedAt map[string]time.Time       // position_id -> when the live stop was placed, for stop_timeout_seconds

	reconciled bool
}

// New builds an Engine for productID. adapter and limiter are shared
// process-wide resources; store is the persistence boundary.
func New(productID string, params StrategyParams, adapter exchange.Adapter, limiter *ratelimit.Policy, store *storage.Store) *Engine {
	return &Engine{
		productID: productID,
		params:    params,
		adapter:   adapter,
		limiter:   limiter,
		store:     store,
		positions:    make(map[string]*position.State),
		orders:       make(map[string]*managedOrder),
		byClient:     make(map[string]string),
		needsStop:    make(map[string]bool),
		stopTries:    make(map[string]int),
		stopPlacedAt: make(map[string]time.Time),
	}
}

// ProductID returns the pair this Engine manages.
func (e *Engine) ProductID() string { return e.productID }

func (e *Engine) requireReconciled() error {
	if !e.reconciled {
		return xerrors.New(xerrors.KindReconciliationConflict, "engine has not completed startup reconciliation")
	}
	return nil
}

// SubmitEntry places a limit-buy entry order. Its idempotency guard fails
// with an InvalidTransition error if client_order_id was already used for a
// position on this Engine.
func (e *Engine) SubmitEntry(ctx context.Context, intent EntryIntent) (positionID, orderID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireReconciled(); err != nil {
		return "", "", err
	}

	if existing, ok := e.byClient[intent.ClientOrderID]; ok {
		return "", "", xerrors.New(xerrors.KindInvalidTransition, fmt.Sprintf("client_order_id %s already used for position %s", intent.ClientOrderID, existing))
	}

	positionID = uuid.NewString()
	pos := position.New(positionID, intent.ProductID)
	e.positions[positionID] = pos
	e.byClient[intent.ClientOrderID] = positionID
	if err := e.store.SavePosition(pos.ToSnapshot()); err != nil {
		return "", "", err
	}

	// The entry order's identity is its client_order_id: it is known before
	// the venue has acknowledged anything, it never changes, and it is what
	// loadPersistedState rehydrates e.orders by after a restart. The venue's
	// own id (known only once ack arrives) lives in a separate field,
	// updated in place on this same row — never a second SaveOrder under a
	// different key.
	orderID = intent.ClientOrderID
	machine := orderstate.NewMachine()
	rec := storage.OrderRecord{
		OrderID:       orderID,
		ClientOrderID: intent.ClientOrderID,
		PositionID:    positionID,
		ProductID:     intent.ProductID,
		Kind:          "entry",
		Price:         intent.LimitPrice.String(),
		Qty:           intent.Qty.String(),
		FilledQty:     "0",
		State:         machine.State(),
	}
	mo := &managedOrder{record: rec, machine: machine}
	e.orders[orderID] = mo
	if err := e.store.SaveOrder(mo.record); err != nil {
		return "", "", err
	}

	ack, err := e.adapter.PlaceLimitBuy(ctx, intent.ClientOrderID, intent.ProductID, intent.LimitPrice, intent.Qty)
	if err != nil {
		if kind, ok := xerrors.KindOf(err); ok && kind == xerrors.KindVenueFatal {
			if _, txErr := e.transitionOrder(orderID, orderstate.EventVenueReject); txErr != nil {
				log.Error().Err(txErr).Str("order_id", orderID).Msg("failed to record entry rejection")
			}
			if rejErr := pos.RejectEntry(); rejErr != nil {
				log.Error().Err(rejErr).Str("position_id", positionID).Msg("failed to close rejected position")
			}
			if txErr := e.store.Transaction(func(tx *storage.Store) error {
				if err := tx.SaveOrder(mo.record); err != nil {
					return err
				}
				return tx.SavePosition(pos.ToSnapshot())
			}); txErr != nil {
				log.Error().Err(txErr).Str("position_id", positionID).Msg("failed to persist entry rejection")
			}
		}
		return positionID, orderID, err
	}

	mo.record.VenueOrderID = ack.OrderID
	if _, txErr := mo.machine.Apply(orderstate.EventVenueAck); txErr != nil {
		return positionID, orderID, xerrors.Wrap(xerrors.KindInvalidTransition, "apply venue_ack", txErr)
	}
	mo.record.State = mo.machine.State()
	if err := e.store.SaveOrder(mo.record); err != nil {
		return positionID, orderID, err
	}

	return positionID, orderID, nil
}

func (e *Engine) transitionOrder(orderID string, event orderstate.Event) (orderstate.State, error) {
	mo, ok := e.orders[orderID]
	if !ok {
		return 0, xerrors.New(xerrors.KindInvalidTransition, "unknown order_id "+orderID)
	}
	state, err := mo.machine.Apply(event)
	if err != nil {
		return state, xerrors.Wrap(xerrors.KindInvalidTransition, "order transition", err)
	}
	mo.record.State = state
	return state, nil
}

// HandleFill processes a fill notification for an entry order. The first
// fill opens the position and places the first trailing stop — this is
// the only code path that creates a position's initial stop order.
func (e *Engine) HandleFill(ctx context.Context, orderID string, filledQty, fillPrice money.Money, final bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	mo, ok := e.orders[orderID]
	if !ok {
		return xerrors.New(xerrors.KindInvalidTransition, "unknown order_id "+orderID)
	}
	pos, ok := e.positions[mo.record.PositionID]
	if !ok {
		return xerrors.New(xerrors.KindInvalidTransition, "unknown position_id "+mo.record.PositionID)
	}

	event := orderstate.EventPartialFill
	if final {
		event = orderstate.EventFullFill
	}
	if _, err := e.transitionOrder(orderID, event); err != nil {
		return err
	}

	firstFill := pos.QtyFilled().IsZero()
	if err := pos.RegisterFill(filledQty, fillPrice); err != nil {
		return xerrors.Wrap(xerrors.KindInvalidTransition, "register_fill", err)
	}

	if err := e.store.Transaction(func(tx *storage.Store) error {
		if err := tx.SaveOrder(mo.record); err != nil {
			return err
		}
		return tx.SavePosition(pos.ToSnapshot())
	}); err != nil {
		return err
	}

	if firstFill {
		if err := e.placeInitialStop(ctx, mo.record.PositionID, pos); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) placeInitialStop(ctx context.Context, positionID string, pos *position.State) error {
	trigger, limit, err := pos.ComputeNewStop(e.params.TrailPct, e.params.StopLimitBufferPct)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInvalidTransition, "compute_new_stop", err)
	}
	clientOrderID := positionID + ":stop:1"
	ack, err := e.adapter.PlaceStopLimit(ctx, clientOrderID, pos.ProductID, trigger, limit, pos.QtyFilled())
	if err != nil {
		e.needsStop[positionID] = true
		log.Warn().Err(err).Str("position_id", positionID).Msg("initial stop placement failed, will retry on next tick")
		return nil
	}

	// Unlike an entry, a stop order is never persisted before its venue ack
	// exists, so there is no pre-ack identity to reconcile — the venue's own
	// id is the stop's identity from the moment it exists at all, matching
	// what a real stop-fill notification (and post-restart reconciliation)
	// will reference it by.
	orderID := ack.OrderID
	machine := orderstate.NewMachine()
	if _, err := machine.Apply(orderstate.EventVenueAck); err != nil {
		return xerrors.Wrap(xerrors.KindInvalidTransition, "apply venue_ack to stop", err)
	}
	rec := storage.OrderRecord{
		OrderID:       orderID,
		VenueOrderID:  orderID,
		ClientOrderID: clientOrderID,
		PositionID:    positionID,
		ProductID:     pos.ProductID,
		Kind:          "stop",
		Price:         limit.String(),
		TriggerPrice:  trigger.String(),
		Qty:           pos.QtyFilled().String(),
		FilledQty:     "0",
		State:         machine.State(),
	}
	e.orders[orderID] = &managedOrder{record: rec, machine: machine}
	pos.ApplyNewStop(trigger, limit, ack.OrderID)
	delete(e.needsStop, positionID)
	e.stopTries[positionID] = 0
	e.stopPlacedAt[positionID] = time.Now()

	return e.store.Transaction(func(tx *storage.Store) error {
		if err := tx.SaveOrder(rec); err != nil {
			return err
		}
		return tx.SavePosition(pos.ToSnapshot())
	})
}

// OnTrade folds a last-trade price into every OPEN position's high-water
// mark and ratchets the stop where the computed trigger clears the
// min_ratchet threshold. It never lowers an existing stop.
func (e *Engine) OnTrade(ctx context.Context, lastTradePrice money.Money) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireReconciled(); err != nil {
		return err
	}

	for positionID, pos := range e.positions {
		if pos.Status() != position.StatusOpen {
			continue
		}
		pos.ObservePrice(lastTradePrice)

		newTrigger, newLimit, err := pos.ComputeNewStop(e.params.TrailPct, e.params.StopLimitBufferPct)
		if err != nil {
			log.Error().Err(err).Str("position_id", positionID).Msg("compute_new_stop failed")
			continue
		}
		shouldReplace, err := pos.ShouldReplaceStop(newTrigger, e.params.MinRatchet)
		if err != nil {
			log.Error().Err(err).Str("position_id", positionID).Msg("should_replace_stop failed")
			continue
		}
		timedOut := false
		if placedAt, ok := e.stopPlacedAt[positionID]; ok && e.params.StopTimeoutSeconds > 0 {
			timedOut = time.Since(placedAt) > time.Duration(e.params.StopTimeoutSeconds)*time.Second
		}
		if !shouldReplace && !e.needsStop[positionID] && !timedOut {
			continue
		}
		if timedOut && !shouldReplace {
			// The live stop hasn't filled within the configured window; tighten
			// the limit buffer without lowering the trigger.
			newTrigger, newLimit = e.escalate(newTrigger, newLimit, e.stopTries[positionID]+1)
		}
		if err := e.replaceStop(ctx, positionID, pos, newTrigger, newLimit); err != nil {
			log.Error().Err(err).Str("position_id", positionID).Msg("stop replacement failed")
		}
	}
	return nil
}

func (e *Engine) replaceStop(ctx context.Context, positionID string, pos *position.State, trigger, limit money.Money) error {
	if pos.IsInconsistent() {
		return nil
	}
	oldStopOrderID := pos.StopOrderID()
	if oldStopOrderID != "" {
		if err := e.adapter.CancelOrder(ctx, pos.ProductID, oldStopOrderID); err != nil {
			if kind, ok := xerrors.KindOf(err); ok && kind == xerrors.KindVenueFatal {
				// Already resolved on the venue (filled or gone); proceed to
				// replace regardless.
			} else {
				return err
			}
		}
		pos.ClearStop()
	}

	placeTrigger, placeLimit := trigger, limit
	tries := e.stopTries[positionID]
	if tries >= e.params.MaxStopRetries && e.params.MaxStopRetries > 0 {
		placeTrigger, placeLimit = e.escalate(placeTrigger, placeLimit, tries-e.params.MaxStopRetries+1)
	}

	// One past the number of stops already placed for this position: a retry
	// after a failed placement reuses the same id, a new stop gets a new one.
	seq := 1
	for _, mo := range e.orders {
		if mo.record.PositionID == positionID && mo.record.Kind == "stop" {
			seq++
		}
	}
	clientOrderID := fmt.Sprintf("%s:stop:%d", positionID, seq)
	ack, err := e.adapter.PlaceStopLimit(ctx, clientOrderID, pos.ProductID, placeTrigger, placeLimit, pos.QtyFilled())
	if err != nil {
		e.needsStop[positionID] = true
		e.stopTries[positionID] = tries + 1
		return e.store.SavePosition(pos.ToSnapshot())
	}

	orderID := ack.OrderID
	machine := orderstate.NewMachine()
	if _, err := machine.Apply(orderstate.EventVenueAck); err != nil {
		return xerrors.Wrap(xerrors.KindInvalidTransition, "apply venue_ack to replacement stop", err)
	}
	rec := storage.OrderRecord{
		OrderID:       orderID,
		VenueOrderID:  orderID,
		ClientOrderID: clientOrderID,
		PositionID:    positionID,
		ProductID:     pos.ProductID,
		Kind:          "stop",
		Price:         placeLimit.String(),
		TriggerPrice:  placeTrigger.String(),
		Qty:           pos.QtyFilled().String(),
		FilledQty:     "0",
		State:         machine.State(),
	}
	e.orders[orderID] = &managedOrder{record: rec, machine: machine}
	pos.ApplyNewStop(placeTrigger, placeLimit, ack.OrderID)
	delete(e.needsStop, positionID)
	e.stopTries[positionID] = 0
	e.stopPlacedAt[positionID] = time.Now()

	return e.store.Transaction(func(tx *storage.Store) error {
		if err := tx.SaveOrder(rec); err != nil {
			return err
		}
		return tx.SavePosition(pos.ToSnapshot())
	})
}

// escalate tightens the stop-limit buffer by escalationStep per retry step
// beyond the threshold, moving the limit price closer to the trigger
// (closer to market) without ever lowering the trigger itself.
func (e *Engine) escalate(trigger, limit money.Money, step int) (money.Money, money.Money) {
	stepFrac, err := money.NewFromString(e.params.StopEscalationStepPct)
	if err != nil || step <= 0 {
		return trigger, limit
	}
	one := money.NewFromInt(1)
	multiplier := one
	for i := 0; i < step; i++ {
		multiplier = multiplier.Sub(stepFrac)
	}
	if multiplier.LessThan(money.Zero) {
		multiplier = money.Zero
	}
	tightened := trigger.Mul(multiplier)
	if tightened.GreaterThan(limit) {
		return trigger, tightened
	}
	return trigger, limit
}

// HandleStopFill closes a position (fully or partially) following a stop
// order fill.
func (e *Engine) HandleStopFill(orderID string, filledQty, fillPrice money.Money, final bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	mo, ok := e.orders[orderID]
	if !ok {
		return xerrors.New(xerrors.KindInvalidTransition, "unknown order_id "+orderID)
	}
	pos, ok := e.positions[mo.record.PositionID]
	if !ok {
		return xerrors.New(xerrors.KindInvalidTransition, "unknown position_id "+mo.record.PositionID)
	}

	event := orderstate.EventPartialFill
	if final {
		event = orderstate.EventFullFill
	}
	if _, err := e.transitionOrder(orderID, event); err != nil {
		return err
	}

	if err := pos.Close(fillPrice, filledQty); err != nil {
		return xerrors.Wrap(xerrors.KindInvalidTransition, "close", err)
	}

	return e.store.Transaction(func(tx *storage.Store) error {
		if err := tx.SaveOrder(mo.record); err != nil {
			return err
		}
		return tx.SavePosition(pos.ToSnapshot())
	})
}

// ForceExit is the admin force-close path: cancel any live stop, record a
// force-exit order, and close the position at the supplied price without
// waiting on a venue fill.
func (e *Engine) ForceExit(ctx context.Context, positionID string, price money.Money) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[positionID]
	if !ok {
		return xerrors.New(xerrors.KindInvalidTransition, "unknown position_id "+positionID)
	}

	if stopOrderID := pos.StopOrderID(); stopOrderID != "" {
		if err := e.adapter.CancelOrder(ctx, pos.ProductID, stopOrderID); err != nil {
			if kind, ok := xerrors.KindOf(err); !ok || kind != xerrors.KindVenueFatal {
				return err
			}
		}
		pos.ClearStop()
	}

	orderID := uuid.NewString()
	machine := orderstate.NewMachine()
	if _, err := machine.Apply(orderstate.EventVenueAck); err != nil {
		return xerrors.Wrap(xerrors.KindInvalidTransition, "apply venue_ack to force-exit record", err)
	}
	if _, err := machine.Apply(orderstate.EventFullFill); err != nil {
		return xerrors.Wrap(xerrors.KindInvalidTransition, "apply full_fill to force-exit record", err)
	}
	rec := storage.OrderRecord{
		OrderID:       orderID,
		ClientOrderID: positionID + ":force-exit",
		PositionID:    positionID,
		ProductID:     pos.ProductID,
		Kind:          "force_exit",
		Price:         price.String(),
		Qty:           pos.QtyFilled().String(),
		FilledQty:     pos.QtyFilled().String(),
		State:         machine.State(),
	}
	e.orders[orderID] = &managedOrder{record: rec, machine: machine}

	pos.ForceClose(price)

	return e.store.Transaction(func(tx *storage.Store) error {
		if err := tx.SaveOrder(rec); err != nil {
			return err
		}
		return tx.SavePosition(pos.ToSnapshot())
	})
}

// Positions returns a snapshot of every position this Engine currently
// tracks, keyed by position_id.
func (e *Engine) Positions() map[string]position.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]position.Snapshot, len(e.positions))
	for id, pos := range e.positions {
		out[id] = pos.ToSnapshot()
	}
	return out
}

// OpenPositionCount returns the number of positions currently OPEN.
func (e *Engine) OpenPositionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, pos := range e.positions {
		if pos.Status() == position.StatusOpen {
			n++
		}
	}
	return n
}
