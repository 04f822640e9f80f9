package engine

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/nullstake/spotexec/exchange"
	"github.com/nullstake/spotexec/internal/xerrors"
	"github.com/nullstake/spotexec/money"
	"github.com/nullstake/spotexec/orderstate"
	"github.com/nullstake/spotexec/position"
	"github.com/nullstake/spotexec/storage"
)

// Reconcile runs the startup recovery procedure once, before the Engine
// accepts any new entry intents or trade ticks. It loads every persisted
// position and order for this Engine's product, cross-checks open orders
// against the venue, replaces any missing or cancelled stop, and cancels
// venue-open orders this Engine has no record of.
//
// Grounded on execution/reconciler.go's RecoverPositions/PersistPosition
// save-then-verify pattern, generalized from a single "reload positions on
// restart" step into the full venue cross-check + orphan cleanup sequence.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.reconciled {
		return nil
	}

	if err := e.loadPersistedState(); err != nil {
		return err
	}

	if err := e.reconcileOrders(ctx); err != nil {
		return err
	}

	if err := e.reconcileStops(ctx); err != nil {
		return err
	}

	if err := e.cleanupOrphans(ctx); err != nil {
		return err
	}

	e.reconciled = true
	log.Info().Str("product_id", e.productID).Int("positions", len(e.positions)).Msg("reconciliation complete")
	return nil
}

// loadPersistedState hydrates positions and orders from the store. It is
// step 1 of the procedure: load all non-terminal positions and orders.
func (e *Engine) loadPersistedState() error {
	snapshots, err := e.store.ListPositions()
	if err != nil {
		return err
	}
	for _, snap := range snapshots {
		if snap.ProductID != e.productID {
			continue
		}
		if snap.Status == position.StatusClosed || snap.Status == position.StatusForceExited {
			continue
		}
		e.positions[snap.PositionID] = position.FromSnapshot(snap)

		orders, err := e.store.ListOrders(snap.PositionID)
		if err != nil {
			return err
		}
		for _, rec := range orders {
			machine := orderstate.NewMachineAt(rec.State)
			e.orders[rec.OrderID] = &managedOrder{record: rec, machine: machine}
			e.byClient[rec.ClientOrderID] = snap.PositionID
		}
	}
	return nil
}

// reconcileOrders implements step 2: for each persisted non-terminal
// order, query venue status and fold the result in as if the
// corresponding event had arrived locally.
func (e *Engine) reconcileOrders(ctx context.Context) error {
	for orderID, mo := range e.orders {
		if mo.machine.State().Terminal() {
			continue
		}

		venueOrderID := mo.record.VenueOrderID
		if venueOrderID == "" {
			recovered, err := e.recoverVenueOrderID(ctx, mo)
			if err != nil {
				return err
			}
			if recovered == "" {
				// Could not reach the venue to recover an id for this order;
				// leave it pending and retry on the next reconciliation.
				continue
			}
			venueOrderID = recovered
		}

		status, err := e.adapter.GetOrderStatus(ctx, mo.record.ProductID, venueOrderID)
		if err != nil {
			if kind, ok := xerrors.KindOf(err); ok && kind == xerrors.KindVenueFatal {
				// Venue has no record of this order — treat as cancelled.
				if _, txErr := mo.machine.Apply(orderstate.EventCancelAck); txErr != nil {
					log.Error().Err(txErr).Str("order_id", orderID).Msg("failed to mark unknown order cancelled")
				}
				mo.record.State = mo.machine.State()
				if err := e.store.SaveOrder(mo.record); err != nil {
					return err
				}
				continue
			}
			return xerrors.Wrap(xerrors.KindReconciliationConflict, "query venue order status", err)
		}

		switch venueState(status.State) {
		case "OPEN":
			// No-op; local and venue agree.
		case "FILLED":
			if err := e.applyReconciledFill(ctx, mo, status); err != nil {
				return err
			}
		case "CANCELLED", "UNKNOWN":
			if _, txErr := mo.machine.Apply(orderstate.EventCancelAck); txErr != nil {
				log.Error().Err(txErr).Str("order_id", orderID).Msg("failed to mark order cancelled")
			}
			mo.record.State = mo.machine.State()
			if err := e.store.SaveOrder(mo.record); err != nil {
				return err
			}
		}
	}
	return nil
}

// recoverVenueOrderID resolves the venue id for an entry order that was
// persisted in PENDING_SUBMIT before a crash wiped out the in-memory ack.
// PlaceLimitBuy is idempotent on client_order_id, so resubmitting returns
// the already-placed order's venue id rather than opening a second one. It
// returns "" (no error) if the venue could not be reached, so the caller
// can leave the order pending and retry on a later reconciliation.
func (e *Engine) recoverVenueOrderID(ctx context.Context, mo *managedOrder) (string, error) {
	if mo.record.Kind != "entry" {
		// Stops are only ever persisted once their venue ack is already
		// known, so this should be unreachable.
		return mo.record.OrderID, nil
	}
	price, err := money.NewFromString(mo.record.Price)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindReconciliationConflict, "parse persisted order price", err)
	}
	qty, err := money.NewFromString(mo.record.Qty)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindReconciliationConflict, "parse persisted order qty", err)
	}
	ack, err := e.adapter.PlaceLimitBuy(ctx, mo.record.ClientOrderID, mo.record.ProductID, price, qty)
	if err != nil {
		log.Error().Err(err).Str("client_order_id", mo.record.ClientOrderID).Msg("failed to recover venue order id for crash-orphaned entry")
		return "", nil
	}
	mo.record.VenueOrderID = ack.OrderID
	if err := e.store.SaveOrder(mo.record); err != nil {
		return "", err
	}
	return ack.OrderID, nil
}

// venueState normalizes a venue-native status string into the small set
// this reconciliation switch understands.
func venueState(raw string) string {
	switch raw {
	case "open", "OPEN", "live", "LIVE":
		return "OPEN"
	case "filled", "FILLED", "done", "DONE":
		return "FILLED"
	case "cancelled", "CANCELLED", "canceled", "CANCELED":
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// applyReconciledFill folds a venue-reported fill into local state during
// reconciliation, mirroring HandleFill/HandleStopFill's effects without
// re-entering their locking (Reconcile already holds e.mu for the whole
// procedure).
func (e *Engine) applyReconciledFill(ctx context.Context, mo *managedOrder, status exchange.OrderStatus) error {
	if _, err := mo.machine.Apply(orderstate.EventFullFill); err != nil {
		return xerrors.Wrap(xerrors.KindInvalidTransition, "apply full_fill during reconciliation", err)
	}
	mo.record.State = mo.machine.State()
	mo.record.FilledQty = status.FilledQty.String()

	pos, ok := e.positions[mo.record.PositionID]
	if !ok {
		return xerrors.New(xerrors.KindReconciliationConflict, "fill reconciled for unknown position "+mo.record.PositionID)
	}

	switch mo.record.Kind {
	case "entry":
		firstFill := pos.QtyFilled().IsZero()
		if err := pos.RegisterFill(status.FilledQty, status.FillPrice); err != nil {
			return xerrors.Wrap(xerrors.KindInvalidTransition, "register_fill during reconciliation", err)
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
			return e.placeInitialStop(ctx, mo.record.PositionID, pos)
		}
		return nil
	case "stop":
		if err := pos.Close(status.FillPrice, status.FilledQty); err != nil {
			return xerrors.Wrap(xerrors.KindInvalidTransition, "close during reconciliation", err)
		}
		return e.store.Transaction(func(tx *storage.Store) error {
			if err := tx.SaveOrder(mo.record); err != nil {
				return err
			}
			return tx.SavePosition(pos.ToSnapshot())
		})
	default:
		return e.store.SaveOrder(mo.record)
	}
}

// cleanupOrphans implements step 4: any venue-open order this Engine has
// no local record of is cancelled outright.
func (e *Engine) cleanupOrphans(ctx context.Context) error {
	// e.orders is keyed by each order's own internal identity (client_order_id
	// for entries, the venue id itself for stops), not necessarily the
	// venue's id — so orphan detection must compare against the recorded
	// venue id, not the map key.
	knownVenueIDs := make(map[string]bool, len(e.orders))
	for _, mo := range e.orders {
		if mo.record.VenueOrderID != "" {
			knownVenueIDs[mo.record.VenueOrderID] = true
		} else {
			knownVenueIDs[mo.record.OrderID] = true
		}
	}

	openOrders, err := e.adapter.ListOpenOrders(ctx, e.productID)
	if err != nil {
		return xerrors.Wrap(xerrors.KindReconciliationConflict, "list venue open orders", err)
	}
	for _, status := range openOrders {
		if knownVenueIDs[status.OrderID] {
			continue
		}
		if err := e.adapter.CancelOrder(ctx, e.productID, status.OrderID); err != nil {
			log.Error().Err(err).Str("order_id", status.OrderID).Msg("failed to cancel orphan venue order")
		}
	}
	return nil
}

// reconcileStops implements step 3: any OPEN position with no live stop
// (or whose stop was just cancelled above) gets a fresh stop computed from
// the current high-water mark, falling back to the current last-trade
// price if no high-water mark is defined yet.
func (e *Engine) reconcileStops(ctx context.Context) error {
	for positionID, pos := range e.positions {
		if pos.Status() != position.StatusOpen {
			continue
		}
		if stopID := pos.StopOrderID(); stopID != "" {
			if mo, ok := e.orders[stopID]; !ok || mo.machine.State() != orderstate.StateCancelled {
				continue
			}
		}

		if _, ok := pos.HighestPriceSinceEntry(); !ok {
			last, err := e.adapter.GetLastTradePrice(ctx, pos.ProductID)
			if err != nil {
				log.Error().Err(err).Str("position_id", positionID).Msg("failed to fetch fallback last-trade price during reconciliation")
				e.needsStop[positionID] = true
				continue
			}
			pos.ObservePrice(last)
		}

		trigger, limit, err := pos.ComputeNewStop(e.params.TrailPct, e.params.StopLimitBufferPct)
		if err != nil {
			log.Error().Err(err).Str("position_id", positionID).Msg("compute_new_stop failed during reconciliation")
			continue
		}
		if err := e.replaceStop(ctx, positionID, pos, trigger, limit); err != nil {
			log.Error().Err(err).Str("position_id", positionID).Msg("stop reconciliation placement failed")
		}
	}
	return nil
}
