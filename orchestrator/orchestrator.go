// Package orchestrator fans signal checks, entries, and price updates out
// across every registered pair's Engine, and aggregates Portfolio Manager
// state across all of them.
//
// Grounded on core/router.go's per-market dispatch table, generalized from
// single-process sequential routing into bounded-concurrency fan-out using
// golang.org/x/sync/errgroup with a semaphore channel, the same idiom
// internal/trading/portfolio/controller.go's executeBatch uses to bound
// rebalance-action concurrency.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/nullstake/spotexec/engine"
	"github.com/nullstake/spotexec/internal/xerrors"
	"github.com/nullstake/spotexec/money"
	"github.com/nullstake/spotexec/portfolio"
	"github.com/nullstake/spotexec/position"
)

// Signal is what a caller's signal function returns for one product: either
// a concrete entry intent or nil if no entry is warranted this cycle.
type Signal struct {
	ClientOrderID string
	LimitPrice    money.Money
	Qty           money.Money
}

// SignalFunc evaluates whether productID should enter a new position right
// now. It returns (nil, nil) when no entry is warranted.
type SignalFunc func(ctx context.Context, productID string) (*Signal, error)

// PairConfig is the static registration data for one traded product.
type PairConfig struct {
	ProductID        string
	CorrelationGroup string
	TargetAllocation money.Money
}

// pairRegistration binds one PairConfig to its owned Engine.
type pairRegistration struct {
	cfg    PairConfig
	engine *engine.Engine
}

// EntryResult is one pair's outcome from SubmitCoordinatedEntries.
type EntryResult struct {
	ProductID  string
	PositionID string
	OrderID    string
	Rejected   bool
	Reason     string
	Err        error
}

// StatusReport is portfolio_status()'s aggregated view.
type StatusReport struct {
	Metrics         portfolio.Metrics
	CircuitTripped  bool
	RebalanceHints  []portfolio.RebalanceHint
	OpenPositionIDs []string
}

// Orchestrator owns a fixed set of (PairConfig, Engine) registrations plus
// the single shared Portfolio Manager every registration's admission checks
// and P&L bookkeeping flow through.
type Orchestrator struct {
	mu            sync.RWMutex
	registrations map[string]*pairRegistration
	pm            *portfolio.Manager
	maxConcurrent int
	retryCeiling  time.Duration
}

// New builds an Orchestrator with no registrations yet. maxConcurrent <= 0
// falls back to 3, matching submit_coordinated_entries's default.
func New(pm *portfolio.Manager, maxConcurrent int, retryCeiling time.Duration) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	if retryCeiling <= 0 {
		retryCeiling = 30 * time.Second
	}
	return &Orchestrator{
		registrations: make(map[string]*pairRegistration),
		pm:            pm,
		maxConcurrent: maxConcurrent,
		retryCeiling:  retryCeiling,
	}
}

// Register binds a PairConfig to the Engine that owns its execution. It
// must be called before Reconcile/normal operation begins for that pair.
func (o *Orchestrator) Register(cfg PairConfig, eng *engine.Engine) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.registrations[cfg.ProductID] = &pairRegistration{cfg: cfg, engine: eng}
}

// ReconcileAll runs Reconcile on every registered Engine concurrently,
// bounded by maxConcurrent, before any entry or price-update traffic is
// accepted.
func (o *Orchestrator) ReconcileAll(ctx context.Context) error {
	o.mu.RLock()
	regs := make([]*pairRegistration, 0, len(o.registrations))
	for _, r := range o.registrations {
		regs = append(regs, r)
	}
	o.mu.RUnlock()

	sem := make(chan struct{}, o.maxConcurrent)
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range regs {
		r := r
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}
			return r.engine.Reconcile(gctx)
		})
	}
	return g.Wait()
}

// CheckAllEntries fans signalFn(product_id) out across every registered pair
// concurrently and returns a map of product_id to the signal it produced (a
// nil value means no entry was warranted for that pair this cycle).
func (o *Orchestrator) CheckAllEntries(ctx context.Context, signalFn SignalFunc) (map[string]*Signal, error) {
	o.mu.RLock()
	productIDs := make([]string, 0, len(o.registrations))
	for id := range o.registrations {
		productIDs = append(productIDs, id)
	}
	o.mu.RUnlock()

	results := make(map[string]*Signal, len(productIDs))
	var resultsMu sync.Mutex

	sem := make(chan struct{}, o.maxConcurrent)
	g, gctx := errgroup.WithContext(ctx)
	for _, productID := range productIDs {
		productID := productID
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}
			sig, err := signalFn(gctx, productID)
			if err != nil {
				log.Error().Err(err).Str("product_id", productID).Msg("signal check failed")
				return nil // one pair's signal failure does not abort the others
			}
			resultsMu.Lock()
			results[productID] = sig
			resultsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// SubmitCoordinatedEntries submits one entry per (product_id, Signal) pair
// in entries, bounded by maxConcurrent. Each submission consults the
// Portfolio Manager's admission check first; a rejected or failed admission
// is reported in that pair's EntryResult without aborting the others.
// Rate-limit denials surface as VenueRetriable from the adapter and are
// retried by submitWithRetry's backoff up to retryCeiling — Engine.SubmitEntry
// does not consult ratelimit.Policy itself; the venue adapter (RESTAdapter,
// when given a Policy) waits on it before each call.
func (o *Orchestrator) SubmitCoordinatedEntries(ctx context.Context, entries map[string]*Signal) []EntryResult {
	o.mu.RLock()
	regs := make(map[string]*pairRegistration, len(entries))
	for productID := range entries {
		if r, ok := o.registrations[productID]; ok {
			regs[productID] = r
		}
	}
	o.mu.RUnlock()

	results := make([]EntryResult, 0, len(entries))
	var resultsMu sync.Mutex

	sem := make(chan struct{}, o.maxConcurrent)
	var wg sync.WaitGroup
	for productID, sig := range entries {
		if sig == nil {
			continue
		}
		reg, ok := regs[productID]
		if !ok {
			continue
		}
		productID, sig, reg := productID, sig, reg
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				resultsMu.Lock()
				results = append(results, EntryResult{ProductID: productID, Err: ctx.Err()})
				resultsMu.Unlock()
				return
			}

			notional := sig.LimitPrice.Mul(sig.Qty)
			decision := o.pm.CheckAdmission(portfolio.Intent{
				PositionID:       sig.ClientOrderID,
				ProductID:        productID,
				CorrelationGroup: reg.cfg.CorrelationGroup,
				Notional:         notional,
			})
			if !decision.Admit {
				resultsMu.Lock()
				results = append(results, EntryResult{ProductID: productID, Rejected: true, Reason: decision.Reason})
				resultsMu.Unlock()
				return
			}

			positionID, orderID, err := o.submitWithRetry(ctx, reg, sig)
			if err != nil {
				if relErr := o.pm.ReleaseHold(sig.ClientOrderID); relErr != nil {
					log.Error().Err(relErr).Str("product_id", productID).Msg("failed to release admission hold after submit failure")
				}
			} else {
				o.pm.Rekey(sig.ClientOrderID, positionID)
			}
			resultsMu.Lock()
			if err != nil {
				results = append(results, EntryResult{ProductID: productID, Err: err})
			} else {
				results = append(results, EntryResult{ProductID: productID, PositionID: positionID, OrderID: orderID})
			}
			resultsMu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// submitWithRetry retries SubmitEntry with exponential backoff while the
// adapter reports a retriable venue error, up to retryCeiling.
func (o *Orchestrator) submitWithRetry(ctx context.Context, reg *pairRegistration, sig *Signal) (string, string, error) {
	backoff := 500 * time.Millisecond
	deadline := time.Now().Add(o.retryCeiling)
	intent := engine.EntryIntent{
		ClientOrderID: sig.ClientOrderID,
		ProductID:     reg.cfg.ProductID,
		LimitPrice:    sig.LimitPrice,
		Qty:           sig.Qty,
	}
	for {
		positionID, orderID, err := reg.engine.SubmitEntry(ctx, intent)
		if err == nil {
			return positionID, orderID, nil
		}
		if kind, ok := xerrors.KindOf(err); !ok || kind != xerrors.KindVenueRetriable {
			return "", "", err
		}
		if time.Now().After(deadline) {
			return "", "", err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
		backoff *= 2
		if backoff > o.retryCeiling {
			backoff = o.retryCeiling
		}
	}
}

// HandlePriceUpdate dispatches a last-trade price observation to the
// registered Engine for productID, and folds the portfolio's mark-to-market
// unrealized P&L forward from every open position's latest known price.
func (o *Orchestrator) HandlePriceUpdate(ctx context.Context, productID string, lastPrice money.Money) error {
	o.mu.RLock()
	reg, ok := o.registrations[productID]
	o.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := reg.engine.OnTrade(ctx, lastPrice); err != nil {
		return err
	}
	o.refreshUnrealizedPnL(lastPrice, productID)
	return nil
}

// refreshUnrealizedPnL recomputes unrealized P&L across every registered
// Engine's open positions against each position's own entry price; callers
// only have a fresh price for productID, so that pair marks at lastPrice and
// other pairs mark at their high-water price.
func (o *Orchestrator) refreshUnrealizedPnL(lastPrice money.Money, productID string) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	total := money.Zero
	for _, reg := range o.registrations {
		for _, snap := range reg.engine.Positions() {
			if snap.Status != position.StatusOpen || !snap.HighestPriceDefined {
				continue
			}
			mark := snap.HighestPriceSinceEntry
			if reg.cfg.ProductID == productID {
				mark = lastPrice
			}
			unrealized := mark.Sub(snap.EntryPrice).Mul(snap.QtyFilled)
			total = total.Add(unrealized)
		}
	}
	o.pm.SetUnrealizedPnL(total)
}

// EmergencyLiquidatePortfolio cancels every open stop and force-exits every
// OPEN position across all registered pairs at the supplied reference
// prices. It is idempotent: a position already FORCE_EXITED or CLOSED is
// skipped, so re-invocation after partial success only touches what remains.
func (o *Orchestrator) EmergencyLiquidatePortfolio(ctx context.Context, pricesByProduct map[string]money.Money) error {
	o.mu.RLock()
	regs := make([]*pairRegistration, 0, len(o.registrations))
	for _, r := range o.registrations {
		regs = append(regs, r)
	}
	o.mu.RUnlock()

	sem := make(chan struct{}, o.maxConcurrent)
	g, gctx := errgroup.WithContext(ctx)
	for _, reg := range regs {
		reg := reg
		price, ok := pricesByProduct[reg.cfg.ProductID]
		if !ok {
			continue
		}
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}
			for positionID, snap := range reg.engine.Positions() {
				if snap.Status != position.StatusOpen {
					continue
				}
				if err := reg.engine.ForceExit(gctx, positionID, price); err != nil {
					log.Error().Err(err).Str("position_id", positionID).Msg("emergency liquidation force-exit failed")
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// PortfolioStatus aggregates Portfolio Manager metrics with the circuit
// breaker state and current rebalance hints.
func (o *Orchestrator) PortfolioStatus() StatusReport {
	o.mu.RLock()
	targets := make(map[string]money.Money, len(o.registrations))
	for productID, reg := range o.registrations {
		targets[productID] = reg.cfg.TargetAllocation
	}
	o.mu.RUnlock()

	return StatusReport{
		Metrics:         o.pm.Metrics(),
		CircuitTripped:  o.pm.IsCircuitTripped(),
		RebalanceHints:  o.pm.RebalanceActions(targets),
		OpenPositionIDs: o.pm.OpenPositionIDs(),
	}
}
