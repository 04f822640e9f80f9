package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nullstake/spotexec/engine"
	"github.com/nullstake/spotexec/exchange"
	"github.com/nullstake/spotexec/internal/config"
	"github.com/nullstake/spotexec/money"
	"github.com/nullstake/spotexec/orchestrator"
	"github.com/nullstake/spotexec/portfolio"
	"github.com/nullstake/spotexec/ratelimit"
	"github.com/nullstake/spotexec/storage"
)

const version = "v1.0"

func main() {
	// ═══════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg := config.Load()
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════")
	log.Info().Msgf("  spotexecd %s — single-venue spot execution core", version)
	log.Info().Msg("═══════════════════════════════════════════════════════")

	// ═══════════════════════════════════════════════════════════════
	// LAYER 1: STORAGE
	// ═══════════════════════════════════════════════════════════════

	dsn := cfg.DatabaseDSN
	if cfg.DatabaseDriver == "postgres" && !strings.HasPrefix(dsn, "postgres://") {
		log.Fatal().Str("dsn", dsn).Msg("DATABASE_DRIVER=postgres requires a postgres:// DSN")
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	log.Info().Msg("✅ storage layer initialized")

	// ═══════════════════════════════════════════════════════════════
	// LAYER 2: VENUE ADAPTER + RATE LIMIT
	// ═══════════════════════════════════════════════════════════════

	limiter := ratelimit.New(cfg.RateLimitOrdersPerSec, cfg.RateLimitBurst)

	apiBase := os.Getenv("VENUE_API_BASE")
	apiKey := os.Getenv("VENUE_API_KEY")
	apiSecret := os.Getenv("VENUE_API_SECRET")
	if apiBase == "" || apiKey == "" || apiSecret == "" {
		log.Fatal().Msg("VENUE_API_BASE, VENUE_API_KEY, and VENUE_API_SECRET must be set")
	}
	restAdapter := exchange.NewRESTAdapter(apiBase, apiKey, apiSecret, limiter)
	var adapter exchange.Adapter = restAdapter
	if os.Getenv("COOPERATIVE_ADAPTER") == "true" {
		adapter = exchange.NewCooperativeAdapter(restAdapter)
		log.Info().Msg("✅ venue adapter initialized (cooperative)")
	} else {
		log.Info().Msg("✅ venue adapter initialized (synchronous)")
	}

	// ═══════════════════════════════════════════════════════════════
	// LAYER 3: PORTFOLIO MANAGER
	// ═══════════════════════════════════════════════════════════════

	initialCapital, parseErr := money.NewFromString(os.Getenv("INITIAL_CAPITAL"))
	if parseErr != nil {
		initialCapital = money.NewFromInt(10000)
	}
	pm := portfolio.New(portfolio.Config{
		MaxPositionSizePct:          cfg.Portfolio.MaxPositionSizePct,
		MaxPositions:                cfg.Portfolio.MaxPositions,
		MaxCorrelatedExposurePct:    cfg.Portfolio.MaxCorrelatedExposurePct,
		RebalanceThresholdPct:       cfg.Portfolio.RebalanceThresholdPct,
		EmergencyLiquidationLossPct: cfg.Portfolio.EmergencyLiquidationLossPct,
	}, initialCapital)
	pm.OnCircuitTrip(func(reason string) {
		log.Error().Str("reason", reason).Msg("🚨 portfolio circuit breaker tripped")
	})
	log.Info().Str("capital", initialCapital.String()).Msg("✅ portfolio manager initialized")

	// ═══════════════════════════════════════════════════════════════
	// LAYER 4: PER-PAIR ENGINES + ORCHESTRATOR
	// ═══════════════════════════════════════════════════════════════

	pairs := parsePairs(os.Getenv("TRADED_PRODUCTS")) // "BTC-USD:crypto-majors,ETH-USD:crypto-majors"
	if len(pairs) == 0 {
		pairs = []pairSpec{{productID: "BTC-USD", correlationGroup: "crypto-majors"}}
	}

	strategyParams := engine.StrategyParams{
		TrailPct:              cfg.Strategy.TrailPct,
		StopLimitBufferPct:    cfg.Strategy.StopLimitBufferPct,
		MinRatchet:            cfg.Strategy.MinRatchet,
		StopTimeoutSeconds:    cfg.Strategy.StopTimeoutSeconds,
		StopEscalationStepPct: cfg.Strategy.StopEscalationStepPct,
		MaxStopRetries:        5,
	}

	orch := orchestrator.New(pm, cfg.MaxConcurrentSubmits, cfg.RateLimitMaxWait*6)
	for _, p := range pairs {
		eng := engine.New(p.productID, strategyParams, adapter, limiter, store)
		orch.Register(orchestrator.PairConfig{
			ProductID:        p.productID,
			CorrelationGroup: p.correlationGroup,
			TargetAllocation: money.Zero,
		}, eng)
		log.Info().Str("product_id", p.productID).Str("correlation_group", p.correlationGroup).Msg("✅ pair registered")
	}

	// ═══════════════════════════════════════════════════════════════
	// STARTUP RECONCILIATION
	// ═══════════════════════════════════════════════════════════════

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.ReconcileAll(ctx); err != nil {
		log.Fatal().Err(err).Msg("reconciliation failed")
	}
	log.Info().Msg("✅ reconciliation complete — accepting entries and price updates")

	// ═══════════════════════════════════════════════════════════════
	// PERIODIC PORTFOLIO STATUS
	// ═══════════════════════════════════════════════════════════════

	statusTicker := time.NewTicker(30 * time.Second)
	defer statusTicker.Stop()
	go func() {
		for range statusTicker.C {
			status := orch.PortfolioStatus()
			log.Info().
				Str("total_pnl", status.Metrics.TotalPnL.String()).
				Str("deployed", status.Metrics.DeployedCapital.String()).
				Bool("circuit_tripped", status.CircuitTripped).
				Int("rebalance_hints", len(status.RebalanceHints)).
				Msg("📊 portfolio status")
		}
	}()

	log.Info().Msg("🚀 running")

	// ═══════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Warn().Msg("🛑 shutdown signal received")
	cancel()

	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close storage")
	}
	log.Info().Msg("👋 shutdown complete")
}

type pairSpec struct {
	productID        string
	correlationGroup string
}

// parsePairs reads a "PRODUCT:GROUP,PRODUCT:GROUP" env var into pairSpecs.
// A product with no ":GROUP" suffix gets an empty correlation group.
func parsePairs(raw string) []pairSpec {
	if raw == "" {
		return nil
	}
	var out []pairSpec
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		spec := pairSpec{productID: parts[0]}
		if len(parts) == 2 {
			spec.correlationGroup = parts[1]
		}
		out = append(out, spec)
	}
	return out
}
