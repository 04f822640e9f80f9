// Package config centralizes the engine's configuration knobs: env vars
// parsed with typed helpers, .env loaded in development via godotenv.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// StrategyConfig holds the trailing-stop parameters applied to every filled
// position.
type StrategyConfig struct {
	TrailPct              string // fraction, 0-1
	StopLimitBufferPct    string // fraction
	MinRatchet            string // fraction
	MaxEntryWaitCandles   int
	StopTimeoutSeconds    int
	StopEscalationStepPct string // step size for tightening the stop limit when a live stop outlasts StopTimeoutSeconds or placement keeps failing
}

// PortfolioConfig holds the Portfolio Manager's admission and concentration knobs.
type PortfolioConfig struct {
	MaxPositionSizePct          string
	MaxPositions                int
	MaxCorrelatedExposurePct    string
	RebalanceThresholdPct       string
	EmergencyLiquidationLossPct string
}

// Config is the root configuration object, loaded once at process start.
type Config struct {
	Strategy  StrategyConfig
	Portfolio PortfolioConfig

	MaxConcurrentSubmits int

	RateLimitOrdersPerSec float64
	RateLimitBurst        int
	RateLimitMaxWait      time.Duration

	DatabaseDriver string // "sqlite" | "postgres"
	DatabaseDSN    string

	Debug bool
}

// Load reads .env (if present) then env vars, falling back to the defaults
// below. It never panics on a malformed value — it silently keeps the
// default instead.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	return &Config{
		Strategy: StrategyConfig{
			TrailPct:              envString("TRAIL_PCT", "0.02"),
			StopLimitBufferPct:    envString("STOP_LIMIT_BUFFER_PCT", "0.005"),
			MinRatchet:            envString("MIN_RATCHET", "0.001"),
			MaxEntryWaitCandles:   envInt("MAX_ENTRY_WAIT_CANDLES", 12),
			StopTimeoutSeconds:    envInt("STOP_TIMEOUT_SECONDS", 30),
			StopEscalationStepPct: envString("STOP_ESCALATION_STEP_PCT", "0.002"),
		},
		Portfolio: PortfolioConfig{
			MaxPositionSizePct:          envString("MAX_POSITION_SIZE_PCT", "5"),
			MaxPositions:                envInt("MAX_POSITIONS", 10),
			MaxCorrelatedExposurePct:    envString("MAX_CORRELATED_EXPOSURE_PCT", "25"),
			RebalanceThresholdPct:       envString("REBALANCE_THRESHOLD_PCT", "10"),
			EmergencyLiquidationLossPct: envString("EMERGENCY_LIQUIDATION_LOSS_PCT", "-15"),
		},
		MaxConcurrentSubmits:  envInt("MAX_CONCURRENT_SUBMITS", 3),
		RateLimitOrdersPerSec: envFloat("RATE_LIMIT_ORDERS_PER_SEC", 10),
		RateLimitBurst:        envInt("RATE_LIMIT_BURST", 15),
		RateLimitMaxWait:      envDuration("RATE_LIMIT_MAX_WAIT", 5*time.Second),
		DatabaseDriver:        envString("DATABASE_DRIVER", "sqlite"),
		DatabaseDSN:           envString("DATABASE_DSN", "spotexec.db"),
		Debug:                 envBool("DEBUG", false),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
