// Package config provides engine configuration management.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds engine-wide defaults. Every value can be overridden per Case;
// these are the fallbacks used when a Case does not specify its own.
type Config struct {
	SolverTolerance   float64 // feasibility tolerance applied to hard bounds
	MaxIterations     int     // iteration cap for the numeric engine
	LongTermDays      int     // holding age threshold for long-term gain classification
	WashSaleWindow    int     // days before/after a purchase in which a loss is disallowed
	FrontierPoints    int     // default number of frontier data points
	CardinalityPasses int     // fix-and-resolve passes for paring constraints
	LogLevel          string
}

// Defaults mirrored by tests; exported so callers can reason about them.
const (
	DefaultSolverTolerance   = 1e-6
	DefaultMaxIterations     = 2000
	DefaultLongTermDays      = 365
	DefaultWashSaleWindow    = 30
	DefaultFrontierPoints    = 10
	DefaultCardinalityPasses = 20
)

// Load reads configuration from the environment. A .env file in the working
// directory is honored when present but is not required.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		SolverTolerance:   getEnvFloat("PORTOPT_SOLVER_TOLERANCE", DefaultSolverTolerance),
		MaxIterations:     getEnvInt("PORTOPT_MAX_ITERATIONS", DefaultMaxIterations),
		LongTermDays:      getEnvInt("PORTOPT_LONG_TERM_DAYS", DefaultLongTermDays),
		WashSaleWindow:    getEnvInt("PORTOPT_WASH_SALE_WINDOW", DefaultWashSaleWindow),
		FrontierPoints:    getEnvInt("PORTOPT_FRONTIER_POINTS", DefaultFrontierPoints),
		CardinalityPasses: getEnvInt("PORTOPT_CARDINALITY_PASSES", DefaultCardinalityPasses),
		LogLevel:          getEnv("PORTOPT_LOG_LEVEL", "info"),
	}
}

// Default returns the built-in configuration without consulting the environment.
func Default() *Config {
	return &Config{
		SolverTolerance:   DefaultSolverTolerance,
		MaxIterations:     DefaultMaxIterations,
		LongTermDays:      DefaultLongTermDays,
		WashSaleWindow:    DefaultWashSaleWindow,
		FrontierPoints:    DefaultFrontierPoints,
		CardinalityPasses: DefaultCardinalityPasses,
		LogLevel:          "info",
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
