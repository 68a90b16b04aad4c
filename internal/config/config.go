// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the HTTP facade.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	LedgerPath        string        // DuckDB database file (empty for in-memory)
	ArtifactRoot      string        // Shared filesystem root where solvers deposit output
}

// LoadServiceConfig loads facade configuration from environment variables.
// The API key can come from a mounted secret file (API_KEY_FILE) or, for
// local development, straight from the environment (API_KEY).
func LoadServiceConfig() *ServiceConfig {
	apiKey := GetSecretFile(GetEnv("API_KEY_FILE", ""))
	if apiKey == "" {
		apiKey = GetEnv("API_KEY", "")
	}

	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            apiKey,
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		LedgerPath:        GetEnv("LEDGER_PATH", "arena.db"),
		ArtifactRoot:      GetEnv("ARTIFACT_ROOT", "/shared/submissions"),
	}
}

// ControllerConfig holds configuration for the reconciler loop.
type ControllerConfig struct {
	TickInterval    time.Duration // Sleep between completed ticks
	CleanEveryTicks int           // Run the retention cleaner every Nth tick
	Retention       time.Duration // Minimum age from completion before a unit is reaped
	PendingBatch    int           // Max pending jobs drained per tick

	SolverImage     string  // Container image that solves competitions
	DeadlineSeconds int     // Wall-clock limit handed to the platform per unit
	LimitMultiplier float64 // Resource limit = request * multiplier
	DefaultCPULimit string  // Fallback when the CPU request fails to parse
	DefaultMemLimit string  // Fallback when the memory request fails to parse
}

// LoadControllerConfig loads reconciler configuration from environment variables.
func LoadControllerConfig() *ControllerConfig {
	return &ControllerConfig{
		TickInterval:    GetDurationEnv("TICK_INTERVAL", 5*time.Second),
		CleanEveryTicks: GetIntEnv("CLEAN_EVERY_TICKS", 10),
		Retention:       GetDurationEnv("UNIT_RETENTION", 24*time.Hour),
		PendingBatch:    GetIntEnv("PENDING_BATCH", 50),
		SolverImage:     GetEnv("SOLVER_IMAGE", "arena/solver:latest"),
		DeadlineSeconds: GetIntEnv("DEADLINE_SECONDS", 7200),
		LimitMultiplier: GetFloatEnv("LIMIT_MULTIPLIER", 2.0),
		DefaultCPULimit: GetEnv("DEFAULT_CPU_LIMIT", "2"),
		DefaultMemLimit: GetEnv("DEFAULT_MEMORY_LIMIT", "4Gi"),
	}
}
