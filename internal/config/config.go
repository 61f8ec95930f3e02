// Package config provides unified configuration loading helpers for the scheduler, verifier, and agent.
package config

import (
	"strconv"
	"strings"
	"time"

	"os"

	"github.com/joho/godotenv"

	"github.com/volcompute/orchestrator/internal/domain/aimode"
)

// LoadDotEnv loads a .env file if present. Environment variables already set always win, mirroring
// the teacher's dev config-file precedence (flag/env > file).
func LoadDotEnv(path string) {
	if path == "" {
		path = ".env"
	}
	_ = godotenv.Load(path)
}

// GetEnv retrieves an environment variable with optional default.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable with optional default.
// Accepts: "true", "1", "yes", "y" (case-insensitive) as true.
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	lower := strings.ToLower(val)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// GetEnvInt retrieves an integer environment variable with optional default.
func GetEnvInt(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// GetEnvDurationSecs retrieves a duration (seconds, as an integer env var) with default.
func GetEnvDurationSecs(key string, defaultSecs int) time.Duration {
	return time.Duration(GetEnvInt(key, defaultSecs)) * time.Second
}

// SchedulerConfig holds every scheduler-side configuration value named in the external interfaces
// section: AI mode, policy limits, heartbeat/poll cadence, and listen address.
type SchedulerConfig struct {
	HTTPAddr               string
	DatabaseURL            string
	AIMode                 aimode.Mode
	PolicyMaxConcurrent    int
	PolicyMaxDailyBudget   int
	PolicyRecheckThreshold int
	HeartbeatIntervalSecs  int
	PollIntervalSecs       int
	RecheckSweepCron       string
}

// LoadSchedulerConfig reads SchedulerConfig from the environment, applying the defaults named in
// spec §6 and §4.7.
func LoadSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		HTTPAddr:               GetEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:            GetEnv("DATABASE_URL", ""),
		AIMode:                 aimode.Parse(GetEnv("AI_MODE", "AI_OFF")),
		PolicyMaxConcurrent:    GetEnvInt("POLICY_MAX_CONCURRENT_TASKS", 1000),
		PolicyMaxDailyBudget:   GetEnvInt("POLICY_MAX_DAILY_BUDGET", 100000),
		PolicyRecheckThreshold: GetEnvInt("POLICY_RECHECK_THRESHOLD", 3),
		HeartbeatIntervalSecs:  GetEnvInt("HEARTBEAT_INTERVAL_SECS", 30),
		PollIntervalSecs:       GetEnvInt("POLL_INTERVAL_SECS", 5),
		RecheckSweepCron:       GetEnv("RECHECK_SWEEP_CRON", "@every 30s"),
	}
}

// AgentConfig holds agent-runtime configuration.
type AgentConfig struct {
	SchedulerURL         string
	AgentUID             string
	EULAAcceptedPath     string
	SandboxTimeoutSecs   int
	SandboxOutputBytes   int64
	SandboxWorkspaceBytes int64
	HeartbeatIntervalSecs int
	PollIntervalSecs      int
}

// LoadAgentConfig reads AgentConfig from the environment.
func LoadAgentConfig() AgentConfig {
	return AgentConfig{
		SchedulerURL:          GetEnv("SCHEDULER_URL", "http://localhost:8080"),
		AgentUID:              GetEnv("AGENT_UID", ""),
		EULAAcceptedPath:      GetEnv("EULA_ACCEPTED_PATH", ".eula_accepted"),
		SandboxTimeoutSecs:    GetEnvInt("SANDBOX_TIMEOUT_SECS", 120),
		SandboxOutputBytes:    int64(GetEnvInt("SANDBOX_OUTPUT_BYTES", 1<<20)),
		SandboxWorkspaceBytes: int64(GetEnvInt("SANDBOX_WORKSPACE_BYTES", 64<<20)),
		HeartbeatIntervalSecs: GetEnvInt("HEARTBEAT_INTERVAL_SECS", 30),
		PollIntervalSecs:      GetEnvInt("POLL_INTERVAL_SECS", 5),
	}
}
