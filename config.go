package kestrel

import (
	"os"
	"strconv"
)

// Environment variables recognized by the runtime core.
const (
	EnvModel         = "LLM_MODEL"
	EnvAPIKey        = "LLM_API_KEY"
	EnvAPIBase       = "LLM_API_BASE"
	EnvMaxSteps      = "AGENT_MAX_STEPS"
	EnvTokenLimit    = "TOKEN_LIMIT"
	EnvSpawnDepth    = "SPAWN_AGENT_MAX_DEPTH"
	EnvEnableMCP     = "ENABLE_MCP"
	EnvMCPConfigPath = "MCP_CONFIG_PATH"
	EnvEnableSandbox = "ENABLE_SANDBOX"
	EnvSandboxTTL    = "SANDBOX_TTL_SECONDS"
)

// DefaultMaxSteps returns the loop step ceiling: AGENT_MAX_STEPS or 50.
func DefaultMaxSteps() int { return envInt(EnvMaxSteps, 50) }

// DefaultTokenLimit returns the context budget: TOKEN_LIMIT or 120000.
func DefaultTokenLimit() int { return envInt(EnvTokenLimit, 120000) }

// DefaultSpawnDepth returns the spawn recursion cap: SPAWN_AGENT_MAX_DEPTH or 3.
func DefaultSpawnDepth() int { return envInt(EnvSpawnDepth, 3) }

// DefaultSandboxTTL returns the sandbox idle lifetime in seconds:
// SANDBOX_TTL_SECONDS or 3600.
func DefaultSandboxTTL() int { return envInt(EnvSandboxTTL, 3600) }

// MCPEnabled reports whether dynamic MCP tool loading is on.
func MCPEnabled() bool { return envBool(EnvEnableMCP) }

// SandboxEnabled reports whether per-session sandbox substitution is on.
func SandboxEnabled() bool { return envBool(EnvEnableSandbox) }

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envBool(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	}
	return false
}
