package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	LLM      LLMConfig      `toml:"llm"`
	Agent    AgentConfig    `toml:"agent"`
	Store    StoreConfig    `toml:"store"`
	Skills   SkillsConfig   `toml:"skills"`
	MCP      MCPConfig      `toml:"mcp"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Search   SearchConfig   `toml:"search"`
	Observer ObserverConfig `toml:"observer"`
}

type ServerConfig struct {
	Addr   string `toml:"addr"`
	LogDir string `toml:"log_dir"`
}

type LLMConfig struct {
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
	APIBase string `toml:"api_base"`
}

type AgentConfig struct {
	Name          string `toml:"name"`
	MaxSteps      int    `toml:"max_steps"`
	TokenLimit    int    `toml:"token_limit"`
	SpawnDepth    int    `toml:"spawn_depth"`
	HistoryRuns   int    `toml:"history_runs"`
	WorkspacePath string `toml:"workspace_path"`
}

type StoreConfig struct {
	// Backend selects the session store: "file", "sqlite", "postgres",
	// or "memory".
	Backend     string `toml:"backend"`
	Dir         string `toml:"dir"`
	SQLitePath  string `toml:"sqlite_path"`
	PostgresURL string `toml:"postgres_url"`
}

type SkillsConfig struct {
	Dir string `toml:"dir"`
}

type MCPConfig struct {
	Enabled    bool   `toml:"enabled"`
	ConfigPath string `toml:"config_path"`
}

type SandboxConfig struct {
	Enabled    bool   `toml:"enabled"`
	URL        string `toml:"url"`
	TTLSeconds int    `toml:"ttl_seconds"`
	PythonBin  string `toml:"python_bin"`
	Workspace  string `toml:"workspace"`
}

type SearchConfig struct {
	BraveAPIKey string `toml:"brave_api_key"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Server: ServerConfig{Addr: ":8080", LogDir: filepath.Join(home, "kestrel-logs")},
		Agent: AgentConfig{
			Name:          "kestrel",
			MaxSteps:      50,
			TokenLimit:    120000,
			SpawnDepth:    3,
			HistoryRuns:   5,
			WorkspacePath: filepath.Join(home, "kestrel-workspace"),
		},
		Store:   StoreConfig{Backend: "file", Dir: filepath.Join(home, "kestrel-sessions"), SQLitePath: "kestrel.db"},
		Sandbox: SandboxConfig{TTLSeconds: 3600, PythonBin: "python3"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "kestrel.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_API_BASE"); v != "" {
		cfg.LLM.APIBase = v
	}
	if n, ok := envInt("AGENT_MAX_STEPS"); ok {
		cfg.Agent.MaxSteps = n
	}
	if n, ok := envInt("TOKEN_LIMIT"); ok {
		cfg.Agent.TokenLimit = n
	}
	if n, ok := envInt("SPAWN_AGENT_MAX_DEPTH"); ok {
		cfg.Agent.SpawnDepth = n
	}
	if envBool("ENABLE_MCP") {
		cfg.MCP.Enabled = true
	}
	if v := os.Getenv("MCP_CONFIG_PATH"); v != "" {
		cfg.MCP.ConfigPath = v
	}
	if envBool("ENABLE_SANDBOX") {
		cfg.Sandbox.Enabled = true
	}
	if n, ok := envInt("SANDBOX_TTL_SECONDS"); ok {
		cfg.Sandbox.TTLSeconds = n
	}
	if v := os.Getenv("SANDBOX_URL"); v != "" {
		cfg.Sandbox.URL = v
	}
	if v := os.Getenv("KESTREL_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("BRAVE_API_KEY"); v != "" {
		cfg.Search.BraveAPIKey = v
	}
	if v := os.Getenv("KESTREL_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.MCP.Enabled && cfg.MCP.ConfigPath == "" {
		cfg.MCP.ConfigPath = "mcp.json"
	}

	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func envBool(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	}
	return false
}
