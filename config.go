package penguin

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config is the runtime configuration. Zero values fall back to
// defaults; see DefaultConfig.
type Config struct {
	Engine        EngineConfig        `toml:"engine"`
	Context       ContextConfig       `toml:"context"`
	Permissions   PermissionsConfig   `toml:"permissions"`
	Orchestration OrchestrationConfig `toml:"orchestration"`
	Audit         AuditConfig         `toml:"audit"`
	Storage       StorageConfig       `toml:"storage"`
	Provider      ProviderConfig      `toml:"provider"`
	Observer      ObserverConfig      `toml:"observer"`
}

type EngineConfig struct {
	MaxIterationsDefault int `toml:"max_iterations_default"`
}

type ContextConfig struct {
	MaxHistoryTokens            int     `toml:"max_history_tokens"`
	UncategorizedBudgetFraction float64 `toml:"uncategorized_budget_fraction"`
	MaxImages                   int     `toml:"max_images"`
	MaxMessagesPerSession       int     `toml:"max_messages_per_session"`
	TokenizerModel              string  `toml:"tokenizer_model"`
}

type PermissionsConfig struct {
	Mode            string   `toml:"mode"` // READ_ONLY | WORKSPACE | FULL
	Yolo            bool     `toml:"yolo"`
	WorkspaceRoot   string   `toml:"workspace_root"`
	AllowedPaths    []string `toml:"allowed_paths"`
	DeniedPaths     []string `toml:"denied_paths"`
	RequireApproval []string `toml:"require_approval"`
}

type OrchestrationConfig struct {
	Backend                   string         `toml:"backend"` // "native"
	PhaseTimeouts             map[string]int `toml:"phase_timeouts"` // seconds per phase
	DefaultMaxRetries         int            `toml:"default_max_retries"`
	CleanupCompletedAfterDays int            `toml:"cleanup_completed_after_days"`
}

type AuditConfig struct {
	LogFile          string            `toml:"log_file"`
	Categories       map[string]string `toml:"categories"`
	MaxMemoryEntries int               `toml:"max_memory_entries"`
}

type StorageConfig struct {
	Path string `toml:"path"`
}

type ProviderConfig struct {
	Name   string `toml:"name"`
	Model  string `toml:"model"`
	APIKey string `toml:"api_key"`
}

type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
	Endpoint    string `toml:"endpoint"`
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Engine: EngineConfig{MaxIterationsDefault: defaultMaxIterations},
		Context: ContextConfig{
			MaxHistoryTokens:            defaultMaxHistoryTokens,
			UncategorizedBudgetFraction: 0.05,
			MaxImages:                   defaultMaxImages,
			MaxMessagesPerSession:       2000,
		},
		Permissions: PermissionsConfig{
			Mode:          string(ModeWorkspace),
			WorkspaceRoot: filepath.Join(home, "penguin-workspace"),
		},
		Orchestration: OrchestrationConfig{
			Backend:                   "native",
			DefaultMaxRetries:         defaultRetryPolicy.MaxRetries,
			CleanupCompletedAfterDays: 30,
		},
		Audit:   AuditConfig{MaxMemoryEntries: defaultAuditEntries},
		Storage: StorageConfig{Path: "penguin.db"},
	}
}

// LoadConfig reads config: defaults -> TOML file -> env vars (env wins).
func LoadConfig(path string) Config {
	cfg := DefaultConfig()

	if path == "" {
		path = "penguin.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides. Numeric defaults use the uppercased underscored
	// names of their keys.
	if v, ok := envInt("MAX_ITERATIONS_DEFAULT"); ok {
		cfg.Engine.MaxIterationsDefault = v
	}
	if v, ok := envInt("MAX_HISTORY_TOKENS"); ok {
		cfg.Context.MaxHistoryTokens = v
	}
	if v, ok := envInt("MAX_CONTEXT_IMAGES"); ok {
		cfg.Context.MaxImages = v
	}
	if v, ok := envInt("MAX_MESSAGES_PER_SESSION"); ok {
		cfg.Context.MaxMessagesPerSession = v
	}
	if v := os.Getenv("PENGUIN_PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("PENGUIN_WORKSPACE_ROOT"); v != "" {
		cfg.Permissions.WorkspaceRoot = v
	}
	if os.Getenv("YOLO") == "1" {
		cfg.Permissions.Yolo = true
		slog.Warn("YOLO=1: permission checks are BYPASSED; every operation is allowed")
	}

	return cfg
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
