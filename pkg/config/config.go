package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root daemon configuration.
type Config struct {
	Enabled      bool                   `yaml:"enabled"`
	DataDir      string                 `yaml:"data_dir"`
	ControlAddr  string                 `yaml:"control_addr"`
	Agents       map[string]AgentConfig `yaml:"agents"`
	Global       GlobalConfig           `yaml:"global"`
	EventSystem  EventSystemConfig      `yaml:"event_system"`
	ContextStore ContextStoreConfig     `yaml:"context_store"`
	Logging      LoggingConfig          `yaml:"logging"`

	// Experimental holds namespaced options that skip strict validation.
	Experimental map[string]any `yaml:"experimental"`
}

// AgentConfig configures one agent instance.
type AgentConfig struct {
	Enabled     bool            `yaml:"enabled"`
	Triggers    []string        `yaml:"triggers"`
	Config      map[string]any  `yaml:"config"`
	TimeoutMs   int             `yaml:"timeout_ms"`
	Retries     int             `yaml:"retries"`
	Concurrency int             `yaml:"concurrency"`
	Priority    string          `yaml:"priority"`
	LoopGuard   LoopGuardConfig `yaml:"loop_guard"`
}

// LoopGuardConfig bounds repeated agent work on the same key.
type LoopGuardConfig struct {
	WindowMs     int `yaml:"window_ms"`
	MaxOpsPerKey int `yaml:"max_ops_per_key"`
}

// GlobalConfig holds daemon-wide scheduling limits.
type GlobalConfig struct {
	MaxConcurrentAgents int                  `yaml:"max_concurrent_agents"`
	MaxChainDepth       int                  `yaml:"max_chain_depth"`
	ResourceLimits      ResourceLimitsConfig `yaml:"resource_limits"`
}

// ResourceLimitsConfig holds advisory per-process caps.
type ResourceLimitsConfig struct {
	MaxCPU    float64 `yaml:"max_cpu"`
	MaxMemory int64   `yaml:"max_memory"`
}

// EventSystemConfig configures collectors and the ingress queue.
type EventSystemConfig struct {
	Collectors CollectorsConfig `yaml:"collectors"`
	Queue      QueueConfig      `yaml:"queue"`
}

// CollectorsConfig configures the event collectors.
type CollectorsConfig struct {
	Filesystem FilesystemConfig `yaml:"filesystem"`
	Git        GitConfig        `yaml:"git"`
	Process    ProcessConfig    `yaml:"process"`
	Timer      TimerConfig      `yaml:"timer"`
}

// FilesystemConfig configures the mandatory file-system collector.
type FilesystemConfig struct {
	Enabled     bool     `yaml:"enabled"`
	WatchPaths  []string `yaml:"watch_paths"`
	IgnorePaths []string `yaml:"ignore_paths"`
	DebounceMs  int      `yaml:"debounce_ms"`
}

// GitConfig configures the optional git hook collector.
type GitConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// ProcessConfig configures the optional process collector.
type ProcessConfig struct {
	Enabled  bool       `yaml:"enabled"`
	Commands [][]string `yaml:"commands"`
}

// TimerConfig configures the optional timer collector.
type TimerConfig struct {
	Enabled bool              `yaml:"enabled"`
	Tags    map[string]string `yaml:"tags"` // tag -> interval ("30s", "5m")
}

// QueueConfig configures the ingress priority queue.
type QueueConfig struct {
	Size           int    `yaml:"size"`
	OverflowPolicy string `yaml:"overflow_policy"` // "block" or "drop_oldest"
}

// ContextStoreConfig configures the finding store.
type ContextStoreConfig struct {
	RetentionDays int    `yaml:"retention_days"`
	PerTierMax    int    `yaml:"per_tier_max"`
	Mode          string `yaml:"mode"` // flow, balanced, quality
	EventJournal  bool   `yaml:"event_journal"`
}

// LoggingConfig configures log output and rotation.
type LoggingConfig struct {
	Level    string         `yaml:"level"`
	JSON     bool           `yaml:"json"`
	File     string         `yaml:"file"`
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig mirrors the lumberjack rotation knobs.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		Enabled:     true,
		DataDir:     ".devloop",
		ControlAddr: "127.0.0.1:7466",
		Agents:      map[string]AgentConfig{},
		Global: GlobalConfig{
			MaxConcurrentAgents: 4,
			MaxChainDepth:       5,
		},
		EventSystem: EventSystemConfig{
			Collectors: CollectorsConfig{
				Filesystem: FilesystemConfig{
					Enabled:    true,
					WatchPaths: []string{"."},
					IgnorePaths: []string{
						"**/.git/**",
						"**/node_modules/**",
						"**/.devloop/**",
					},
					DebounceMs: 500,
				},
			},
			Queue: QueueConfig{
				Size:           1024,
				OverflowPolicy: "block",
			},
		},
		ContextStore: ContextStoreConfig{
			RetentionDays: 7,
			PerTierMax:    500,
			Mode:          "balanced",
		},
		Logging: LoggingConfig{
			Level: "info",
			Rotation: RotationConfig{
				MaxSize:    50,
				MaxBackups: 3,
				MaxAgeDays: 14,
			},
		},
	}
	return cfg
}

// Load reads and validates a configuration file. Unknown keys outside the
// experimental subtree are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration bytes with strict field checking.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. A failure here is fatal at
// startup.
func (c *Config) Validate() error {
	if c.Global.MaxConcurrentAgents <= 0 {
		return fmt.Errorf("invalid config: global.max_concurrent_agents must be positive")
	}
	if c.EventSystem.Queue.Size <= 0 {
		return fmt.Errorf("invalid config: event_system.queue.size must be positive")
	}
	switch c.EventSystem.Queue.OverflowPolicy {
	case "block", "drop_oldest":
	default:
		return fmt.Errorf("invalid config: unknown overflow_policy %q", c.EventSystem.Queue.OverflowPolicy)
	}
	switch c.ContextStore.Mode {
	case "flow", "balanced", "quality":
	default:
		return fmt.Errorf("invalid config: unknown context_store.mode %q", c.ContextStore.Mode)
	}
	for name, a := range c.Agents {
		if a.Enabled && len(a.Triggers) == 0 {
			return fmt.Errorf("invalid config: agent %q enabled without triggers", name)
		}
		if a.Retries < 0 {
			return fmt.Errorf("invalid config: agent %q has negative retries", name)
		}
		if a.Concurrency < 0 {
			return fmt.Errorf("invalid config: agent %q has negative concurrency", name)
		}
		if a.Priority != "" {
			switch a.Priority {
			case "low", "normal", "high", "critical":
			default:
				return fmt.Errorf("invalid config: agent %q has unknown priority %q", name, a.Priority)
			}
		}
	}
	if c.EventSystem.Collectors.Timer.Enabled {
		for tag, interval := range c.EventSystem.Collectors.Timer.Tags {
			if _, err := time.ParseDuration(interval); err != nil {
				return fmt.Errorf("invalid config: timer tag %q has bad interval %q", tag, interval)
			}
		}
	}
	return nil
}

// AgentTimeout returns the per-invocation ceiling for an agent, defaulting
// to 30 seconds.
func (a AgentConfig) AgentTimeout() time.Duration {
	if a.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

// Window returns the loop-guard window, defaulting to 10 seconds.
func (g LoopGuardConfig) Window() time.Duration {
	if g.WindowMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(g.WindowMs) * time.Millisecond
}

// MaxOps returns the per-key invocation ceiling, defaulting to 3.
func (g LoopGuardConfig) MaxOps() int {
	if g.MaxOpsPerKey <= 0 {
		return 3
	}
	return g.MaxOpsPerKey
}
