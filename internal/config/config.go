package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreBackendBolt     = "bolt"
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

type Config struct {
	Inference InferenceConfig `yaml:"inference"`
	Agents    AgentsConfig    `yaml:"agents"`
	Store     StoreConfig     `yaml:"store"`
	Lock      LockConfig      `yaml:"lock"`
	Research  ResearchConfig  `yaml:"research"`
	Server    ServerConfig    `yaml:"server"`
}

// InferenceConfig points at the judgment/inference endpoint used by the
// planner, hypothesis, discovery, reflection, and continuation components.
type InferenceConfig struct {
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// AgentsConfig points at the external specialist-agent service that executes
// literature and analysis tasks.
type AgentsConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

// LockConfig configures the start lock. An empty Path leaves the lock
// service unconfigured; the orchestrator then runs in fallback mode and
// deduplicates through the run ledger alone.
type LockConfig struct {
	Path          string `yaml:"path"`
	TTLSeconds    int    `yaml:"ttl_seconds"`
	Attempts      int    `yaml:"attempts"`
	BackoffMillis int    `yaml:"backoff_millis"`
}

type ResearchConfig struct {
	LeaseMinutes          int `yaml:"lease_minutes"`
	HeartbeatStaleMinutes int `yaml:"heartbeat_stale_minutes"`
	MaxIterations         int `yaml:"max_iterations"`
	MaxTasksPerLevel      int `yaml:"max_tasks_per_level"`
	MaxDiscoveries        int `yaml:"max_discoveries"`
	MaxKeyInsights        int `yaml:"max_key_insights"`
	ExecutorConcurrency   int `yaml:"executor_concurrency"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

func Default() Config {
	cfg := Config{}
	cfg.Inference.BaseURL = "http://localhost:1234/v1"
	cfg.Inference.TimeoutSeconds = 120
	cfg.Agents.TimeoutSeconds = 1800
	cfg.Store.Backend = StoreBackendBolt
	cfg.Store.Path = "researchd.db"
	cfg.Lock.TTLSeconds = 30
	cfg.Lock.Attempts = 3
	cfg.Lock.BackoffMillis = 250
	cfg.Research.LeaseMinutes = 120
	cfg.Research.HeartbeatStaleMinutes = 10
	cfg.Research.MaxIterations = 25
	cfg.Research.MaxTasksPerLevel = 3
	cfg.Research.MaxDiscoveries = 5
	cfg.Research.MaxKeyInsights = 10
	cfg.Research.ExecutorConcurrency = 3
	cfg.Server.Addr = ":8844"
	return cfg
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate reports unrecoverable configuration errors. These are fatal at
// startup; nothing here is retried.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Inference.BaseURL) == "" {
		return fmt.Errorf("inference.base_url is required")
	}
	if strings.TrimSpace(c.Inference.Model) == "" {
		return fmt.Errorf("inference.model is required")
	}
	switch c.Store.Backend {
	case StoreBackendBolt:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path is required for the bolt backend")
		}
	case StoreBackendPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}
	if c.Research.LeaseMinutes <= 0 {
		return fmt.Errorf("research.lease_minutes must be > 0")
	}
	if c.Research.HeartbeatStaleMinutes <= 0 {
		return fmt.Errorf("research.heartbeat_stale_minutes must be > 0")
	}
	if c.Research.MaxTasksPerLevel <= 0 || c.Research.MaxTasksPerLevel > 3 {
		return fmt.Errorf("research.max_tasks_per_level must be between 1 and 3")
	}
	if c.Research.ExecutorConcurrency <= 0 {
		return fmt.Errorf("research.executor_concurrency must be > 0")
	}
	return nil
}

func (c Config) InferenceTimeout() time.Duration {
	if c.Inference.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.Inference.TimeoutSeconds) * time.Second
}

func (c Config) AgentsTimeout() time.Duration {
	if c.Agents.TimeoutSeconds <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Agents.TimeoutSeconds) * time.Second
}

func (c Config) Lease() time.Duration {
	return time.Duration(c.Research.LeaseMinutes) * time.Minute
}

func (c Config) HeartbeatStaleAfter() time.Duration {
	return time.Duration(c.Research.HeartbeatStaleMinutes) * time.Minute
}

func (c Config) LockTTL() time.Duration {
	if c.Lock.TTLSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Lock.TTLSeconds) * time.Second
}

func (c Config) LockBackoff() time.Duration {
	if c.Lock.BackoffMillis <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.Lock.BackoffMillis) * time.Millisecond
}
