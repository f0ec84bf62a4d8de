// Package config loads each service's YAML configuration from the path in
// CONFIG_PATH and validates the sections that service requires before it
// binds a socket.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// Config is the full configuration surface. Each service reads the
// sections it needs and validates them with Require.
type Config struct {
	Server      ServerConfig    `yaml:"server"`
	Log         LogConfig       `yaml:"log"`
	Database    DatabaseConfig  `yaml:"database"`
	Identity    UpstreamConfig  `yaml:"identity"`
	CentralBank UpstreamConfig  `yaml:"central_bank"`
	TaskBoard   UpstreamConfig  `yaml:"task_board"`
	Reputation  UpstreamConfig  `yaml:"reputation"`
	Platform    PlatformConfig  `yaml:"platform"`
	Limits      LimitsConfig    `yaml:"limits"`
	Deadlines   DeadlinesConfig `yaml:"deadlines"`
	Assets      AssetsConfig    `yaml:"assets"`
	Judges      []JudgeConfig   `yaml:"judges"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the bind address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// UpstreamConfig points at a cooperating service.
type UpstreamConfig struct {
	BaseURL     string `yaml:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// PlatformConfig identifies the distinguished platform agent. SigningKey
// (base64 raw 64-byte Ed25519 private key) is only set for services that
// emit platform-signed envelopes (Task Board, Court).
type PlatformConfig struct {
	AgentID    string `yaml:"agent_id"`
	SigningKey string `yaml:"signing_key"`
}

type LimitsConfig struct {
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// DeadlinesConfig holds the default task deadlines and the Court rebuttal
// window, all in seconds.
type DeadlinesConfig struct {
	BiddingSecs   int64 `yaml:"bidding_secs"`
	ExecutionSecs int64 `yaml:"execution_secs"`
	ReviewSecs    int64 `yaml:"review_secs"`
	RebuttalSecs  int64 `yaml:"rebuttal_secs"`
}

type AssetsConfig struct {
	StorageRoot      string `yaml:"storage_root"`
	MaxAssetBytes    int64  `yaml:"max_asset_bytes"`
	MaxAssetsPerTask int    `yaml:"max_assets_per_task"`
}

// JudgeConfig configures one Court judge. Kind "static" always votes
// WorkerPct with Reasoning; kind "http" POSTs the dispute context to URL.
type JudgeConfig struct {
	ID          string `yaml:"id"`
	Kind        string `yaml:"kind"`
	WorkerPct   int    `yaml:"worker_pct"`
	Reasoning   string `yaml:"reasoning"`
	URL         string `yaml:"url"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// FromEnv loads the config named by CONFIG_PATH.
func FromEnv() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		return nil, fmt.Errorf("config: CONFIG_PATH is not set")
	}
	return Load(path)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Limits.MaxBodyBytes == 0 {
		c.Limits.MaxBodyBytes = 1 << 20
	}
	if c.Deadlines.BiddingSecs == 0 {
		c.Deadlines.BiddingSecs = 3600
	}
	if c.Deadlines.ExecutionSecs == 0 {
		c.Deadlines.ExecutionSecs = 86400
	}
	if c.Deadlines.ReviewSecs == 0 {
		c.Deadlines.ReviewSecs = 86400
	}
	if c.Deadlines.RebuttalSecs == 0 {
		c.Deadlines.RebuttalSecs = 86400
	}
	if c.Assets.MaxAssetBytes == 0 {
		c.Assets.MaxAssetBytes = 10 << 20
	}
	if c.Assets.MaxAssetsPerTask == 0 {
		c.Assets.MaxAssetsPerTask = 16
	}
	for i := range c.Judges {
		if c.Judges[i].TimeoutSecs == 0 {
			c.Judges[i].TimeoutSecs = 30
		}
	}
}

// Requirement names a config section a service cannot start without.
type Requirement string

const (
	RequireDatabase   Requirement = "database"
	RequireIdentity   Requirement = "identity"
	RequireBank       Requirement = "central_bank"
	RequireTaskBoard  Requirement = "task_board"
	RequireReputation Requirement = "reputation"
	RequirePlatform   Requirement = "platform"
	RequireSigningKey Requirement = "platform signing key"
	RequireAssets     Requirement = "assets"
	RequireJudges     Requirement = "judges"
)

// Require validates the named sections, failing loudly on the first that
// is missing or unusable.
func (c *Config) Require(reqs ...Requirement) error {
	for _, req := range reqs {
		switch req {
		case RequireDatabase:
			if c.Database.Path == "" {
				return fmt.Errorf("config: database.path is required")
			}
			if err := writableDir(filepath.Dir(c.Database.Path)); err != nil {
				return fmt.Errorf("config: database.path: %w", err)
			}
		case RequireIdentity:
			if c.Identity.BaseURL == "" {
				return fmt.Errorf("config: identity.base_url is required")
			}
		case RequireBank:
			if c.CentralBank.BaseURL == "" {
				return fmt.Errorf("config: central_bank.base_url is required")
			}
		case RequireTaskBoard:
			if c.TaskBoard.BaseURL == "" {
				return fmt.Errorf("config: task_board.base_url is required")
			}
		case RequireReputation:
			if c.Reputation.BaseURL == "" {
				return fmt.Errorf("config: reputation.base_url is required")
			}
		case RequirePlatform:
			if c.Platform.AgentID == "" {
				return fmt.Errorf("config: platform.agent_id is required")
			}
		case RequireSigningKey:
			if c.Platform.SigningKey == "" {
				return fmt.Errorf("config: platform.signing_key is required")
			}
		case RequireAssets:
			if c.Assets.StorageRoot == "" {
				return fmt.Errorf("config: assets.storage_root is required")
			}
			if err := writableDir(c.Assets.StorageRoot); err != nil {
				return fmt.Errorf("config: assets.storage_root: %w", err)
			}
		case RequireJudges:
			if len(c.Judges) == 0 {
				return fmt.Errorf("config: at least one judge is required")
			}
			for _, j := range c.Judges {
				if j.ID == "" || (j.Kind != "static" && j.Kind != "http") {
					return fmt.Errorf("config: judge %q must have an id and kind static|http", j.ID)
				}
				if j.Kind == "http" && j.URL == "" {
					return fmt.Errorf("config: http judge %q requires a url", j.ID)
				}
				if j.Kind == "static" && (j.WorkerPct < 0 || j.WorkerPct > 100) {
					return fmt.Errorf("config: static judge %q worker_pct must be in [0,100]", j.ID)
				}
			}
		}
	}
	return nil
}

func writableDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	probe := filepath.Join(dir, ".writecheck")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	f.Close()
	os.Remove(probe)
	return nil
}
