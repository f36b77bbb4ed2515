// Package config loads node configuration from YAML and the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultPath is read when no path is given and CONFIG_PATH is unset. It may
// be absent.
const DefaultPath = "./inboxsync.yaml"

type Config struct {
	Node  NodeConfig  `yaml:"node"`
	Link  LinkConfig  `yaml:"link"`
	Sync  SyncConfig  `yaml:"sync"`
	Retry RetryConfig `yaml:"retry"`
	API   APIConfig   `yaml:"api"`
	Log   LogConfig   `yaml:"log"`
}

// NodeConfig locates the node's persisted state.
type NodeConfig struct {
	DataPath string `yaml:"data_path" env:"INBOXSYNC_DATA_PATH" env-default:"./data"`
	SeedPath string `yaml:"seed_path" env:"INBOXSYNC_SEED_PATH"`
}

// LinkConfig holds settings for the primary/secondary link.
type LinkConfig struct {
	ListenAddr        string        `yaml:"listen_addr"        env:"LINK_LISTEN_ADDR"        env-default:"127.0.0.1:7420"`
	PeerURL           string        `yaml:"peer_url"           env:"LINK_PEER_URL"           env-default:"ws://127.0.0.1:7420/v1/link"`
	RequestTimeout    time.Duration `yaml:"request_timeout"    env:"LINK_REQUEST_TIMEOUT"    env-default:"5s"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" env:"LINK_RECONNECT_INTERVAL" env-default:"1s"`
	PingInterval      time.Duration `yaml:"ping_interval"      env:"LINK_PING_INTERVAL"      env-default:"15s"`
}

// SyncConfig holds snapshot and cache settings.
type SyncConfig struct {
	PushInterval    time.Duration `yaml:"push_interval"    env:"SYNC_PUSH_INTERVAL"    env-default:"3m"`
	CoalesceWindow  time.Duration `yaml:"coalesce_window"  env:"SYNC_COALESCE_WINDOW"  env-default:"2s"`
	MaxItems        int           `yaml:"max_items"        env:"SYNC_MAX_ITEMS"        env-default:"50"`
	StalenessWindow time.Duration `yaml:"staleness_window" env:"SYNC_STALENESS_WINDOW" env-default:"24h"`
	LedgerTTL       time.Duration `yaml:"ledger_ttl"       env:"SYNC_LEDGER_TTL"       env-default:"168h"`
}

// RetryConfig is the action delivery backoff policy.
type RetryConfig struct {
	Base        time.Duration `yaml:"base"         env:"RETRY_BASE"         env-default:"1s"`
	Cap         time.Duration `yaml:"cap"          env:"RETRY_CAP"          env-default:"30s"`
	MaxAttempts int           `yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS" env-default:"5"`
	Jitter      float64       `yaml:"jitter"       env:"RETRY_JITTER"       env-default:"0.2"`
}

// APIConfig is the secondary's local HTTP surface.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"API_LISTEN_ADDR" env-default:"127.0.0.1:7421"`
}

type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"text"`
}

// Load reads path, or CONFIG_PATH, or DefaultPath, then the environment.
// Priority: ENV > YAML > defaults. A missing file is an error only when the
// path was given explicitly.
func Load(path string) (*Config, error) {
	var cfg Config

	explicit := path != ""
	if !explicit {
		path = os.Getenv("CONFIG_PATH")
		explicit = path != ""
	}
	if !explicit {
		path = DefaultPath
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config: file %s: %w", path, err)
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// Validate checks ranges the tags cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Node.DataPath) == "" {
		return fmt.Errorf("node.data_path must be set")
	}
	if err := c.Link.validate(); err != nil {
		return fmt.Errorf("link: %w", err)
	}
	if err := c.Sync.validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := c.Retry.validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text (got %q)", c.Log.Format)
	}
	return nil
}

func (l *LinkConfig) validate() error {
	u, err := url.Parse(l.PeerURL)
	if err != nil {
		return fmt.Errorf("peer_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("peer_url must be a ws:// or wss:// url (got %q)", l.PeerURL)
	}
	if l.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be > 0 (got %s)", l.RequestTimeout)
	}
	if l.ReconnectInterval <= 0 {
		return fmt.Errorf("reconnect_interval must be > 0 (got %s)", l.ReconnectInterval)
	}
	if l.PingInterval <= 0 {
		return fmt.Errorf("ping_interval must be > 0 (got %s)", l.PingInterval)
	}
	return nil
}

func (s *SyncConfig) validate() error {
	if s.PushInterval <= 0 {
		return fmt.Errorf("push_interval must be > 0 (got %s)", s.PushInterval)
	}
	if s.CoalesceWindow <= 0 || s.CoalesceWindow >= s.PushInterval {
		return fmt.Errorf("coalesce_window must be > 0 and below push_interval (got %s)", s.CoalesceWindow)
	}
	if s.MaxItems < 1 || s.MaxItems > 50 {
		return fmt.Errorf("max_items must be within [1,50] (got %d)", s.MaxItems)
	}
	if s.StalenessWindow <= 0 {
		return fmt.Errorf("staleness_window must be > 0 (got %s)", s.StalenessWindow)
	}
	if s.LedgerTTL <= 0 {
		return fmt.Errorf("ledger_ttl must be > 0 (got %s)", s.LedgerTTL)
	}
	return nil
}

func (r *RetryConfig) validate() error {
	if r.Base <= 0 {
		return fmt.Errorf("base must be > 0 (got %s)", r.Base)
	}
	if r.Cap < r.Base {
		return fmt.Errorf("cap must be >= base (got %s < %s)", r.Cap, r.Base)
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", r.MaxAttempts)
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0,1] (got %v)", r.Jitter)
	}
	return nil
}
