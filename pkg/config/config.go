package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed config.toml.sample
var configTemplate string

// Order stock policies. See ledger.OrderPolicy.
const (
	OrderPolicyReject = "reject"
	OrderPolicyClamp  = "clamp"
)

type Config struct {
	StorageDir    string              `toml:"storage_dir"`
	ActorID       string              `toml:"actor_id"`
	Server        ServerConfig        `toml:"server"`
	Realtime      RealtimeConfig      `toml:"realtime"`
	Notifications NotificationsConfig `toml:"notifications"`
	Stock         StockConfig         `toml:"stock"`
}

type ServerConfig struct {
	Listen  string `toml:"listen"`
	Metrics bool   `toml:"metrics"`
}

type RealtimeConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
	// BackoffBase is the delay before the first reconnect attempt. Later
	// attempts double it up to MaxBackoff.
	BackoffBase          Duration `toml:"backoff_base"`
	MaxBackoff           Duration `toml:"max_backoff"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
}

type NotificationsConfig struct {
	Limit int `toml:"limit"`
}

type StockConfig struct {
	// OrderPolicy decides what order fulfillment does when a line asks for
	// more than is in stock: "reject" fails the order, "clamp" deducts what
	// is left and records the shortfall in the history reason.
	OrderPolicy string `toml:"order_policy"`
	CASRetries  int    `toml:"cas_retries"`
}

type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func GetDefaultConfig() (*Config, error) {
	storageDir, err := GetDefaultStorageDir()
	if err != nil {
		return nil, fmt.Errorf("getting default storage directory: %w", err)
	}
	cfg := &Config{StorageDir: storageDir}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ActorID == "" {
		c.ActorID = "admin"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8420"
	}
	if c.Realtime.URL == "" {
		c.Realtime.URL = "ws://" + c.Server.Listen + "/ws"
	}
	if c.Realtime.BackoffBase.Duration <= 0 {
		c.Realtime.BackoffBase = Duration{time.Second}
	}
	if c.Realtime.MaxBackoff.Duration <= 0 {
		c.Realtime.MaxBackoff = Duration{30 * time.Second}
	}
	if c.Realtime.MaxReconnectAttempts <= 0 {
		c.Realtime.MaxReconnectAttempts = 5
	}
	if c.Realtime.HeartbeatInterval.Duration <= 0 {
		c.Realtime.HeartbeatInterval = Duration{30 * time.Second}
	}
	if c.Notifications.Limit <= 0 {
		c.Notifications.Limit = 100
	}
	if c.Stock.OrderPolicy == "" {
		c.Stock.OrderPolicy = OrderPolicyReject
	}
	if c.Stock.CASRetries <= 0 {
		c.Stock.CASRetries = 5
	}
}

// Validate reports settings that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Stock.OrderPolicy {
	case OrderPolicyReject, OrderPolicyClamp:
	default:
		return fmt.Errorf("stock.order_policy must be %q or %q, got %q", OrderPolicyReject, OrderPolicyClamp, c.Stock.OrderPolicy)
	}
	if !strings.HasPrefix(c.Realtime.URL, "ws://") && !strings.HasPrefix(c.Realtime.URL, "wss://") {
		return fmt.Errorf("realtime.url must be a ws:// or wss:// URL, got %q", c.Realtime.URL)
	}
	return nil
}

// LoadConfig reads configPath, falling back to defaults when the file does
// not exist, then applies environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	var config *Config
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		config, err = GetDefaultConfig()
		if err != nil {
			return nil, err
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		config = &Config{}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("unmarshaling config: %w", err)
		}

		if config.StorageDir == "" {
			storageDir, err := GetDefaultStorageDir()
			if err != nil {
				return nil, fmt.Errorf("getting default storage directory: %w", err)
			}
			config.StorageDir = storageDir
		}
	}

	config.applyEnv()
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadDotEnv loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SHOPSYNC_TOKEN"); v != "" {
		c.Realtime.Token = v
	}
	if v := os.Getenv("SHOPSYNC_URL"); v != "" {
		c.Realtime.URL = v
	}
	if v := os.Getenv("SHOPSYNC_ACTOR"); v != "" {
		c.ActorID = v
	}
	if v := os.Getenv("SHOPSYNC_STORAGE_DIR"); v != "" {
		c.StorageDir = v
	}
}

// DBPath returns the path of the shop database inside StorageDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.StorageDir, "shopsync.db")
}

func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

func (c *Config) SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	storageDir := c.StorageDir
	if storageDir == "" {
		var err error
		storageDir, err = GetDefaultStorageDir()
		if err != nil {
			return fmt.Errorf("getting default storage directory: %w", err)
		}
	}

	template := strings.Replace(configTemplate, "/home/user/.local/share/shopsync", storageDir, 1)
	return os.WriteFile(configPath, []byte(template), 0644)
}

// GetDefaultStorageDir returns $XDG_DATA_HOME/shopsync (or
// ~/.local/share/shopsync), creating it if needed.
func GetDefaultStorageDir() (string, error) {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	dir := filepath.Join(dataDir, "shopsync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating storage directory %s: %w", dir, err)
	}
	return dir, nil
}

// GetConfigDir returns $XDG_CONFIG_HOME/shopsync (or ~/.config/shopsync).
func GetConfigDir() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	dir := filepath.Join(configDir, "shopsync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	return dir, nil
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.toml"), nil
}
