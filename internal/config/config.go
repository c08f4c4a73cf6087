package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDataDir        = "~/.vpn"
	DefaultLogLevel       = "info"
	DefaultControlListen  = "127.0.0.1:8000"
	DefaultAllowOrigin    = "*"
	DefaultStatusInterval = 5 * time.Second
	DefaultRelayListen    = "127.0.0.1:1194"
	DefaultDialTimeout    = 5 * time.Second
	DefaultDialAttempts   = 1
	DefaultGracePeriod    = 5 * time.Second
	DefaultStopGrace      = 2 * time.Second
	DefaultChunkSize      = 32 * 1024
	DefaultProfileName    = "vpn.conf"
	DefaultMetricsWindow  = "5m"
)

var DefaultSTUNServers = []string{"stun.l.google.com:19302"}

// Config is the single process config for `vpnrelay serve` and the
// file-reading subcommands.
type Config struct {
	DataDir     string          `yaml:"data_dir"`
	LogLevel    string          `yaml:"log_level"`
	Control     ControlConfig   `yaml:"control"`
	Relay       RelayConfig     `yaml:"relay"`
	Registry    RegistryConfig  `yaml:"registry"`
	Routing     RoutingConfig   `yaml:"routing"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	STUNServers []string        `yaml:"stun_servers"`
}

type ControlConfig struct {
	Listen         string        `yaml:"listen"`
	AllowOrigin    string        `yaml:"allow_origin"`
	RequestLog     bool          `yaml:"request_log"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

type RelayConfig struct {
	Listen       string        `yaml:"listen"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	DialAttempts int           `yaml:"dial_attempts"`
	GracePeriod  time.Duration `yaml:"grace_period"`
	// StopGrace below zero closes sockets immediately on stop.
	StopGrace time.Duration `yaml:"stop_grace"`
	ChunkSize int           `yaml:"chunk_size"`
	MaxConns  int           `yaml:"max_conns"`
}

type RegistryConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

type RoutingConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Via         string   `yaml:"via"`
	Dev         string   `yaml:"dev"`
	Table       int      `yaml:"table"`
	Routes      []string `yaml:"routes"`
	ProfilePath string   `yaml:"profile_path"`
}

type TelemetryConfig struct {
	RecordsPath string `yaml:"records_path"`
	Prometheus  *bool  `yaml:"prometheus,omitempty"`
}

// PrometheusEnabled defaults to true when unset.
func (t TelemetryConfig) PrometheusEnabled() bool {
	return t.Prometheus == nil || *t.Prometheus
}

// Default returns a config with every default applied.
func Default() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads and parses a YAML config file. An empty path yields Default().
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks fields that would otherwise fail late at bind or dial time.
func Validate(cfg Config) error {
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if err := validateHostPort("control.listen", cfg.Control.Listen); err != nil {
		return err
	}
	if err := validateHostPort("relay.listen", cfg.Relay.Listen); err != nil {
		return err
	}
	if cfg.Relay.DialAttempts < 1 {
		return fmt.Errorf("relay.dial_attempts must be >= 1")
	}
	if cfg.Relay.ChunkSize < 512 {
		return fmt.Errorf("relay.chunk_size must be >= 512")
	}
	if cfg.Relay.MaxConns < 0 {
		return fmt.Errorf("relay.max_conns must be >= 0")
	}
	if cfg.Relay.DialTimeout <= 0 || cfg.Relay.GracePeriod <= 0 {
		return fmt.Errorf("relay.dial_timeout and relay.grace_period must be positive")
	}
	if cfg.Control.StatusInterval <= 0 {
		return fmt.Errorf("control.status_interval must be positive")
	}
	if cfg.Routing.Enabled {
		if cfg.Routing.Via == "" && cfg.Routing.Dev == "" {
			return fmt.Errorf("routing.via or routing.dev is required when routing is enabled")
		}
		if cfg.Routing.Via != "" {
			if _, err := netip.ParseAddr(cfg.Routing.Via); err != nil {
				return fmt.Errorf("routing.via: %w", err)
			}
		}
		for _, r := range cfg.Routing.Routes {
			if _, err := netip.ParsePrefix(r); err != nil {
				return fmt.Errorf("routing.routes: %w", err)
			}
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if cfg.Control.Listen == "" {
		cfg.Control.Listen = DefaultControlListen
	}
	if cfg.Control.AllowOrigin == "" {
		cfg.Control.AllowOrigin = DefaultAllowOrigin
	}
	if cfg.Control.StatusInterval == 0 {
		cfg.Control.StatusInterval = DefaultStatusInterval
	}

	if cfg.Relay.Listen == "" {
		cfg.Relay.Listen = DefaultRelayListen
	}
	if cfg.Relay.DialTimeout == 0 {
		cfg.Relay.DialTimeout = DefaultDialTimeout
	}
	if cfg.Relay.DialAttempts == 0 {
		cfg.Relay.DialAttempts = DefaultDialAttempts
	}
	if cfg.Relay.GracePeriod == 0 {
		cfg.Relay.GracePeriod = DefaultGracePeriod
	}
	if cfg.Relay.StopGrace == 0 {
		cfg.Relay.StopGrace = DefaultStopGrace
	}
	if cfg.Relay.ChunkSize == 0 {
		cfg.Relay.ChunkSize = DefaultChunkSize
	}

	cfg.Registry.Path = expandHome(cfg.Registry.Path)
	if cfg.Routing.ProfilePath == "" {
		cfg.Routing.ProfilePath = filepath.Join(cfg.DataDir, DefaultProfileName)
	}
	cfg.Routing.ProfilePath = expandHome(cfg.Routing.ProfilePath)
	cfg.Telemetry.RecordsPath = expandHome(cfg.Telemetry.RecordsPath)

	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = append([]string(nil), DefaultSTUNServers...)
	}
}

func validateHostPort(field, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
