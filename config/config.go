// Package config loads the host settings from a TOML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"saltshaker/storage"
)

// ConfigEnv names the config file when --config is not given.
const ConfigEnv = "SALTSHAKER_CONFIG"

// Environment overrides, applied after the file.
const (
	EnvLogLevel      = "SALTSHAKER_LOG_LEVEL"
	EnvTelemetryHost = "SALTSHAKER_TELEMETRY_HOST"
	EnvTelemetryPort = "SALTSHAKER_TELEMETRY_PORT"
	EnvRelayListen   = "SALTSHAKER_RELAY_LISTEN"
)

// Duration reads "1s" style strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	// DataDirectory overrides the platform data dir; SALTSHAKER_DATA_DIR wins over both.
	DataDirectory string          `toml:"data_directory"`
	LogLevel      string          `toml:"log_level"`
	Telemetry     TelemetryConfig `toml:"telemetry"`
	Sandbox       SandboxConfig   `toml:"sandbox"`
	Relay         RelayConfig     `toml:"relay"`
}

type TelemetryConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	ReconnectDelay Duration `toml:"reconnect_delay"`
}

type SandboxConfig struct {
	ScriptTimeout  Duration `toml:"script_timeout"`
	DisposeTimeout Duration `toml:"dispose_timeout"`
	WorkerPoolSize int      `toml:"worker_pool_size"`
}

type RelayConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
	// AllowedOrigins are the browser origins permitted to open the websocket,
	// e.g. "http://localhost:5173" for a UI dev server.
	AllowedOrigins []string `toml:"allowed_origins"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Telemetry: TelemetryConfig{
			Host:           "127.0.0.1",
			Port:           51441,
			ReconnectDelay: Duration{time.Second},
		},
		Sandbox: SandboxConfig{
			ScriptTimeout:  Duration{5 * time.Second},
			DisposeTimeout: Duration{3 * time.Second},
			WorkerPoolSize: 16,
		},
		Relay: RelayConfig{
			Enabled: true,
			Listen:  "127.0.0.1:42069",
		},
	}
}

// Load reads path (or $SALTSHAKER_CONFIG) over the defaults, then applies
// environment overrides. A missing file is not an error; unknown keys are.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		default:
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				keys := make([]string, len(undecoded))
				for i, k := range undecoded {
					keys[i] = k.String()
				}
				return nil, fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv(EnvTelemetryHost); ok {
		c.Telemetry.Host = v
	}
	if v, ok := os.LookupEnv(EnvTelemetryPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTelemetryPort, err)
		}
		c.Telemetry.Port = port
	}
	if v, ok := os.LookupEnv(EnvRelayListen); ok {
		c.Relay.Listen = v
	}
	return nil
}

// Validate rejects settings the host cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.Telemetry.Host == "" {
		errs = append(errs, errors.New("telemetry.host is empty"))
	}
	if c.Telemetry.Port <= 0 || c.Telemetry.Port > 65535 {
		errs = append(errs, fmt.Errorf("telemetry.port %d is out of range", c.Telemetry.Port))
	}
	if c.Telemetry.ReconnectDelay.Duration <= 0 {
		errs = append(errs, errors.New("telemetry.reconnect_delay must be positive"))
	}
	if c.Sandbox.ScriptTimeout.Duration <= 0 {
		errs = append(errs, errors.New("sandbox.script_timeout must be positive"))
	}
	if c.Sandbox.DisposeTimeout.Duration <= 0 {
		errs = append(errs, errors.New("sandbox.dispose_timeout must be positive"))
	}
	if c.Sandbox.WorkerPoolSize < 1 {
		errs = append(errs, errors.New("sandbox.worker_pool_size must be at least 1"))
	}
	if c.Relay.Enabled && c.Relay.Listen == "" {
		errs = append(errs, errors.New("relay.listen is empty"))
	}
	for _, origin := range c.Relay.AllowedOrigins {
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" || u.Path != "" {
			errs = append(errs, fmt.Errorf("relay.allowed_origins: %q is not a scheme://host[:port] origin", origin))
		}
	}
	return errors.Join(errs...)
}

// DataDir is where plugins and the registry live.
func (c *Config) DataDir() string {
	if os.Getenv(storage.DataDirEnv) != "" || c.DataDirectory == "" {
		return storage.DataDir()
	}
	return c.DataDirectory
}

// Write encodes c as TOML.
func (c *Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
