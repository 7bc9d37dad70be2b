// Package daemon wires the store, gateway, timers, engine, sweeper and HTTP
// server together and runs them until shutdown.
package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the on-disk configuration (TOML).
type Config struct {
	API       APIConfig       `toml:"api"`
	Database  DatabaseConfig  `toml:"database"`
	Lifecycle LifecycleConfig `toml:"lifecycle"`
	Gateway   GatewayConfig   `toml:"gateway"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

type APIConfig struct {
	Host           string  `toml:"host"`
	Port           int     `toml:"port"`
	RateLimitRPS   float64 `toml:"rate_limit_rps"` // 0 disables rate limiting
	RateLimitBurst int     `toml:"rate_limit_burst"`
	RequestTimeout string  `toml:"request_timeout"`
}

// Addr returns host:port.
func (c APIConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

type DatabaseConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "memory"
	Path   string `toml:"path"`
}

// LifecycleConfig holds the timing of the state machine. The cancellation
// window and the sweep staleness threshold are independent settings.
type LifecycleConfig struct {
	AutoCompleteWindow string `toml:"auto_complete_window"`
	SweepPeriod        string `toml:"sweep_period"`
	StaleThreshold     string `toml:"stale_threshold"`
	FinalizeTimeout    string `toml:"finalize_timeout"`
}

type GatewayConfig struct {
	FailureHandle     string `toml:"failure_handle"`
	PayeePattern      string `toml:"payee_pattern"`
	InitiationDelay   string `toml:"initiation_delay"`
	InitiationTimeout string `toml:"initiation_timeout"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8085,
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			RequestTimeout: "30s",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "txengine.db",
		},
		Lifecycle: LifecycleConfig{
			AutoCompleteWindow: "25s",
			SweepPeriod:        "30s",
			StaleThreshold:     "30s",
			FinalizeTimeout:    "10s",
		},
		Gateway: GatewayConfig{
			FailureHandle:     "254700000000",
			PayeePattern:      `^254\d{9}$`,
			InitiationDelay:   "1s",
			InitiationTimeout: "15s",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadConfig reads path over the defaults, then applies environment
// overrides. A missing file is not an error. A .env file in the working
// directory, if present, is loaded into the environment first.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefault writes the default configuration to path. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(DefaultConfig())
}

// ─── Environment Overrides ──────────────────────────────────────────────────

const envPrefix = "TXENGINE_"

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"API_HOST":                       &c.API.Host,
		"API_REQUEST_TIMEOUT":            &c.API.RequestTimeout,
		"DATABASE_DRIVER":                &c.Database.Driver,
		"DATABASE_PATH":                  &c.Database.Path,
		"LIFECYCLE_AUTO_COMPLETE_WINDOW": &c.Lifecycle.AutoCompleteWindow,
		"LIFECYCLE_SWEEP_PERIOD":         &c.Lifecycle.SweepPeriod,
		"LIFECYCLE_STALE_THRESHOLD":      &c.Lifecycle.StaleThreshold,
		"LIFECYCLE_FINALIZE_TIMEOUT":     &c.Lifecycle.FinalizeTimeout,
		"GATEWAY_FAILURE_HANDLE":         &c.Gateway.FailureHandle,
		"GATEWAY_PAYEE_PATTERN":          &c.Gateway.PayeePattern,
		"GATEWAY_INITIATION_DELAY":       &c.Gateway.InitiationDelay,
		"GATEWAY_INITIATION_TIMEOUT":     &c.Gateway.InitiationTimeout,
		"LOG_LEVEL":                      &c.Log.Level,
		"LOG_FORMAT":                     &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}

	if v, ok := lookup(envPrefix + "API_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sAPI_PORT: %w", envPrefix, err)
		}
		c.API.Port = n
	}
	if v, ok := lookup(envPrefix + "API_RATE_LIMIT_RPS"); ok {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sAPI_RATE_LIMIT_RPS: %w", envPrefix, err)
		}
		c.API.RateLimitRPS = n
	}
	if v, ok := lookup(envPrefix + "API_RATE_LIMIT_BURST"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sAPI_RATE_LIMIT_BURST: %w", envPrefix, err)
		}
		c.API.RateLimitBurst = n
	}
	if v, ok := lookup(envPrefix + "METRICS_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sMETRICS_ENABLED: %w", envPrefix, err)
		}
		c.Metrics.Enabled = b
	}
	return nil
}

// ─── Validation ─────────────────────────────────────────────────────────────

// Validate checks every field that would otherwise fail at startup.
func (c Config) Validate() error {
	var problems []string

	if c.API.Port < 1 || c.API.Port > 65535 {
		problems = append(problems, fmt.Sprintf("api.port %d out of range", c.API.Port))
	}
	if c.API.RateLimitRPS < 0 {
		problems = append(problems, "api.rate_limit_rps must not be negative")
	}
	switch c.Database.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Database.Path) == "" {
			problems = append(problems, "database.path is required for the sqlite driver")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q: want sqlite or memory", c.Database.Driver))
	}
	if _, err := regexp.Compile(c.Gateway.PayeePattern); err != nil {
		problems = append(problems, fmt.Sprintf("gateway.payee_pattern: %v", err))
	}

	durations := []struct{ name, value string }{
		{"api.request_timeout", c.API.RequestTimeout},
		{"lifecycle.auto_complete_window", c.Lifecycle.AutoCompleteWindow},
		{"lifecycle.sweep_period", c.Lifecycle.SweepPeriod},
		{"lifecycle.stale_threshold", c.Lifecycle.StaleThreshold},
		{"lifecycle.finalize_timeout", c.Lifecycle.FinalizeTimeout},
		{"gateway.initiation_timeout", c.Gateway.InitiationTimeout},
	}
	for _, d := range durations {
		if v, err := time.ParseDuration(d.value); err != nil || v <= 0 {
			problems = append(problems, fmt.Sprintf("%s %q must be a positive duration", d.name, d.value))
		}
	}
	if v, err := time.ParseDuration(c.Gateway.InitiationDelay); err != nil || v < 0 {
		problems = append(problems, fmt.Sprintf("gateway.initiation_delay %q must be a non-negative duration", c.Gateway.InitiationDelay))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// duration parses a field already checked by Validate.
func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
