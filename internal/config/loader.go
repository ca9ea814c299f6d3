package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when neither a flag nor $SRL_CONFIG names a file.
const DefaultConfigPath = "srl.yaml"

// Defaults applied to every Config before the file is decoded.
const (
	DefaultRulesFile     = "rules.yaml"
	DefaultQueryTimeout  = 30 * time.Second
	DefaultNotifyTimeout = 10 * time.Second
	DefaultStopTimeout   = 60 * time.Second
	DefaultMaxAttempts   = 3
	DefaultBaseDelay     = 500 * time.Millisecond
	DefaultMaxDelay      = 10 * time.Second
	DefaultWatchInterval = 5 * time.Second
	DefaultSweepInterval = 15 * time.Minute
	DefaultNotifyBurst   = 5

	DefaultAzureManagementEndpoint = "https://management.azure.com"
	DefaultAzureLoginEndpoint      = "https://login.microsoftonline.com"
)

// FileLoader is the production Loader. It reads a YAML file, tolerating its
// absence, and layers environment overrides on top.
type FileLoader struct {
	path    string
	environ []string
}

// NewFileLoader returns a loader for path. An empty path resolves to
// $SRL_CONFIG, then DefaultConfigPath.
func NewFileLoader(path string) *FileLoader {
	return NewFileLoaderWithEnv(path, os.Environ())
}

// NewFileLoaderWithEnv is NewFileLoader with an explicit environment, for tests.
func NewFileLoaderWithEnv(path string, environ []string) *FileLoader {
	if path == "" {
		path = envMap(environ)["SRL_CONFIG"]
	}
	if path == "" {
		path = DefaultConfigPath
	}
	return &FileLoader{path: path, environ: environ}
}

// ConfigPath implements Loader.
func (l *FileLoader) ConfigPath() string { return l.path }

// Load implements Loader. A missing file is not an error: the defaults plus
// environment overrides are returned.
func (l *FileLoader) Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(l.path)
	switch {
	case err == nil:
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", l.path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", l.path, err)
	}

	if err := applyEnvOverrides(cfg, l.environ); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		RulesFile: DefaultRulesFile,
		Log:       LogConfig{Level: "info", Format: "text"},
		Store:     StoreConfig{SweepInterval: DefaultSweepInterval},
		Timeouts: TimeoutConfig{
			Query:  DefaultQueryTimeout,
			Notify: DefaultNotifyTimeout,
			Stop:   DefaultStopTimeout,
		},
		Retry: RetryConfig{
			MaxAttempts: DefaultMaxAttempts,
			BaseDelay:   DefaultBaseDelay,
			MaxDelay:    DefaultMaxDelay,
		},
		Watch:  WatchConfig{Enabled: true, Interval: DefaultWatchInterval},
		Notify: NotifyConfig{Burst: DefaultNotifyBurst},
		Azure: AzureConfig{
			ManagementEndpoint: DefaultAzureManagementEndpoint,
			LoginEndpoint:      DefaultAzureLoginEndpoint,
		},
		SMTP: SMTPConfig{Port: 587},
	}
}

// Validate checks the resolved configuration.
func (c *Config) Validate() error {
	var problems []string
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres", "redis":
	default:
		problems = append(problems, fmt.Sprintf("store.driver: unsupported value %q", c.Store.Driver))
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		problems = append(problems, fmt.Sprintf("store.dsn: required for driver %q", c.Store.Driver))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format: unsupported value %q", c.Log.Format))
	}
	if c.Timeouts.Shutdown < 0 {
		problems = append(problems, "timeouts.shutdown: must be >= 0")
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts: must be >= 1")
	}
	for name, d := range map[string]time.Duration{
		"timeouts.query":  c.Timeouts.Query,
		"timeouts.notify": c.Timeouts.Notify,
		"timeouts.stop":   c.Timeouts.Stop,
	} {
		if d <= 0 {
			problems = append(problems, name+": must be > 0")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid app config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// normalize fills values that depend on other fields.
func (c *Config) normalize() {
	if c.Store.Driver == "" {
		c.Store.Driver = inferDriver(c.Store.DSN)
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Watch.Interval <= 0 {
		c.Watch.Interval = DefaultWatchInterval
	}
	if c.Store.SweepInterval <= 0 {
		c.Store.SweepInterval = DefaultSweepInterval
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		c.Retry.MaxDelay = c.Retry.BaseDelay
	}
}

// inferDriver guesses the store driver from a DSN.
func inferDriver(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case lower == "":
		return "memory"
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(lower, "redis://"), strings.HasPrefix(lower, "rediss://"):
		return "redis"
	default:
		return "sqlite"
	}
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
