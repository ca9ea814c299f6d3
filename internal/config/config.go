package config

import "time"

// Config is the top-level application configuration for srl.
// It is loaded from srl.yaml (or $SRL_CONFIG) and must never be committed
// with real secrets; secrets are normally supplied through the environment.
//
// The rules document itself (ServerlessRateLimiterOptions) lives in a
// separate file referenced by RulesFile and is handled by package policy.
type Config struct {
	// RulesFile is the path of the rules document.
	RulesFile string `yaml:"rules_file" json:"rules_file"`

	Log        LogConfig        `yaml:"log"        json:"log"`
	Store      StoreConfig      `yaml:"store"      json:"store"`
	Timeouts   TimeoutConfig    `yaml:"timeouts"   json:"timeouts"`
	Retry      RetryConfig      `yaml:"retry"      json:"retry"`
	Admin      AdminConfig      `yaml:"admin"      json:"admin"`
	Watch      WatchConfig      `yaml:"watch"      json:"watch"`
	Notify     NotifyConfig     `yaml:"notify"     json:"notify"`
	AWS        AWSConfig        `yaml:"aws"        json:"aws"`
	Azure      AzureConfig      `yaml:"azure"      json:"azure"`
	Kubernetes KubernetesConfig `yaml:"kubernetes" json:"kubernetes"`
	SMTP       SMTPConfig       `yaml:"smtp"       json:"smtp"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	// Level is a logrus level name: trace, debug, info, warn, error.
	Level string `yaml:"level" json:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format" json:"format"`
}

// StoreConfig selects the notification record backend.
type StoreConfig struct {
	// Driver is one of "memory", "sqlite", "postgres", or "redis".
	// When empty it is inferred from DSN.
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the connection string for sqlite/postgres, or the address
	// (host:port or redis:// URL) for redis.
	DSN string `yaml:"dsn" json:"dsn"`

	// Password is used by the redis driver only.
	Password string `yaml:"password" json:"-"`

	// SweepInterval controls how often expired records are removed.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// TimeoutConfig bounds each external call made during an evaluation.
type TimeoutConfig struct {
	Query  time.Duration `yaml:"query"  json:"query"`
	Notify time.Duration `yaml:"notify" json:"notify"`
	Stop   time.Duration `yaml:"stop"   json:"stop"`

	// Shutdown bounds how long in-flight firings may run after a stop
	// signal. Zero derives it from the call timeouts and the retry policy.
	Shutdown time.Duration `yaml:"shutdown" json:"shutdown"`
}

// RetryConfig bounds the exponential backoff applied to transient failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"   json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"    json:"max_delay"`
}

// AdminConfig configures the local admin HTTP API.
type AdminConfig struct {
	// Listen is the address the admin API binds to. Empty disables it.
	Listen string `yaml:"listen" json:"listen"`
}

// WatchConfig configures hot reload of the rules file.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"  json:"enabled"`
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// NotifyConfig throttles outbound notifications per channel.
type NotifyConfig struct {
	// RatePerMinute is the sustained send rate allowed per channel.
	// Zero disables throttling.
	RatePerMinute float64 `yaml:"rate_per_minute" json:"rate_per_minute"`

	// Burst is the number of sends allowed above the sustained rate.
	Burst int `yaml:"burst" json:"burst"`
}

// AWSConfig holds AWS-specific defaults used when a target does not name them.
type AWSConfig struct {
	// DefaultProfile is the shared-config profile used for every AWS call.
	DefaultProfile string `yaml:"default_profile" json:"default_profile"`

	// DefaultRegion is used when the profile has no region configured.
	DefaultRegion string `yaml:"default_region" json:"default_region"`
}

// AzureConfig holds the service principal used for Azure Resource Manager.
type AzureConfig struct {
	TenantID     string `yaml:"tenant_id"     json:"tenant_id"`
	ClientID     string `yaml:"client_id"     json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"-"`

	// ManagementEndpoint and LoginEndpoint default to the public cloud.
	ManagementEndpoint string `yaml:"management_endpoint" json:"management_endpoint"`
	LoginEndpoint      string `yaml:"login_endpoint"      json:"login_endpoint"`
}

// Configured reports whether enough credentials are present to call Azure.
func (a AzureConfig) Configured() bool {
	return a.TenantID != "" && a.ClientID != "" && a.ClientSecret != ""
}

// KubernetesConfig configures kubeconfig resolution.
type KubernetesConfig struct {
	// Kubeconfig overrides $KUBECONFIG / ~/.kube/config.
	Kubeconfig string `yaml:"kubeconfig" json:"kubeconfig"`
}

// SMTPConfig configures the Email notification channel.
type SMTPConfig struct {
	Host     string `yaml:"host"     json:"host"`
	Port     int    `yaml:"port"     json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	From     string `yaml:"from"     json:"from"`
}

// Loader is the interface for reading Config from disk.
// The default implementation reads srl.yaml or the file named by $SRL_CONFIG.
type Loader interface {
	// Load reads and parses the configuration file, applies defaults and
	// environment overrides.
	Load() (*Config, error)

	// ConfigPath returns the path to the configuration file.
	ConfigPath() string
}
