// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the dispatch service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/m3r33/izues/internal/relay"
)

// Defaults.
const (
	defaultListen         = ":8080"
	defaultQuota          = 2
	defaultConnectTimeout = 30 * time.Second
	defaultSendTimeout    = 60 * time.Second
	defaultVerifyTimeout  = 15 * time.Second
	defaultBacklogPath    = "unsent_emails.json"
)

// Config holds the complete application configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Backlog  BacklogConfig  `yaml:"backlog"`
	Retry    RetryConfig    `yaml:"retry"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// HTTPConfig holds API server configuration.
type HTTPConfig struct {
	Listen        string        `yaml:"listen"`
	EnableTLS     bool          `yaml:"enable_tls"`
	CertFile      string        `yaml:"cert_file"`
	KeyFile       string        `yaml:"key_file"`
	VerifyTimeout time.Duration `yaml:"verify_timeout"`
}

// DispatchConfig tunes the dispatch engine and the SMTP relay client.
type DispatchConfig struct {
	Quota              int           `yaml:"quota"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	SendTimeout        time.Duration `yaml:"send_timeout"`
	MaxParallel        int           `yaml:"max_parallel"`
	HeloName           string        `yaml:"helo_name"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// BacklogConfig locates the backlog file.
type BacklogConfig struct {
	Path string `yaml:"path"`
}

// RetryConfig schedules backlog-only runs. An empty schedule disables them.
type RetryConfig struct {
	Schedule string         `yaml:"schedule"`
	Timeout  time.Duration  `yaml:"timeout"`
	From     string         `yaml:"from"`
	Subject  string         `yaml:"subject"`
	Message  string         `yaml:"message"`
	Relays   []relay.Config `yaml:"relays"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// RetryEnabled returns true if a retry schedule is configured.
func (c *Config) RetryEnabled() bool {
	return strings.TrimSpace(c.Retry.Schedule) != ""
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Listen == "" {
		errs = append(errs, errors.New("http.listen must not be empty"))
	}
	if (c.HTTP.CertFile == "") != (c.HTTP.KeyFile == "") {
		errs = append(errs, errors.New("http.cert_file and http.key_file must be set together"))
	}
	if c.HTTP.VerifyTimeout <= 0 {
		errs = append(errs, errors.New("http.verify_timeout must be positive"))
	}
	if c.Dispatch.Quota < 1 {
		errs = append(errs, fmt.Errorf("dispatch.quota must be at least 1, got %d", c.Dispatch.Quota))
	}
	if c.Dispatch.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("dispatch.connect_timeout must be positive"))
	}
	if c.Dispatch.SendTimeout <= 0 {
		errs = append(errs, errors.New("dispatch.send_timeout must be positive"))
	}
	if c.Dispatch.MaxParallel < 0 {
		errs = append(errs, errors.New("dispatch.max_parallel must not be negative"))
	}
	if c.Backlog.Path == "" {
		errs = append(errs, errors.New("backlog.path must not be empty"))
	}

	if c.RetryEnabled() {
		if c.Retry.From == "" || c.Retry.Subject == "" || c.Retry.Message == "" {
			errs = append(errs, errors.New("retry.from, retry.subject and retry.message are required when retry.schedule is set"))
		}
		if len(c.Retry.Relays) == 0 {
			errs = append(errs, errors.New("retry.relays must not be empty when retry.schedule is set"))
		}
		if c.Retry.Timeout < 0 {
			errs = append(errs, errors.New("retry.timeout must not be negative"))
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.HTTP.Listen = defaultListen
	c.HTTP.VerifyTimeout = defaultVerifyTimeout
	c.Dispatch.Quota = defaultQuota
	c.Dispatch.ConnectTimeout = defaultConnectTimeout
	c.Dispatch.SendTimeout = defaultSendTimeout
	c.Backlog.Path = defaultBacklogPath
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values. Malformed
// numbers, booleans and durations are reported rather than ignored.
func (c *Config) applyEnvVars() error {
	var errs []error

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("HTTP_LISTEN", &c.HTTP.Listen)
	flag("HTTP_ENABLE_TLS", &c.HTTP.EnableTLS)
	str("TLS_CERT_FILE", &c.HTTP.CertFile)
	str("TLS_KEY_FILE", &c.HTTP.KeyFile)
	dur("HTTP_VERIFY_TIMEOUT", &c.HTTP.VerifyTimeout)

	num("DISPATCH_QUOTA", &c.Dispatch.Quota)
	dur("DISPATCH_CONNECT_TIMEOUT", &c.Dispatch.ConnectTimeout)
	dur("DISPATCH_SEND_TIMEOUT", &c.Dispatch.SendTimeout)
	num("DISPATCH_MAX_PARALLEL", &c.Dispatch.MaxParallel)
	str("DISPATCH_HELO_NAME", &c.Dispatch.HeloName)
	flag("DISPATCH_INSECURE_SKIP_VERIFY", &c.Dispatch.InsecureSkipVerify)

	str("BACKLOG_PATH", &c.Backlog.Path)

	str("RETRY_SCHEDULE", &c.Retry.Schedule)
	dur("RETRY_TIMEOUT", &c.Retry.Timeout)
	str("RETRY_FROM", &c.Retry.From)
	str("RETRY_SUBJECT", &c.Retry.Subject)
	str("RETRY_MESSAGE", &c.Retry.Message)

	// RETRY_RELAYS holds a YAML (or JSON) list of relay configs.
	if v := os.Getenv("RETRY_RELAYS"); v != "" {
		var relays []relay.Config
		if err := yaml.Unmarshal([]byte(v), &relays); err != nil {
			errs = append(errs, fmt.Errorf("invalid RETRY_RELAYS: %w", err))
		} else {
			c.Retry.Relays = relays
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	return errors.Join(errs...)
}
