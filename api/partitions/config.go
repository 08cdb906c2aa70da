// //////////////////////////////////////////////////////////
//
// Description:
// Configuration for the ledger partition subsystem. Settings load once at
// startup from a TOML file with environment overrides; nothing else in the
// package reads the environment.
//
// Created: 2026/03/02 based on Documents/partman-v1.md
// //////////////////////////////////////////////////////////
package partitions

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Location codes for config operations
const (
	LOC_CFG_LOAD  = "UNF_PRT_010"
	LOC_CFG_VALID = "UNF_PRT_011"
)

// ConfigPathEnv names the environment variable holding the config file path.
const ConfigPathEnv = "PARTMAN_CONFIG"

// Config holds every setting the subsystem reads.
type Config struct {
	// Partition management
	LookAheadDays            int  `mapstructure:"look_ahead_days"`
	InitialBackfillDays      int  `mapstructure:"initial_backfill_days"`
	SkipProvisioning         bool `mapstructure:"skip_provisioning"`
	IgnoreProvisioningErrors bool `mapstructure:"ignore_provisioning_errors"`

	// Sweep cadence and retry policy
	SweepFrequencySecs   int `mapstructure:"sweep_frequency_secs"`
	ProvisionTimeoutSecs int `mapstructure:"provision_timeout_secs"`
	ProvisionRetries     int `mapstructure:"provision_retries"`
	RetryBackoffMsecs    int `mapstructure:"retry_backoff_msecs"`

	// PostgreSQL connection
	PGHost     string `mapstructure:"pg_host"`
	PGPort     int    `mapstructure:"pg_port"`
	PGUser     string `mapstructure:"pg_user"`
	PGPassword string `mapstructure:"pg_password"`
	PGDatabase string `mapstructure:"pg_database"`
	PGSSLMode  string `mapstructure:"pg_sslmode"`

	// Monitor endpoint; empty disables the listener
	MonitorListen      string `mapstructure:"monitor_listen"`
	MonitorTokenSecret string `mapstructure:"monitor_token_secret"`

	// Daemon. An empty log_dir keeps log output on stdout only; when set,
	// output is mirrored into a ring of log_files files of log_max_size_mb
	// each under that directory.
	LogFormat    string `mapstructure:"log_format"`
	LogDir       string `mapstructure:"log_dir"`
	LogMaxSizeMB int    `mapstructure:"log_max_size_mb"`
	LogFiles     int    `mapstructure:"log_files"`
	PIDFile      string `mapstructure:"pid_file"`
}

// LoadConfig reads the TOML file named by $PARTMAN_CONFIG, applies
// environment overrides and validates the result.
func LoadConfig() (*Config, error) {
	path := os.Getenv(ConfigPathEnv)
	if path == "" {
		return nil, &ConfigurationError{Field: ConfigPathEnv, Reason: "environment variable not set"}
	}
	return LoadConfigFile(path)
}

// LoadConfigFile reads one specific TOML config file.
func LoadConfigFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	setDefaults(v)
	bindEnvOverrides(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w (%s)", path, err, LOC_CFG_LOAD)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w (%s)", path, err, LOC_CFG_LOAD)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("look_ahead_days", 7)
	v.SetDefault("initial_backfill_days", 0)
	v.SetDefault("skip_provisioning", false)
	v.SetDefault("ignore_provisioning_errors", false)
	v.SetDefault("sweep_frequency_secs", 3600)
	v.SetDefault("provision_timeout_secs", 30)
	v.SetDefault("provision_retries", 2)
	v.SetDefault("retry_backoff_msecs", 500)
	v.SetDefault("pg_port", 5432)
	v.SetDefault("pg_sslmode", "disable")
	v.SetDefault("log_format", "text")
	v.SetDefault("log_max_size_mb", 10)
	v.SetDefault("log_files", 5)
	v.SetDefault("pid_file", "/tmp/partman.pid")
}

// bindEnvOverrides lets deployments override the checked-in TOML without
// editing it. Secrets in particular arrive this way.
func bindEnvOverrides(v *viper.Viper) {
	v.BindEnv("pg_host", "PG_HOST")
	v.BindEnv("pg_port", "PG_PORT")
	v.BindEnv("pg_user", "PG_USER_NAME")
	v.BindEnv("pg_password", "PG_PASSWORD")
	v.BindEnv("pg_database", "PG_DB_NAME")
	v.BindEnv("look_ahead_days", "LOOK_AHEAD_DAYS")
	v.BindEnv("initial_backfill_days", "INITIAL_BACKFILL_DAYS")
	v.BindEnv("skip_provisioning", "SKIP_PROVISIONING")
	v.BindEnv("ignore_provisioning_errors", "IGNORE_PROVISIONING_ERRORS")
	v.BindEnv("monitor_listen", "MONITOR_LISTEN")
	v.BindEnv("monitor_token_secret", "MONITOR_TOKEN_SECRET")
	v.BindEnv("log_dir", "LOG_DIR")
}

// Validate checks every field range. Each violation is a *ConfigurationError
// naming the offending field.
func (c *Config) Validate() error {
	if c.LookAheadDays < 1 {
		return &ConfigurationError{Field: "look_ahead_days",
			Reason: fmt.Sprintf("must be at least 1, got %d (%s)", c.LookAheadDays, LOC_CFG_VALID)}
	}
	if c.InitialBackfillDays < 0 {
		return &ConfigurationError{Field: "initial_backfill_days",
			Reason: fmt.Sprintf("must not be negative, got %d (%s)", c.InitialBackfillDays, LOC_CFG_VALID)}
	}
	if c.SweepFrequencySecs < 60 {
		return &ConfigurationError{Field: "sweep_frequency_secs",
			Reason: fmt.Sprintf("must be at least 60, got %d (%s)", c.SweepFrequencySecs, LOC_CFG_VALID)}
	}
	if c.ProvisionTimeoutSecs < 1 {
		return &ConfigurationError{Field: "provision_timeout_secs",
			Reason: fmt.Sprintf("must be at least 1, got %d (%s)", c.ProvisionTimeoutSecs, LOC_CFG_VALID)}
	}
	if c.ProvisionRetries < 0 {
		return &ConfigurationError{Field: "provision_retries",
			Reason: fmt.Sprintf("must not be negative, got %d (%s)", c.ProvisionRetries, LOC_CFG_VALID)}
	}
	if c.RetryBackoffMsecs < 1 {
		return &ConfigurationError{Field: "retry_backoff_msecs",
			Reason: fmt.Sprintf("must be at least 1, got %d (%s)", c.RetryBackoffMsecs, LOC_CFG_VALID)}
	}
	if c.PGHost == "" {
		return &ConfigurationError{Field: "pg_host", Reason: "required"}
	}
	if c.PGUser == "" {
		return &ConfigurationError{Field: "pg_user", Reason: "required"}
	}
	if c.PGDatabase == "" {
		return &ConfigurationError{Field: "pg_database", Reason: "required"}
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json", "pretty":
	default:
		return &ConfigurationError{Field: "log_format",
			Reason: fmt.Sprintf("must be text, json or pretty, got %q (%s)", c.LogFormat, LOC_CFG_VALID)}
	}
	if c.LogDir != "" {
		if c.LogMaxSizeMB < 1 {
			return &ConfigurationError{Field: "log_max_size_mb",
				Reason: fmt.Sprintf("must be at least 1, got %d (%s)", c.LogMaxSizeMB, LOC_CFG_VALID)}
		}
		if c.LogFiles < 1 {
			return &ConfigurationError{Field: "log_files",
				Reason: fmt.Sprintf("must be at least 1, got %d (%s)", c.LogFiles, LOC_CFG_VALID)}
		}
	}
	return nil
}

// Mode derives the guard mode from the two provisioning flags.
func (c *Config) Mode() GuardMode {
	switch {
	case c.SkipProvisioning:
		return ModeDisabled
	case c.IgnoreProvisioningErrors:
		return ModeLenient
	default:
		return ModeStrict
	}
}

// ConnectionString renders the lib/pq DSN.
func (c *Config) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PGHost, c.PGPort, c.PGUser, c.PGPassword, c.PGDatabase, c.PGSSLMode)
}

func (c *Config) SweepFrequency() time.Duration {
	return time.Duration(c.SweepFrequencySecs) * time.Second
}

func (c *Config) ProvisionTimeout() time.Duration {
	return time.Duration(c.ProvisionTimeoutSecs) * time.Second
}

func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMsecs) * time.Millisecond
}
