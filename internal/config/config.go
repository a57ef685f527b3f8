package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration for a
// manager or worker process.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	SplitLog   SplitLogConfig   `yaml:"splitlog"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
}

// SplitLogConfig carries every tunable the coordination protocol itself
// depends on: how to reach the coordination store, and the manager-side
// timeouts and resubmit budget.
type SplitLogConfig struct {
	ZK                       ZKConfig      `yaml:"zk"`
	MaxResubmit              int           `yaml:"max_resubmit"`
	ManagerTimeout           time.Duration `yaml:"manager_timeout"`
	ManagerUnassignedTimeout time.Duration `yaml:"manager_unassigned_timeout"`
	TimeoutMonitorPeriod     time.Duration `yaml:"timeoutmonitor_period"`
}

// ZKConfig describes how to connect to the coordination store.
type ZKConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	Retries        int           `yaml:"retries"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Structured bool           `yaml:"structured"`
	Format     string         `yaml:"format"`
	Sampling   SamplingConfig `yaml:"sampling"`
}

// SamplingConfig represents log sampling settings
type SamplingConfig struct {
	Enabled bool `yaml:"enabled"`
	Rate    int  `yaml:"rate"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			MetricsPort: 8080,
			HealthPort:  8081,
		},
		SplitLog: SplitLogConfig{
			ZK: ZKConfig{
				Servers:        []string{"localhost:2181"},
				SessionTimeout: 10 * time.Second,
				Retries:        3,
			},
			MaxResubmit:              3,
			ManagerTimeout:           5 * time.Minute,
			ManagerUnassignedTimeout: 3 * time.Minute,
			TimeoutMonitorPeriod:     30 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Port:    9090,
			},
			Logging: LoggingConfig{
				Structured: true,
				Format:     "json",
				Sampling: SamplingConfig{
					Enabled: true,
					Rate:    1000,
				},
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("SPLITLOG_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("SPLITLOG_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("SPLITLOG_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}

	if val := os.Getenv("SPLITLOG_ZK_SERVERS"); val != "" {
		c.SplitLog.ZK.Servers = strings.Split(val, ",")
	}
	if val := os.Getenv("SPLITLOG_ZK_SESSION_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.SplitLog.ZK.SessionTimeout = d
		}
	}
	if val := os.Getenv("SPLITLOG_ZK_RETRIES"); val != "" {
		if retries, err := strconv.Atoi(val); err == nil {
			c.SplitLog.ZK.Retries = retries
		}
	}
	if val := os.Getenv("SPLITLOG_MAX_RESUBMIT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.SplitLog.MaxResubmit = n
		}
	}
	if val := os.Getenv("SPLITLOG_MANAGER_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.SplitLog.ManagerTimeout = d
		}
	}
	if val := os.Getenv("SPLITLOG_MANAGER_UNASSIGNED_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.SplitLog.ManagerUnassignedTimeout = d
		}
	}
	if val := os.Getenv("SPLITLOG_TIMEOUTMONITOR_PERIOD"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.SplitLog.TimeoutMonitorPeriod = d
		}
	}

	if val := os.Getenv("SPLITLOG_METRICS_ENABLED"); val != "" {
		c.Monitoring.Metrics.Enabled = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if len(c.SplitLog.ZK.Servers) == 0 {
		return fmt.Errorf("splitlog.zk.servers must not be empty")
	}

	if c.SplitLog.ZK.SessionTimeout <= 0 {
		return fmt.Errorf("splitlog.zk.session_timeout must be greater than 0")
	}

	if c.SplitLog.MaxResubmit < 0 {
		return fmt.Errorf("splitlog.max_resubmit must not be negative")
	}

	if c.SplitLog.ManagerTimeout <= 0 {
		return fmt.Errorf("splitlog.manager_timeout must be greater than 0")
	}

	if c.SplitLog.ManagerUnassignedTimeout <= 0 {
		return fmt.Errorf("splitlog.manager_unassigned_timeout must be greater than 0")
	}

	if c.SplitLog.TimeoutMonitorPeriod <= 0 {
		return fmt.Errorf("splitlog.timeoutmonitor_period must be greater than 0")
	}

	if c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
