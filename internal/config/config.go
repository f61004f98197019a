// Package config loads the daemon's system settings: a flat KEY=VALUE file
// with environment-variable override. The monitored target list is a
// separate file owned by the registry package.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the daemon honors. Durations are converted
// from the second/millisecond units the settings file uses.
type Config struct {
	// Probing defaults (per-target settings override these).
	DefaultInterval time.Duration
	DefaultTimeout  time.Duration

	// Scheduler.
	MaxConcurrentChecks int
	ScanTick            time.Duration
	MaintenanceInterval time.Duration
	UptimeWindow        time.Duration

	// Probe classification thresholds.
	ContentCheckEnabled bool
	SlowThreshold       time.Duration
	CriticalThreshold   time.Duration

	// Retry controller.
	MaxRetryAttempts int
	RetryDelay       time.Duration

	// Circuit breaker.
	BreakerThreshold int
	BreakerTimeout   time.Duration

	// Event log.
	LogRetentionDays int
	LogMaxSizeMB     int
	LogMaxBackups    int

	// Supervisor.
	HealthCheckInterval time.Duration
	HealthMaxFailures   int

	// Process surfaces.
	LogLevel    string
	DataDir     string
	TargetsFile string
	APIAddr     string
	UserAgent   string
}

// Load reads the settings file at path (missing file means defaults only)
// and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("env")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings %s: %w", path, err)
		}
	}

	v.SetDefault("DEFAULT_INTERVAL", 60)
	v.SetDefault("DEFAULT_TIMEOUT", 10)
	v.SetDefault("MAX_CONCURRENT_CHECKS", 5)
	v.SetDefault("SCAN_TICK", 2)
	v.SetDefault("MAINTENANCE_INTERVAL", 3600)
	v.SetDefault("UPTIME_WINDOW", 86400)
	v.SetDefault("CONTENT_CHECK_ENABLED", true)
	v.SetDefault("SLOW_RESPONSE_THRESHOLD", 2000)
	v.SetDefault("CRITICAL_RESPONSE_THRESHOLD", 5000)
	v.SetDefault("MAX_RETRY_ATTEMPTS", 3)
	v.SetDefault("RETRY_DELAY", 2)
	v.SetDefault("CIRCUIT_BREAKER_THRESHOLD", 5)
	v.SetDefault("CIRCUIT_BREAKER_TIMEOUT", 300)
	v.SetDefault("LOG_RETENTION_DAYS", 30)
	v.SetDefault("LOG_MAX_SIZE_MB", 10)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("HEALTH_CHECK_INTERVAL", 30)
	v.SetDefault("HEALTH_MAX_FAILURES", 3)
	v.SetDefault("LOG_LEVEL", "INFO")
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("TARGETS_FILE", "targets.conf")
	v.SetDefault("API_ADDR", "127.0.0.1:8090")
	v.SetDefault("USER_AGENT", "site-monitor/1.0")

	v.AutomaticEnv()

	cfg := &Config{
		DefaultInterval:     seconds(v.GetInt("DEFAULT_INTERVAL")),
		DefaultTimeout:      seconds(v.GetInt("DEFAULT_TIMEOUT")),
		MaxConcurrentChecks: v.GetInt("MAX_CONCURRENT_CHECKS"),
		ScanTick:            seconds(v.GetInt("SCAN_TICK")),
		MaintenanceInterval: seconds(v.GetInt("MAINTENANCE_INTERVAL")),
		UptimeWindow:        seconds(v.GetInt("UPTIME_WINDOW")),
		ContentCheckEnabled: v.GetBool("CONTENT_CHECK_ENABLED"),
		SlowThreshold:       millis(v.GetInt("SLOW_RESPONSE_THRESHOLD")),
		CriticalThreshold:   millis(v.GetInt("CRITICAL_RESPONSE_THRESHOLD")),
		MaxRetryAttempts:    v.GetInt("MAX_RETRY_ATTEMPTS"),
		RetryDelay:          seconds(v.GetInt("RETRY_DELAY")),
		BreakerThreshold:    v.GetInt("CIRCUIT_BREAKER_THRESHOLD"),
		BreakerTimeout:      seconds(v.GetInt("CIRCUIT_BREAKER_TIMEOUT")),
		LogRetentionDays:    v.GetInt("LOG_RETENTION_DAYS"),
		LogMaxSizeMB:        v.GetInt("LOG_MAX_SIZE_MB"),
		LogMaxBackups:       v.GetInt("LOG_MAX_BACKUPS"),
		HealthCheckInterval: seconds(v.GetInt("HEALTH_CHECK_INTERVAL")),
		HealthMaxFailures:   v.GetInt("HEALTH_MAX_FAILURES"),
		LogLevel:            v.GetString("LOG_LEVEL"),
		DataDir:             v.GetString("DATA_DIR"),
		TargetsFile:         v.GetString("TARGETS_FILE"),
		APIAddr:             v.GetString("API_ADDR"),
		UserAgent:           v.GetString("USER_AGENT"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the scheduler cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.DefaultInterval < 10*time.Second:
		return fmt.Errorf("DEFAULT_INTERVAL must be >= 10s, got %s", c.DefaultInterval)
	case c.DefaultTimeout < time.Second:
		return fmt.Errorf("DEFAULT_TIMEOUT must be >= 1s, got %s", c.DefaultTimeout)
	case c.MaxConcurrentChecks < 1:
		return fmt.Errorf("MAX_CONCURRENT_CHECKS must be >= 1, got %d", c.MaxConcurrentChecks)
	case c.ScanTick < time.Second:
		return fmt.Errorf("SCAN_TICK must be >= 1s, got %s", c.ScanTick)
	case c.MaxRetryAttempts < 1:
		return fmt.Errorf("MAX_RETRY_ATTEMPTS must be >= 1, got %d", c.MaxRetryAttempts)
	case c.BreakerThreshold < 1:
		return fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD must be >= 1, got %d", c.BreakerThreshold)
	case c.LogRetentionDays < 1:
		return fmt.Errorf("LOG_RETENTION_DAYS must be >= 1, got %d", c.LogRetentionDays)
	case c.SlowThreshold > c.CriticalThreshold:
		return fmt.Errorf("SLOW_RESPONSE_THRESHOLD (%s) must not exceed CRITICAL_RESPONSE_THRESHOLD (%s)",
			c.SlowThreshold, c.CriticalThreshold)
	}
	switch c.LogLevel {
	case "ERROR", "WARN", "INFO", "DEBUG":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of ERROR|WARN|INFO|DEBUG, got %q", c.LogLevel)
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
