package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"probeflow/internal/domain"
)

type LogConfig struct {
	Level      string `yaml:"level"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
}

type ControlConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// RunnerConfig describes how one task type is executed. Kind is "command" or "http".
type RunnerConfig struct {
	Kind               string            `yaml:"kind"`
	Command            string            `yaml:"command"`
	Args               []string          `yaml:"args"`
	Dir                string            `yaml:"dir"`
	URL                string            `yaml:"url"`
	Method             string            `yaml:"method"`
	Headers            map[string]string `yaml:"headers"`
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify"`
}

type Config struct {
	HTTPAddr           string                                   `yaml:"http_addr"`
	DBPath             string                                   `yaml:"db_path"`
	ReportsDir         string                                   `yaml:"reports_dir"`
	MaxConcurrentTasks int                                      `yaml:"max_concurrent_tasks"`
	DefaultTimeoutMs   int64                                    `yaml:"default_timeout"`
	DefaultMaxRetries  int                                      `yaml:"default_max_retries"`
	RetryDelay         time.Duration                            `yaml:"retry_delay"`
	MaxQueued          int                                      `yaml:"max_queued"`
	Log                LogConfig                                `yaml:"log"`
	Control            ControlConfig                            `yaml:"control"`
	Targets            map[string]string                        `yaml:"targets"`
	Runners            map[domain.TaskType]RunnerConfig         `yaml:"runners"`
	Schedule           map[domain.TaskType]domain.ScheduleEntry `yaml:"schedule"`
}

func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}

func (c *Config) Target(name string) string { return c.Targets[name] }

// Load reads a YAML config file. It always returns a usable configuration: a
// missing or malformed file yields the defaults, and invalid individual values
// are replaced by their defaults. A non-nil error explains what was replaced.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Default(), fmt.Errorf("read config %s, using defaults: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return Default(), fmt.Errorf("parse config %s, using defaults: %w", path, err)
	}
	return cfg, cfg.sanitize()
}

func Default() *Config {
	return &Config{
		HTTPAddr:           ":8444",
		DBPath:             "probeflow.db",
		ReportsDir:         "automation_reports",
		MaxConcurrentTasks: 3,
		DefaultTimeoutMs:   300000,
		DefaultMaxRetries:  domain.DefaultMaxRetries,
		RetryDelay:         5 * time.Second,
		Log:                LogConfig{Level: "info", Dir: "automation_logs", MaxSizeMB: 100, MaxAgeDays: 14, MaxBackups: 7},
		Control:            ControlConfig{RatePerSecond: 5, Burst: 10},
		Targets: map[string]string{
			"local":  "https://localhost:8443",
			"health": "https://localhost:8443/health",
		},
		Runners:  defaultRunners(),
		Schedule: domain.DefaultSchedule(),
	}
}

func defaultRunners() map[domain.TaskType]RunnerConfig {
	rs := map[domain.TaskType]RunnerConfig{
		domain.TypeHealth: {Kind: "http", URL: "https://localhost:8443/health", InsecureSkipVerify: true},
	}
	for _, t := range []domain.TaskType{domain.TypeSecurity, domain.TypePerformance, domain.TypeContent, domain.TypeVisual} {
		rs[t] = RunnerConfig{
			Kind:    "command",
			Command: "node",
			Args:    []string{"automation_scripts/advanced_ai_automation.js", "{{type}}", "{{target}}"},
		}
	}
	return rs
}

func (c *Config) sanitize() error {
	def := Default()
	var errs []error

	if c.HTTPAddr == "" {
		c.HTTPAddr = def.HTTPAddr
	}
	if c.DBPath == "" {
		c.DBPath = def.DBPath
	}
	if c.ReportsDir == "" {
		c.ReportsDir = def.ReportsDir
	}
	if c.MaxConcurrentTasks <= 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_tasks %d invalid, using %d", c.MaxConcurrentTasks, def.MaxConcurrentTasks))
		c.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if c.DefaultTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("default_timeout %d invalid, using %d", c.DefaultTimeoutMs, def.DefaultTimeoutMs))
		c.DefaultTimeoutMs = def.DefaultTimeoutMs
	}
	if c.DefaultMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("default_max_retries %d invalid, using %d", c.DefaultMaxRetries, def.DefaultMaxRetries))
		c.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.MaxQueued < 0 {
		c.MaxQueued = 0
	}
	if c.Control.RatePerSecond <= 0 {
		c.Control.RatePerSecond = def.Control.RatePerSecond
	}
	if c.Control.Burst <= 0 {
		c.Control.Burst = def.Control.Burst
	}

	for t := range c.Runners {
		if !t.Valid() || t == domain.TypeAll {
			errs = append(errs, fmt.Errorf("runner for %q ignored", t))
			delete(c.Runners, t)
		}
	}

	defSched := domain.DefaultSchedule()
	if len(c.Schedule) == 0 {
		c.Schedule = defSched
	}
	for t, e := range c.Schedule {
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("schedule ignored: %w: %q", domain.ErrUnknownTaskType, t))
			delete(c.Schedule, t)
			continue
		}
		d, hasDefault := defSched[t]
		if e.IntervalSeconds <= 0 && e.Cron == "" {
			if hasDefault {
				e.IntervalSeconds = d.IntervalSeconds
			} else {
				errs = append(errs, fmt.Errorf("schedule for %s has no interval, disabled", t))
				e.Enabled = false
			}
		}
		if e.Priority <= 0 {
			e.Priority = domain.DefaultPriority
			if hasDefault {
				e.Priority = d.Priority
			}
		}
		c.Schedule[t] = e
	}
	return errors.Join(errs...)
}

// ApplyEnv overrides process-level settings from PROBEFLOW_* variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PROBEFLOW_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("PROBEFLOW_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("PROBEFLOW_REPORTS_DIR"); v != "" {
		c.ReportsDir = v
	}
	if v := os.Getenv("PROBEFLOW_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}
