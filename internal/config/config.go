// Package config handles the ruleledger HCL configuration file.
//
// Every block and attribute is optional; Default supplies the values a
// missing attribute falls back to. Durations are written as Go duration
// strings ("5s", "2m"). The evaluation context exposes the process
// environment as env.NAME:
//
//	database {
//	  path = "${env.RULELEDGER_DATA}/ledger.db"
//	}
//
//	remote {
//	  user        = "deploy"
//	  key_file    = "/etc/ruleledger/id_ed25519"
//	  known_hosts = "/etc/ruleledger/known_hosts"
//	  become      = true
//	}
//
//	deploy {
//	  concurrency  = 8
//	  input_policy = "DROP"
//	}
//
//	drift {
//	  enabled = true
//	  cron    = "*/30 * * * *"
//	}
package config

import (
	"fmt"
	"strings"
	"time"

	"grimm.is/ruleledger/internal/deploy"
	"grimm.is/ruleledger/internal/livestate"
	"grimm.is/ruleledger/internal/logging"
	"grimm.is/ruleledger/internal/remote"
	"grimm.is/ruleledger/internal/scheduler"
	"grimm.is/ruleledger/internal/store"
	"grimm.is/ruleledger/internal/validation"
)

// Config is the top-level structure of the configuration file.
type Config struct {
	Database  *DatabaseConfig  `hcl:"database,block" json:"database,omitempty"`
	Remote    *RemoteConfig    `hcl:"remote,block" json:"remote,omitempty"`
	Deploy    *DeployConfig    `hcl:"deploy,block" json:"deploy,omitempty"`
	LiveState *LiveStateConfig `hcl:"live_state,block" json:"live_state,omitempty"`
	Logging   *LoggingConfig   `hcl:"logging,block" json:"logging,omitempty"`
	Metrics   *MetricsConfig   `hcl:"metrics,block" json:"metrics,omitempty"`
	Drift     *DriftConfig     `hcl:"drift,block" json:"drift,omitempty"`
}

// DatabaseConfig locates the version store.
type DatabaseConfig struct {
	Path        string `hcl:"path,optional" json:"path,omitempty"`
	BusyTimeout string `hcl:"busy_timeout,optional" json:"busy_timeout,omitempty"`
	// ConflictRetries is how many times a version save is retried after
	// losing the numbering race.
	ConflictRetries *int `hcl:"conflict_retries,optional" json:"conflict_retries,omitempty"`
}

// RemoteConfig configures the SSH execution channel.
type RemoteConfig struct {
	User           string `hcl:"user,optional" json:"user,omitempty"`
	Port           int    `hcl:"port,optional" json:"port,omitempty"`
	KeyFile        string `hcl:"key_file,optional" json:"key_file,omitempty"`
	KnownHosts     string `hcl:"known_hosts,optional" json:"known_hosts,omitempty"`
	Become         bool   `hcl:"become,optional" json:"become,omitempty"`
	DialTimeout    string `hcl:"dial_timeout,optional" json:"dial_timeout,omitempty"`
	CommandTimeout string `hcl:"command_timeout,optional" json:"command_timeout,omitempty"`
}

// DeployConfig configures the deployment orchestrator. ManagementPort
// defaults to remote.port.
type DeployConfig struct {
	ManagementPort int    `hcl:"management_port,optional" json:"management_port,omitempty"`
	Concurrency    int    `hcl:"concurrency,optional" json:"concurrency,omitempty"`
	Timeout        string `hcl:"timeout,optional" json:"timeout,omitempty"`
	Flush          *bool  `hcl:"flush,optional" json:"flush,omitempty"`
	Persist        *bool  `hcl:"persist,optional" json:"persist,omitempty"`
	InputPolicy    string `hcl:"input_policy,optional" json:"input_policy,omitempty"`
	ForwardPolicy  string `hcl:"forward_policy,optional" json:"forward_policy,omitempty"`
	OutputPolicy   string `hcl:"output_policy,optional" json:"output_policy,omitempty"`
}

// LiveStateConfig configures live-state retrieval.
type LiveStateConfig struct {
	Table    string   `hcl:"table,optional" json:"table,omitempty"`
	Commands []string `hcl:"commands,optional" json:"commands,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `hcl:"level,optional" json:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty"`
}

// MetricsConfig configures the deployment gauge collector.
type MetricsConfig struct {
	CollectInterval string `hcl:"collect_interval,optional" json:"collect_interval,omitempty"`
}

// DriftConfig schedules background drift checks of every host whose
// latest deployment succeeded. Cron, when set, takes precedence over
// Interval.
type DriftConfig struct {
	Enabled  bool   `hcl:"enabled,optional" json:"enabled,omitempty"`
	Interval string `hcl:"interval,optional" json:"interval,omitempty"`
	Cron     string `hcl:"cron,optional" json:"cron,omitempty"`
	Timeout  string `hcl:"timeout,optional" json:"timeout,omitempty"`
}

// Default returns a fully populated configuration.
func Default() *Config {
	retries := 3
	flush, persist := true, true
	return &Config{
		Database: &DatabaseConfig{
			Path:            "/var/lib/ruleledger/ruleledger.db",
			BusyTimeout:     "5s",
			ConflictRetries: &retries,
		},
		Remote: &RemoteConfig{
			User:           "root",
			Port:           22,
			DialTimeout:    "10s",
			CommandTimeout: "2m",
		},
		Deploy: &DeployConfig{
			ManagementPort: 22,
			Concurrency:    4,
			Timeout:        "5m",
			Flush:          &flush,
			Persist:        &persist,
			InputPolicy:    deploy.PolicyDrop,
			ForwardPolicy:  deploy.PolicyDrop,
			OutputPolicy:   deploy.PolicyAccept,
		},
		LiveState: &LiveStateConfig{
			Table: livestate.DefaultTable,
		},
		Logging: &LoggingConfig{
			Level: "info",
		},
		Metrics: &MetricsConfig{
			CollectInterval: "30s",
		},
		Drift: &DriftConfig{
			Interval: "15m",
			Timeout:  "5m",
		},
	}
}

// ApplyDefaults fills every unset attribute from Default.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.Database == nil {
		c.Database = &DatabaseConfig{}
	}
	if c.Database.Path == "" {
		c.Database.Path = d.Database.Path
	}
	if c.Database.BusyTimeout == "" {
		c.Database.BusyTimeout = d.Database.BusyTimeout
	}
	if c.Database.ConflictRetries == nil {
		c.Database.ConflictRetries = d.Database.ConflictRetries
	}

	if c.Remote == nil {
		c.Remote = &RemoteConfig{}
	}
	if c.Remote.User == "" {
		c.Remote.User = d.Remote.User
	}
	if c.Remote.Port == 0 {
		c.Remote.Port = d.Remote.Port
	}
	if c.Remote.DialTimeout == "" {
		c.Remote.DialTimeout = d.Remote.DialTimeout
	}
	if c.Remote.CommandTimeout == "" {
		c.Remote.CommandTimeout = d.Remote.CommandTimeout
	}

	if c.Deploy == nil {
		c.Deploy = &DeployConfig{}
	}
	// The safety rule must open the port this process connects on.
	if c.Deploy.ManagementPort == 0 {
		c.Deploy.ManagementPort = c.Remote.Port
	}
	if c.Deploy.Concurrency == 0 {
		c.Deploy.Concurrency = d.Deploy.Concurrency
	}
	if c.Deploy.Timeout == "" {
		c.Deploy.Timeout = d.Deploy.Timeout
	}
	if c.Deploy.Flush == nil {
		c.Deploy.Flush = d.Deploy.Flush
	}
	if c.Deploy.Persist == nil {
		c.Deploy.Persist = d.Deploy.Persist
	}
	if c.Deploy.InputPolicy == "" {
		c.Deploy.InputPolicy = d.Deploy.InputPolicy
	}
	if c.Deploy.ForwardPolicy == "" {
		c.Deploy.ForwardPolicy = d.Deploy.ForwardPolicy
	}
	if c.Deploy.OutputPolicy == "" {
		c.Deploy.OutputPolicy = d.Deploy.OutputPolicy
	}

	if c.LiveState == nil {
		c.LiveState = &LiveStateConfig{}
	}
	if c.LiveState.Table == "" {
		c.LiveState.Table = d.LiveState.Table
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}

	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
	if c.Metrics.CollectInterval == "" {
		c.Metrics.CollectInterval = d.Metrics.CollectInterval
	}

	if c.Drift == nil {
		c.Drift = &DriftConfig{}
	}
	if c.Drift.Interval == "" {
		c.Drift.Interval = d.Drift.Interval
	}
	if c.Drift.Timeout == "" {
		c.Drift.Timeout = d.Drift.Timeout
	}
}

// ValidationError reports one invalid attribute.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid attribute of a configuration.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Validate checks a configuration with defaults applied.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	duration := func(field, v string) {
		d, err := time.ParseDuration(v)
		if err != nil {
			add(field, "invalid duration %q", v)
			return
		}
		if d <= 0 {
			add(field, "must be positive, got %s", v)
		}
	}
	port := func(field string, p int) {
		if err := validation.ValidatePortNumber(p); err != nil {
			add(field, "%v", err)
		}
	}
	policy := func(field, v string) {
		switch strings.ToUpper(v) {
		case deploy.PolicyAccept, deploy.PolicyDrop:
		default:
			add(field, "must be ACCEPT or DROP, got %q", v)
		}
	}

	if c.Database != nil {
		if c.Database.Path == "" {
			add("database.path", "must not be empty")
		}
		duration("database.busy_timeout", c.Database.BusyTimeout)
		if c.Database.ConflictRetries != nil && *c.Database.ConflictRetries < 0 {
			add("database.conflict_retries", "must not be negative")
		}
	}
	if c.Remote != nil {
		port("remote.port", c.Remote.Port)
		duration("remote.dial_timeout", c.Remote.DialTimeout)
		duration("remote.command_timeout", c.Remote.CommandTimeout)
	}
	if c.Deploy != nil {
		port("deploy.management_port", c.Deploy.ManagementPort)
		if c.Deploy.Concurrency <= 0 {
			add("deploy.concurrency", "must be positive, got %d", c.Deploy.Concurrency)
		}
		duration("deploy.timeout", c.Deploy.Timeout)
		policy("deploy.input_policy", c.Deploy.InputPolicy)
		policy("deploy.forward_policy", c.Deploy.ForwardPolicy)
		policy("deploy.output_policy", c.Deploy.OutputPolicy)
	}
	if c.LiveState != nil {
		for i, cmd := range c.LiveState.Commands {
			if strings.TrimSpace(cmd) == "" {
				add(fmt.Sprintf("live_state.commands[%d]", i), "must not be empty")
			}
		}
	}
	if c.Logging != nil {
		if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
			add("logging.level", "%v", err)
		}
	}
	if c.Metrics != nil {
		duration("metrics.collect_interval", c.Metrics.CollectInterval)
	}
	if c.Drift != nil {
		duration("drift.interval", c.Drift.Interval)
		duration("drift.timeout", c.Drift.Timeout)
		if c.Drift.Cron != "" {
			if _, err := scheduler.ParseCron(c.Drift.Cron); err != nil {
				add("drift.cron", "%v", err)
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// mustDuration parses a duration that Validate has already accepted.
func mustDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// StoreOptions converts the database block.
func (c *Config) StoreOptions() store.Options {
	opts := store.DefaultOptions(c.Database.Path)
	opts.BusyTimeout = mustDuration(c.Database.BusyTimeout, opts.BusyTimeout)
	return opts
}

// ConflictRetries returns how often a version save is retried.
func (c *Config) ConflictRetries() int {
	if c.Database == nil || c.Database.ConflictRetries == nil {
		return 0
	}
	return *c.Database.ConflictRetries
}

// SSHConfig converts the remote block.
func (c *Config) SSHConfig() remote.SSHConfig {
	cfg := remote.DefaultSSHConfig()
	cfg.User = c.Remote.User
	cfg.Port = c.Remote.Port
	cfg.KeyFile = c.Remote.KeyFile
	cfg.KnownHosts = c.Remote.KnownHosts
	cfg.Become = c.Remote.Become
	cfg.DialTimeout = mustDuration(c.Remote.DialTimeout, cfg.DialTimeout)
	cfg.CommandTimeout = mustDuration(c.Remote.CommandTimeout, cfg.CommandTimeout)
	return cfg
}

// OrchestratorConfig converts the deploy block.
func (c *Config) OrchestratorConfig() deploy.Config {
	cfg := deploy.DefaultConfig()
	cfg.Concurrency = c.Deploy.Concurrency
	cfg.Timeout = mustDuration(c.Deploy.Timeout, cfg.Timeout)
	cfg.Render.ManagementPort = c.Deploy.ManagementPort
	if c.Deploy.Flush != nil {
		cfg.Render.Flush = *c.Deploy.Flush
	}
	if c.Deploy.Persist != nil {
		cfg.Render.Persist = *c.Deploy.Persist
	}
	cfg.Render.Defaults = deploy.Defaults{
		Input:   c.Deploy.InputPolicy,
		Forward: c.Deploy.ForwardPolicy,
		Output:  c.Deploy.OutputPolicy,
	}.Resolve(deploy.DefaultDefaults)
	return cfg
}

// FetcherOptions converts the live_state block.
func (c *Config) FetcherOptions() []livestate.FetcherOption {
	return []livestate.FetcherOption{
		livestate.WithTable(c.LiveState.Table),
		livestate.WithCommands(c.LiveState.Commands),
	}
}

// LoggerConfig converts the logging block.
func (c *Config) LoggerConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if level, err := logging.ParseLevel(c.Logging.Level); err == nil {
		cfg.Level = level
	}
	cfg.JSON = c.Logging.JSON
	return cfg
}

// CollectInterval returns the deployment gauge refresh interval.
func (c *Config) CollectInterval() time.Duration {
	return mustDuration(c.Metrics.CollectInterval, 30*time.Second)
}

// DriftSchedule returns when background drift checks run and how long one
// check may take. ok is false when they are disabled.
func (c *Config) DriftSchedule() (sched scheduler.Schedule, timeout time.Duration, ok bool) {
	if c.Drift == nil || !c.Drift.Enabled {
		return nil, 0, false
	}
	timeout = mustDuration(c.Drift.Timeout, 5*time.Minute)
	if c.Drift.Cron != "" {
		if cron, err := scheduler.ParseCron(c.Drift.Cron); err == nil {
			return cron, timeout, true
		}
	}
	return scheduler.Every(mustDuration(c.Drift.Interval, 15*time.Minute)), timeout, true
}
