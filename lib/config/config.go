// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Queue backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendAMQP   = "amqp"
)

// Config is the master configuration for propagator daemons and
// mirrorctl.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Deployment scopes queue and subject names so several fleets can
	// share one broker.
	Deployment string `yaml:"deployment"`

	// RepoRoot is the directory holding the authoritative bare
	// repositories.
	RepoRoot string `yaml:"repo_root"`

	Server  ServerConfig  `yaml:"server"`
	Queue   QueueConfig   `yaml:"queue"`
	Worker  WorkerConfig  `yaml:"worker"`
	Notify  NotifyConfig  `yaml:"notify"`
	Targets TargetsConfig `yaml:"targets"`
	Logging LoggingConfig `yaml:"logging"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Queue   *QueueConfig   `yaml:"queue,omitempty"`
	Worker  *WorkerConfig  `yaml:"worker,omitempty"`
	Logging *LoggingConfig `yaml:"logging,omitempty"`
}

// ServerConfig configures the command server.
type ServerConfig struct {
	// Listen is the TCP address for protocol connections.
	// Default: [::1]:58192
	Listen string `yaml:"listen"`

	// ReadTimeout bounds how long a client may take to send its
	// command line.
	// Default: 10s
	ReadTimeout Duration `yaml:"read_timeout"`
}

// QueueConfig selects and configures the job queue backend.
type QueueConfig struct {
	// Backend is one of memory, redis, amqp.
	// Default: memory
	Backend string `yaml:"backend"`

	Redis RedisConfig `yaml:"redis"`
	AMQP  AMQPConfig  `yaml:"amqp"`

	// OutcomeDB is the SQLite database recording job outcomes and
	// failures for the amqp backend, which has no queryable state of
	// its own.
	OutcomeDB string `yaml:"outcome_db"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	// URL is a redis:// URL as accepted by redis.ParseURL.
	URL string `yaml:"url"`

	// HeartbeatTTL is how long a worker may go silent before another
	// worker returns the jobs it holds to the incoming list. Workers
	// refresh it at a third of this interval while they run, so it
	// only needs to cover a stalled process, not a slow job.
	// Default: 30s
	HeartbeatTTL Duration `yaml:"heartbeat_ttl"`
}

// AMQPConfig configures the amqp backend.
type AMQPConfig struct {
	// URL is an amqp:// URL.
	URL string `yaml:"url"`
}

// WorkerConfig configures retry behavior of propagator-worker.
type WorkerConfig struct {
	// MaxRetries is the number of failed attempts after which a job
	// is abandoned to the failed sink.
	// Default: 5
	MaxRetries int `yaml:"max_retries"`

	// RetryStep scales the retry delay: attempt k waits k × RetryStep.
	// Default: 5m
	RetryStep Duration `yaml:"retry_step"`

	// DependencyPoll is how long a job waits before rechecking an
	// unfinished dependency.
	// Default: 10s
	DependencyPoll Duration `yaml:"dependency_poll"`

	// HandlerTimeout bounds a single task execution. Zero leaves
	// tasks unbounded.
	// Default: 0
	HandlerTimeout Duration `yaml:"handler_timeout"`

	// Consumer names this worker to the queue. The redis backend
	// keeps one processing list per consumer and a restarted worker
	// reclaims the list under its own name, so the name must survive
	// restarts. Give each worker on a host its own name.
	// Default: <hostname>
	Consumer string `yaml:"consumer"`
}

// NotifyConfig configures outcome events.
type NotifyConfig struct {
	// NATSURL enables publishing done and failed events. Empty
	// disables notification.
	NATSURL string `yaml:"nats_url"`
}

// TargetsConfig configures the target registry.
type TargetsConfig struct {
	// SearchPaths are scanned in order for target directories.
	SearchPaths []string `yaml:"search_paths"`

	// DuplicatePolicy is first_wins or error.
	// Default: first_wins
	DuplicatePolicy string `yaml:"duplicate_policy"`

	// Inline targets are registered after the search paths.
	Inline []TargetConfig `yaml:"inline"`
}

// TargetConfig declares a target directly in the config file, with the
// same fields as a target.json descriptor.
type TargetConfig struct {
	Name     string         `yaml:"name"`
	Provider string         `yaml:"provider"`
	Push     string         `yaml:"push"`
	Exclude  []string       `yaml:"exclude"`
	Settings map[string]any `yaml:"settings"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	// Default: info
	Level string `yaml:"level"`
}

// SlogLevel parses Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML parses strings such as "5m" or "10s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	return &Config{
		Environment: Development,
		Deployment:  "propagator",
		RepoRoot:    "/srv/git/repositories",
		Server: ServerConfig{
			Listen:      "[::1]:58192",
			ReadTimeout: Duration(10 * time.Second),
		},
		Queue: QueueConfig{
			Backend: BackendMemory,
			Redis: RedisConfig{
				HeartbeatTTL: Duration(30 * time.Second),
			},
		},
		Worker: WorkerConfig{
			MaxRetries:     5,
			RetryStep:      Duration(5 * time.Minute),
			DependencyPoll: Duration(10 * time.Second),
			Consumer:       hostname,
		},
		Targets: TargetsConfig{
			DuplicatePolicy: "first_wins",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the PROPAGATOR_CONFIG environment
// variable. There is no fallback search path.
func Load() (*Config, error) {
	configPath := os.Getenv("PROPAGATOR_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("PROPAGATOR_CONFIG environment variable not set; " +
			"set it to the path of your propagator.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads and validates configuration from a specific file path.
//
// ${VAR} and ${VAR:-default} references anywhere in the file are
// expanded from the process environment before parsing, so secrets
// such as API tokens need not be written into the file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse builds a validated Config from YAML text.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := expandVars(string(data), nil)
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Queue != nil {
		if overrides.Queue.Backend != "" {
			c.Queue.Backend = overrides.Queue.Backend
		}
		if overrides.Queue.Redis.URL != "" {
			c.Queue.Redis.URL = overrides.Queue.Redis.URL
		}
		if overrides.Queue.Redis.HeartbeatTTL != 0 {
			c.Queue.Redis.HeartbeatTTL = overrides.Queue.Redis.HeartbeatTTL
		}
		if overrides.Queue.AMQP.URL != "" {
			c.Queue.AMQP.URL = overrides.Queue.AMQP.URL
		}
		if overrides.Queue.OutcomeDB != "" {
			c.Queue.OutcomeDB = overrides.Queue.OutcomeDB
		}
	}

	if overrides.Worker != nil {
		if overrides.Worker.MaxRetries != 0 {
			c.Worker.MaxRetries = overrides.Worker.MaxRetries
		}
		if overrides.Worker.RetryStep != 0 {
			c.Worker.RetryStep = overrides.Worker.RetryStep
		}
		if overrides.Worker.DependencyPoll != 0 {
			c.Worker.DependencyPoll = overrides.Worker.DependencyPoll
		}
		if overrides.Worker.HandlerTimeout != 0 {
			c.Worker.HandlerTimeout = overrides.Worker.HandlerTimeout
		}
		if overrides.Worker.Consumer != "" {
			c.Worker.Consumer = overrides.Worker.Consumer
		}
	}

	if overrides.Logging != nil && overrides.Logging.Level != "" {
		c.Logging.Level = overrides.Logging.Level
	}
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Deployment == "" {
		errs = append(errs, errors.New("deployment is required"))
	} else if strings.ContainsAny(c.Deployment, " \t.*>") {
		errs = append(errs, fmt.Errorf("deployment %q must not contain whitespace, '.', '*' or '>'", c.Deployment))
	}

	if c.RepoRoot == "" {
		errs = append(errs, errors.New("repo_root is required"))
	}

	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, errors.New("server.read_timeout must be positive"))
	}

	switch c.Queue.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Queue.Redis.URL == "" {
			errs = append(errs, errors.New("queue.redis.url is required for the redis backend"))
		}
		if c.Queue.Redis.HeartbeatTTL < Duration(time.Second) {
			errs = append(errs, errors.New("queue.redis.heartbeat_ttl must be at least 1s"))
		}
	case BackendAMQP:
		if c.Queue.AMQP.URL == "" {
			errs = append(errs, errors.New("queue.amqp.url is required for the amqp backend"))
		}
		if c.Queue.OutcomeDB == "" {
			errs = append(errs, errors.New("queue.outcome_db is required for the amqp backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend must be one of: %v", []string{BackendMemory, BackendRedis, BackendAMQP}))
	}

	if c.Worker.MaxRetries < 0 {
		errs = append(errs, errors.New("worker.max_retries must not be negative"))
	}
	if c.Worker.RetryStep <= 0 {
		errs = append(errs, errors.New("worker.retry_step must be positive"))
	}
	if c.Worker.DependencyPoll <= 0 {
		errs = append(errs, errors.New("worker.dependency_poll must be positive"))
	}
	if c.Worker.HandlerTimeout < 0 {
		errs = append(errs, errors.New("worker.handler_timeout must not be negative"))
	}
	if c.Worker.Consumer == "" {
		errs = append(errs, errors.New("worker.consumer is required"))
	}

	policies := []string{"first_wins", "error"}
	if !contains(policies, c.Targets.DuplicatePolicy) {
		errs = append(errs, fmt.Errorf("targets.duplicate_policy must be one of: %v", policies))
	}
	for i, inline := range c.Targets.Inline {
		if inline.Name == "" {
			errs = append(errs, fmt.Errorf("targets.inline[%d].name is required", i))
		}
		if inline.Provider == "" {
			errs = append(errs, fmt.Errorf("targets.inline[%d].provider is required", i))
		}
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
