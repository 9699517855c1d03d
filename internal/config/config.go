package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"stagehand/internal/tasks"
)

// DefaultFileName is the pipeline file looked up when none is given.
const DefaultFileName = "stagehand.yaml"

// Config holds a stagehand pipeline definition.
type Config struct {
	Version int `yaml:"version"`

	// Execution settings
	Execution ExecutionConfig `yaml:"execution"`

	// Retry policy for transient per-item failures
	Retry RetryConfig `yaml:"retry"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Run history
	History HistoryConfig `yaml:"history"`

	Tasks []TaskSpec `yaml:"tasks"`

	// dir is the directory relative project paths are anchored to. Load
	// sets it to the pipeline file's directory.
	dir string
}

// RetryConfig configures backoff for transient failures.
type RetryConfig struct {
	Attempts        int    `yaml:"attempts"`
	InitialInterval string `yaml:"initial_interval"`
	MaxInterval     string `yaml:"max_interval"`
}

// HistoryConfig configures the SQLite run history.
type HistoryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Database string `yaml:"database"`
	// Keep bounds the number of runs kept; 0 keeps all.
	Keep int `yaml:"keep"`
}

// TaskSpec declares one task invocation in the pipeline.
type TaskSpec struct {
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"`
	Project    string            `yaml:"project,omitempty"`
	Descriptor string            `yaml:"descriptor,omitempty"`
	Timeout    string            `yaml:"timeout,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`

	// Params is decoded by the task's factory.
	Params yaml.Node `yaml:"params,omitempty"`
}

// DecodeParams decodes the task parameters into v, rejecting unknown keys.
func (s TaskSpec) DecodeParams(v any) error {
	if s.Params.Kind == 0 {
		return nil
	}
	data, err := yaml.Marshal(&s.Params)
	if err != nil {
		return fmt.Errorf("task %q: failed to encode params: %w", s.Name, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("task %q: invalid params: %w", s.Name, err)
	}
	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,

		Execution: ExecutionConfig{
			DefaultTimeout: "10m",
			MaxTimeout:     "1h",
			MaxParallel:    4,
			AllowedEnvVars: nil,
		},

		Retry: RetryConfig{
			Attempts:        4,
			InitialInterval: "100ms",
			MaxInterval:     "2s",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},

		History: HistoryConfig{
			Enabled:  true,
			Database: filepath.Join(".stagehand", "history.db"),
			Keep:     200,
		},
	}
}

// Load loads a pipeline from a YAML file and applies environment
// overrides. Unlike tasks, which never see the process environment, the
// loader runs at the process boundary.
func Load(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnvOverrides(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.dir = filepath.Dir(abs)
	return cfg, nil
}

// Parse decodes a pipeline document over the defaults. Unknown top-level
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides(lookup func(string) (string, bool)) error {
	if level, ok := lookup("STAGEHAND_LOG_LEVEL"); ok && level != "" {
		c.Logging.Level = level
	}
	if path, ok := lookup("STAGEHAND_HISTORY_DB"); ok && path != "" {
		c.History.Database = path
	}
	if raw, ok := lookup("STAGEHAND_MAX_PARALLEL"); ok && raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid STAGEHAND_MAX_PARALLEL %q: %w", raw, err)
		}
		c.Execution.MaxParallel = n
	}
	return nil
}

// Dir returns the directory relative paths are anchored to.
func (c *Config) Dir() string { return c.dir }

// SetDir anchors relative paths at dir.
func (c *Config) SetDir(dir string) { c.dir = dir }

// Abs anchors p at the pipeline directory unless it is already absolute.
func (c *Config) Abs(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// HistoryPath returns the absolute run history database path.
func (c *Config) HistoryPath() string {
	return c.Abs(c.History.Database)
}

// GetDefaultTimeout returns the default invocation timeout.
func (c *Config) GetDefaultTimeout() time.Duration {
	return parseDuration(c.Execution.DefaultTimeout, 10*time.Minute)
}

// GetMaxTimeout returns the ceiling applied to per-task timeouts.
func (c *Config) GetMaxTimeout() time.Duration {
	return parseDuration(c.Execution.MaxTimeout, time.Hour)
}

// TimeoutFor returns the timeout for spec: its own when set, the default
// otherwise, clamped to the maximum.
func (c *Config) TimeoutFor(spec TaskSpec) time.Duration {
	timeout := c.GetDefaultTimeout()
	if spec.Timeout != "" {
		timeout = parseDuration(spec.Timeout, timeout)
	}
	if max := c.GetMaxTimeout(); max > 0 && timeout > max {
		timeout = max
	}
	return timeout
}

// RetryPolicy converts the retry section into a tasks.RetryPolicy.
func (c *Config) RetryPolicy() tasks.RetryPolicy {
	def := tasks.DefaultRetryPolicy()
	return tasks.RetryPolicy{
		Attempts:        c.Retry.Attempts,
		InitialInterval: parseDuration(c.Retry.InitialInterval, def.InitialInterval),
		MaxInterval:     parseDuration(c.Retry.MaxInterval, def.MaxInterval),
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Version != 1 {
		add("unsupported config version %d (want 1)", c.Version)
	}

	checkDuration := func(field, value string) {
		if value == "" {
			return
		}
		if d, err := time.ParseDuration(value); err != nil || d < 0 {
			add("%s: invalid duration %q", field, value)
		}
	}
	checkDuration("execution.default_timeout", c.Execution.DefaultTimeout)
	checkDuration("execution.max_timeout", c.Execution.MaxTimeout)
	checkDuration("retry.initial_interval", c.Retry.InitialInterval)
	checkDuration("retry.max_interval", c.Retry.MaxInterval)
	if c.GetMaxTimeout() > 0 && c.GetDefaultTimeout() > c.GetMaxTimeout() {
		add("execution.default_timeout %s exceeds max_timeout %s", c.Execution.DefaultTimeout, c.Execution.MaxTimeout)
	}
	if c.Execution.MaxParallel < 0 {
		add("execution.max_parallel must not be negative")
	}
	for _, name := range c.Execution.AllowedEnvVars {
		if name == "" || strings.ContainsAny(name, "=\x00") {
			add("execution.allowed_env_vars: invalid name %q", name)
		}
	}
	if c.Retry.Attempts < 0 {
		add("retry.attempts must not be negative")
	}

	if err := c.Logging.validate(); err != nil {
		errs = append(errs, err)
	}
	if c.History.Enabled && c.History.Database == "" {
		add("history.database is required when history is enabled")
	}
	if c.History.Keep < 0 {
		add("history.keep must not be negative")
	}

	if len(c.Tasks) == 0 {
		add("no tasks defined")
	}
	seen := make(map[string]bool, len(c.Tasks))
	for i, t := range c.Tasks {
		switch {
		case t.Name == "":
			add("tasks[%d]: name is required", i)
		case seen[t.Name]:
			add("tasks[%d]: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = true
		if t.Type == "" {
			add("task %q: type is required", t.Name)
		}
		if t.Project == "" && t.Descriptor == "" {
			add("task %q: project or descriptor is required", t.Name)
		}
		checkDuration(fmt.Sprintf("task %q timeout", t.Name), t.Timeout)
		for k := range t.Env {
			if k == "" || strings.ContainsAny(k, "=\x00") {
				add("task %q: invalid env name %q", t.Name, k)
			}
		}
	}

	return errors.Join(errs...)
}

func (l *LoggingConfig) validate() error {
	if l.Level != "" {
		if _, err := zapcore.ParseLevel(strings.ToLower(l.Level)); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	switch l.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format: unknown format %q (want json or console)", l.Format)
	}
	return nil
}
