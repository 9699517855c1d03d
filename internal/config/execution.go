package config

// ExecutionConfig configures how invocations are scheduled.
type ExecutionConfig struct {
	// Default timeout for one invocation
	DefaultTimeout string `yaml:"default_timeout" json:"default_timeout,omitempty"`

	// Ceiling for per-task timeouts
	MaxTimeout string `yaml:"max_timeout" json:"max_timeout,omitempty"`

	// Concurrently running invocations; 0 means unbounded
	MaxParallel int `yaml:"max_parallel" json:"max_parallel,omitempty"`

	// Environment variables always passed to launched processes, on top
	// of the built-in safe base
	AllowedEnvVars []string `yaml:"allowed_env_vars" json:"allowed_env_vars,omitempty"`
}
