package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

type WorkspaceConfig struct {
	Dir string `mapstructure:"dir"`
}

type ExecutionConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	WaitGrace time.Duration `mapstructure:"wait_grace"`
}

type SandboxConfig struct {
	Memory          string  `mapstructure:"memory"`
	CPUs            float64 `mapstructure:"cpus"`
	PidsLimit       int64   `mapstructure:"pids_limit"`
	Mount           string  `mapstructure:"mount"`
	ContainerPrefix string  `mapstructure:"container_prefix"`
}

type TeardownConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

type LimitsConfig struct {
	RunsPerSecond float64 `mapstructure:"runs_per_second"`
	RunBurst      int     `mapstructure:"run_burst"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LanguagesConfig struct {
	Default string `mapstructure:"default"`
	File    string `mapstructure:"file"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Teardown  TeardownConfig  `mapstructure:"teardown"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Languages LanguagesConfig `mapstructure:"languages"`
	Log       LogConfig       `mapstructure:"log"`
}

// Load reads runbox.yaml from path, or from . and $HOME/.runbox when path is empty.
// A missing config file is not an error; every key has a default and can be
// overridden with a RUNBOX_ environment variable (server.port -> RUNBOX_SERVER_PORT).
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("runbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.runbox")
	}

	setDefaults(v)

	v.SetEnvPrefix("runbox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// PORT is honoured for compatibility with older deployments.
	if err := v.BindEnv("server.port", "RUNBOX_SERVER_PORT", "PORT"); err != nil {
		return nil, fmt.Errorf("binding env: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.ping_interval", 30*time.Second)
	v.SetDefault("workspace.dir", filepath.Join(os.TempDir(), "runbox"))
	v.SetDefault("execution.timeout", 30*time.Second)
	v.SetDefault("execution.wait_grace", 5*time.Second)
	v.SetDefault("sandbox.memory", "512m")
	v.SetDefault("sandbox.cpus", 0.5)
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.mount", "/code")
	v.SetDefault("sandbox.container_prefix", "runbox-")
	v.SetDefault("teardown.attempts", 3)
	v.SetDefault("teardown.delay", 500*time.Millisecond)
	v.SetDefault("limits.runs_per_second", 2.0)
	v.SetDefault("limits.run_burst", 5)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".runbox", "runbox.db"))
	v.SetDefault("languages.default", "python")
	v.SetDefault("languages.file", "")
	v.SetDefault("log.level", "info")
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Execution.Timeout <= 0 {
		return fmt.Errorf("execution.timeout must be positive, got %s", c.Execution.Timeout)
	}
	if c.Workspace.Dir == "" {
		return errors.New("workspace.dir must be set")
	}
	if c.Limits.RunsPerSecond <= 0 {
		return fmt.Errorf("limits.runs_per_second must be positive, got %g", c.Limits.RunsPerSecond)
	}
	if c.Limits.RunBurst <= 0 {
		return fmt.Errorf("limits.run_burst must be positive, got %d", c.Limits.RunBurst)
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	return nil
}

// Policy returns the sandbox resource policy.
func (c *Config) Policy() (sandbox.Policy, error) {
	p, err := sandbox.ParsePolicy(c.Sandbox.Memory, c.Sandbox.CPUs, c.Sandbox.PidsLimit, c.Sandbox.Mount)
	if err != nil {
		return sandbox.Policy{}, fmt.Errorf("sandbox policy: %w", err)
	}
	return p, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
