// Package config loads coe configuration with viper: defaults, then
// $COE_HOME/config.yaml (or ./config.yaml), then COE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"coe/pkg/protocol"
)

// Env vars that override paths directly, the way the store expects them.
const (
	EnvHome   = "COE_HOME"
	EnvDBPath = "COE_DB_PATH"
	envPrefix = "COE"
)

// Config is the resolved configuration.
type Config struct {
	Home string `yaml:"home" toml:"home"`

	Store       StoreConfig       `yaml:"store" toml:"store"`
	Queue       QueueConfig       `yaml:"queue" toml:"queue"`
	Retry       RetryConfig       `yaml:"retry" toml:"retry"`
	Ask         AskConfig         `yaml:"ask" toml:"ask"`
	Mode        protocol.Mode     `yaml:"mode" toml:"mode"`
	Agent       AgentConfig       `yaml:"agent" toml:"agent"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics" toml:"diagnostics"`
	Log         LogConfig         `yaml:"log" toml:"log"`
	Listen      ListenConfig      `yaml:"listen" toml:"listen"`

	// File is the config file that was read, empty when none was found.
	File string `yaml:"-" toml:"-"`
}

// StoreConfig locates the ticket database.
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// QueueConfig tunes the orchestrator.
type QueueConfig struct {
	StallTimeoutSeconds int    `yaml:"stall_timeout_seconds" toml:"stall_timeout_seconds"`
	StallScan           string `yaml:"stall_scan" toml:"stall_scan"`
}

// RetryConfig tunes failure retries and store contention retries.
type RetryConfig struct {
	MaxRetries    int `yaml:"max_retries" toml:"max_retries"`
	StoreAttempts int `yaml:"store_attempts" toml:"store_attempts"`
}

// AskConfig tunes askQuestion.
type AskConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// AgentConfig selects the agent CLI.
type AgentConfig struct {
	Command        string `yaml:"command" toml:"command"`
	Model          string `yaml:"model" toml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
	Workdir        string `yaml:"workdir" toml:"workdir"`
}

// DiagnosticsConfig selects the getErrors command. An empty Command detects
// the project's languages.
type DiagnosticsConfig struct {
	Command string `yaml:"command" toml:"command"`
	Root    string `yaml:"root" toml:"root"`
}

// LogConfig controls the stderr logger.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// ListenConfig adds transports beside stdio.
type ListenConfig struct {
	Socket    string `yaml:"socket" toml:"socket"`
	WebSocket string `yaml:"websocket" toml:"websocket"`
}

// StallTimeout returns the stall timeout as a duration.
func (c *Config) StallTimeout() time.Duration {
	return time.Duration(c.Queue.StallTimeoutSeconds) * time.Second
}

// AskTimeout returns the askQuestion timeout as a duration.
func (c *Config) AskTimeout() time.Duration {
	return time.Duration(c.Ask.TimeoutSeconds) * time.Second
}

// AgentTimeout returns the per-run agent timeout as a duration.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutSeconds) * time.Second
}

// ResolveHome returns COE_HOME, or ~/.coe.
func ResolveHome() (string, error) {
	if v := os.Getenv(EnvHome); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.HomeDir), nil
}

func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("store.path", filepath.Join(home, protocol.DBFile))
	v.SetDefault("queue.stall_timeout_seconds", 30)
	v.SetDefault("queue.stall_scan", "@every 10s")
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.store_attempts", 5)
	v.SetDefault("ask.timeout_seconds", 45)
	v.SetDefault("mode", string(protocol.ModeAuto))
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.timeout_seconds", 300)
	v.SetDefault("agent.workdir", "")
	v.SetDefault("diagnostics.command", "")
	v.SetDefault("diagnostics.root", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("listen.socket", "")
	v.SetDefault("listen.websocket", "")
}

// Load resolves the configuration. A missing config file is not an error.
func Load() (*Config, error) {
	home, err := ResolveHome()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName(protocol.ConfigFile)
	v.SetConfigType("yaml")
	v.AddConfigPath(home)
	v.AddConfigPath(".")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, home)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Home: home,
		File: v.ConfigFileUsed(),
		Store: StoreConfig{
			Path: v.GetString("store.path"),
		},
		Queue: QueueConfig{
			StallTimeoutSeconds: v.GetInt("queue.stall_timeout_seconds"),
			StallScan:           v.GetString("queue.stall_scan"),
		},
		Retry: RetryConfig{
			MaxRetries:    v.GetInt("retry.max_retries"),
			StoreAttempts: v.GetInt("retry.store_attempts"),
		},
		Ask:  AskConfig{TimeoutSeconds: v.GetInt("ask.timeout_seconds")},
		Mode: protocol.Mode(v.GetString("mode")),
		Agent: AgentConfig{
			Command:        v.GetString("agent.command"),
			Model:          v.GetString("agent.model"),
			TimeoutSeconds: v.GetInt("agent.timeout_seconds"),
			Workdir:        v.GetString("agent.workdir"),
		},
		Diagnostics: DiagnosticsConfig{
			Command: v.GetString("diagnostics.command"),
			Root:    v.GetString("diagnostics.root"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Listen: ListenConfig{
			Socket:    v.GetString("listen.socket"),
			WebSocket: v.GetString("listen.websocket"),
		},
	}

	// COE_DB_PATH wins over both the file and COE_STORE_PATH.
	if p := os.Getenv(EnvDBPath); p != "" {
		cfg.Store.Path = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if !c.Mode.Valid() {
		errs = append(errs, fmt.Errorf("mode: unknown mode %q (want auto or manual)", c.Mode))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path: must not be empty"))
	}
	if c.Queue.StallTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("queue.stall_timeout_seconds: must be positive, got %d", c.Queue.StallTimeoutSeconds))
	}
	if c.Retry.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("retry.max_retries: must be at least 1, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.StoreAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.store_attempts: must be at least 1, got %d", c.Retry.StoreAttempts))
	}
	if c.Ask.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("ask.timeout_seconds: must be positive, got %d", c.Ask.TimeoutSeconds))
	}
	if c.Agent.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("agent.timeout_seconds: must be positive, got %d", c.Agent.TimeoutSeconds))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: want text or json, got %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
