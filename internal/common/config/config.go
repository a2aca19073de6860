// Package config provides configuration management for the sandbox host.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the sandbox host.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// TerminalConfig holds terminal session configuration.
type TerminalConfig struct {
	// WorkingDir is the directory new shells start in (default: $HOME).
	WorkingDir string `mapstructure:"workingDir"`

	// CommandTimeout bounds a single shell statement, in seconds.
	CommandTimeout int `mapstructure:"commandTimeout"`
}

// BrowserConfig holds headless-browser configuration.
type BrowserConfig struct {
	// ExecPath is the Chrome/Chromium binary. Empty means chromedp's default lookup.
	ExecPath string `mapstructure:"execPath"`
	Headless bool   `mapstructure:"headless"`

	// WarmStart launches the browser on the first /healthz instead of at boot.
	WarmStart bool `mapstructure:"warmStart"`
}

// StorageConfig holds local-storage configuration.
type StorageConfig struct {
	// Root is the local storage directory for uploads and screenshots.
	Root string `mapstructure:"root"`

	// UploadDir receives batch-downloaded attachments.
	UploadDir string `mapstructure:"uploadDir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CommandTimeoutDuration returns the per-statement timeout as a time.Duration.
func (t *TerminalConfig) CommandTimeoutDuration() time.Duration {
	return time.Duration(t.CommandTimeout) * time.Second
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SANDBOX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp"
	}
	return home
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	home := homeDir()

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8330)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Terminal defaults
	v.SetDefault("terminal.workingDir", home)
	v.SetDefault("terminal.commandTimeout", 60)

	// Browser defaults
	v.SetDefault("browser.execPath", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.warmStart", true)

	// Storage defaults
	v.SetDefault("storage.root", filepath.Join(home, "local_storage"))
	v.SetDefault("storage.uploadDir", filepath.Join(home, "upload"))

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SANDBOX_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SANDBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where the conventional env var name differs from the
	// SANDBOX_-prefixed form.
	_ = v.BindEnv("browser.execPath", "CHROME_INSTANCE_PATH", "SANDBOX_BROWSER_EXEC_PATH")
	_ = v.BindEnv("server.port", "SANDBOX_PORT", "SANDBOX_SERVER_PORT")
	_ = v.BindEnv("terminal.workingDir", "SANDBOX_WORKING_DIR", "SANDBOX_TERMINAL_WORKING_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sandboxd/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Terminal.CommandTimeout <= 0 {
		return fmt.Errorf("terminal.commandTimeout must be positive, got %d", cfg.Terminal.CommandTimeout)
	}
	if cfg.Storage.Root == "" {
		return fmt.Errorf("storage.root must not be empty")
	}
	return nil
}
