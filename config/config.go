// Package config loads the CLI configuration file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the execbridge configuration.
type Config struct {
	// Engine selects the default engine: javascript, sql, or wasm.
	Engine string `yaml:"engine"`
	// DatabaseURL is the connection string for the sql engine.
	DatabaseURL string `yaml:"database_url"`
	// WASMModule is the path to the guest binary for the wasm engine.
	WASMModule string `yaml:"wasm_module"`

	ExecTimeout     Duration `yaml:"exec_timeout"`
	RegisterTimeout Duration `yaml:"register_timeout"`
	LogLevel        string   `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Engine:          "javascript",
		ExecTimeout:     Duration(30 * time.Second),
		RegisterTimeout: Duration(60 * time.Second),
		LogLevel:        "warn",
	}
}

// Load reads a YAML config file, layering it over the defaults. A
// missing path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SlogLevel maps the configured log level onto slog.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
