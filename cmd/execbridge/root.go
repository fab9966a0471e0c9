package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ScriptSmith/hadrian-sub007/bridge"
	"github.com/ScriptSmith/hadrian-sub007/config"
	"github.com/ScriptSmith/hadrian-sub007/engine"
	"github.com/ScriptSmith/hadrian-sub007/engine/jsengine"
	"github.com/ScriptSmith/hadrian-sub007/engine/sqlengine"
	"github.com/ScriptSmith/hadrian-sub007/engine/wasmengine"
	"github.com/ScriptSmith/hadrian-sub007/resource"
)

var rootCmd = &cobra.Command{
	Use:   "execbridge",
	Short: "Run SQL, JavaScript, or WASM code behind an isolated execution bridge",
	Long: `execbridge - Execute untrusted or heavyweight code on an embedded
engine isolated behind an asynchronous bridge.

Engines:
  javascript   embedded JS interpreter
  sql          PostgreSQL query engine (requires --db-url)
  wasm         WASI guest module (requires --wasm)`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringP("engine", "e", "", "Engine: javascript, sql, wasm")
	rootCmd.PersistentFlags().String("db-url", "", "Database connection string (sql engine)")
	rootCmd.PersistentFlags().String("wasm", "", "Path to WASI guest module (wasm engine)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose logging and status transitions")
}

// loadConfig layers command-line flags over the config file.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if v, _ := cmd.Flags().GetString("engine"); v != "" {
		cfg.Engine = v
	}
	if v, _ := cmd.Flags().GetString("db-url"); v != "" {
		cfg.DatabaseURL = v
	}
	if v, _ := cmd.Flags().GetString("wasm"); v != "" {
		cfg.WASMModule = v
	}
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func engineFactory(cfg config.Config) (engine.Factory, error) {
	switch cfg.Engine {
	case "javascript", "js":
		return func() (engine.Engine, error) {
			return jsengine.New(), nil
		}, nil

	case "sql":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("sql engine requires --db-url or database_url in the config file")
		}
		return func() (engine.Engine, error) {
			return sqlengine.New(cfg.DatabaseURL), nil
		}, nil

	case "wasm":
		if cfg.WASMModule == "" {
			return nil, fmt.Errorf("wasm engine requires --wasm or wasm_module in the config file")
		}
		module, err := os.ReadFile(cfg.WASMModule)
		if err != nil {
			return nil, fmt.Errorf("read guest module: %w", err)
		}
		return func() (engine.Engine, error) {
			return wasmengine.New(module), nil
		}, nil

	default:
		return nil, fmt.Errorf("unknown engine %q: use javascript, sql, or wasm", cfg.Engine)
	}
}

func newBridge(cmd *cobra.Command) (*bridge.Bridge, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	factory, err := engineFactory(cfg)
	if err != nil {
		return nil, err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	return bridge.New(factory,
		bridge.WithExecTimeout(cfg.ExecTimeout.Std()),
		bridge.WithRegisterTimeout(cfg.RegisterTimeout.Std()),
		bridge.WithLogger(log),
	), nil
}

// parseResourceSpec parses "name=path", inferring the resource kind
// from the file extension.
func parseResourceSpec(spec string) (name, path string, kind resource.Kind, err error) {
	name, path, ok := strings.Cut(spec, "=")
	if !ok || name == "" || path == "" {
		return "", "", "", fmt.Errorf("invalid resource spec %q (expected name=path)", spec)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		kind = resource.KindCSV
	case ".json":
		kind = resource.KindJSON
	case ".txt", ".sql", ".js":
		kind = resource.KindText
	default:
		kind = resource.KindBinary
	}
	return name, path, kind, nil
}

func registerResources(cmd *cobra.Command, b *bridge.Bridge, specs []string) error {
	ctx := cmd.Context()
	for _, spec := range specs {
		name, path, kind, err := parseResourceSpec(spec)
		if err != nil {
			return err
		}
		payload, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read resource %q: %w", name, err)
		}
		if err := b.RegisterResource(ctx, name, payload, kind); err != nil {
			return fmt.Errorf("register resource %q: %w", name, err)
		}
	}
	return nil
}
