package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"whatsbot/internal/config"
)

var (
	version    = "1.0.0"
	configPath string // overridable via --config flag
)

// logger is the bootstrap logger until setupLogger applies the config.
var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	root := &cobra.Command{
		Use:   "whatsbot",
		Short: "whatsbot: WhatsApp AI reply service",
		Long: "whatsbot receives WhatsApp messages through Twilio, the Meta Cloud API or WAHA " +
			"and answers them with an OpenAI-compatible model.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml or config.json (default: ~/.whatsbot/config.yaml if present)")

	root.AddCommand(serveCmd())
	root.AddCommand(initiateCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		logger.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// resolveConfigPath returns the --config flag, or the default path when a
// file exists there. An empty result means environment-only configuration.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := config.DefaultConfigPath(); fileExists(p) {
		return p
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogger replaces the bootstrap logger with one honoring the logging
// section of cfg. The returned closer releases the log file, if any.
func setupLogger(cfg *config.Config) (io.Closer, error) {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("cannot create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("cannot open log file: %w", err)
		}
		w, closer = io.MultiWriter(os.Stderr, f), f
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.General.LogLevel)}
	var h slog.Handler
	if cfg.General.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	logger = slog.New(h).With("app", cfg.General.AppName)
	slog.SetDefault(logger)
	return closer, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Show, get and set configuration values. Secrets are masked in output.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (file, .env and environment merged)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(config.Sanitize(cfg))
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. security.rateLimitMessages)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every settable path with its current value",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			for _, k := range slices.Sorted(maps.Keys(paths)) {
				fmt.Printf("%s = %v\n", k, paths[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a value in the config file (e.g. general.defaultProvider meta); environment values are not copied in",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultConfigPath()
			}
			if err := config.UpdateFile(path, args[0], args[1]); err != nil {
				return fmt.Errorf("set %s: %w", args[0], err)
			}
			logger.Info("config updated", "path", args[0], "file", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			if p := resolveConfigPath(); p != "" {
				fmt.Println(p)
				return
			}
			fmt.Printf("%s (not present; using environment only)\n", config.DefaultConfigPath())
		},
	})

	return cmd
}
