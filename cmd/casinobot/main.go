package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/coopco/casinobot/internal/config"
)

var (
	configPath string
	envFile    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "casinobot",
		Short:         "Casino economy bot for Discord and Slack",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(envFile)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.casinobot/config.json)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Dotenv file loaded before the config")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newScheduleCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadEnv loads a dotenv file. The default file is optional; one named
// explicitly must exist.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) && path == ".env" {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load env (%s): %w", path, err)
	}
	return nil
}

// loadConfig reads the config file. Without --config a missing default file
// falls back to defaults plus environment overrides.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	cfg, err := config.Load()
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("no config file, using defaults")
		return config.LoadFromReader(strings.NewReader("{}"))
	}
	return cfg, err
}

func setupLogging(cfg config.LogConfig) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
