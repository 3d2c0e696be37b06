package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// Load loads config from the default path (~/.casinobot/config.json).
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return LoadFromFile(filepath.Join(home, ".casinobot", "config.json"))
}

// LoadFromFile loads config from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader loads config from an io.Reader, applying defaults and env overrides.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	if err := json.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.Database.DSN = expandHome(cfg.Database.DSN)
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Catalog = expandHome(cfg.Catalog)

	return cfg, nil
}

// applyEnvOverrides applies CASINOBOT_-prefixed environment variable overrides.
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"CASINOBOT_DATABASE_DRIVER": &cfg.Database.Driver,
		"CASINOBOT_DATABASE_DSN":    &cfg.Database.DSN,
		"CASINOBOT_LOG_LEVEL":       &cfg.Log.Level,
		"CASINOBOT_LOG_FORMAT":      &cfg.Log.Format,
		"CASINOBOT_GATEWAY_HOST":    &cfg.Gateway.Host,
		"CASINOBOT_CATALOG":         &cfg.Catalog,
		"CASINOBOT_DATA_DIR":        &cfg.DataDir,
	}
	for env, ptr := range strs {
		if val := os.Getenv(env); val != "" {
			*ptr = val
		}
	}

	ints := map[string]*int{
		"CASINOBOT_GATEWAY_PORT":                   &cfg.Gateway.Port,
		"CASINOBOT_BLACKJACK_DECKS":                &cfg.Blackjack.Decks,
		"CASINOBOT_BLACKJACK_IDLE_TIMEOUT_SECONDS": &cfg.Blackjack.IdleTimeoutSeconds,
	}
	for env, ptr := range ints {
		val := os.Getenv(env)
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", env, val, err)
		}
		*ptr = n
	}

	// DISCORD_TOKEN is the conventional variable for the bot token.
	if token := os.Getenv("DISCORD_TOKEN"); token != "" {
		raw, err := mergeToken(cfg.Channels["discord"], token)
		if err != nil {
			return fmt.Errorf("failed to apply DISCORD_TOKEN: %w", err)
		}
		if cfg.Channels == nil {
			cfg.Channels = ChannelsConfig{}
		}
		cfg.Channels["discord"] = raw
	}
	return nil
}

// mergeToken sets the "token" key on a channel's raw config, keeping other keys.
func mergeToken(raw json.RawMessage, token string) (json.RawMessage, error) {
	m := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
	}
	m["token"] = token
	return json.Marshal(m)
}

// expandHome expands a leading ~ in a path.
func expandHome(p string) string {
	if len(p) >= 2 && p[0] == '~' && p[1] == '/' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
