package config

import "encoding/json"

// Config is the top-level configuration
type Config struct {
	Database  DatabaseConfig    `json:"database"`
	Channels  ChannelsConfig    `json:"channels"`
	Gateway   GatewayConfig     `json:"gateway"`
	Log       LogConfig         `json:"log"`
	Scheduler SchedulerConfig   `json:"scheduler"`
	Wager     WagerConfig       `json:"wager"`
	Blackjack BlackjackConfig   `json:"blackjack"`
	Economy   EconomyConfig     `json:"economy"`
	Jobs      map[string]string `json:"jobs"` // job id -> cron expression
	RateLimit RateLimitConfig   `json:"rateLimit"`
	Catalog   string            `json:"catalog"` // optional effect catalog YAML
	DataDir   string            `json:"dataDir"` // history journals
}

type DatabaseConfig struct {
	Driver string `json:"driver"` // "postgres" or "sqlite"
	DSN    string `json:"dsn"`
}

// ChannelsConfig keeps each channel's raw JSON; channel factories decode their own shape.
type ChannelsConfig map[string]json.RawMessage

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text or json
}

type SchedulerConfig struct {
	IdlePollSeconds   int `json:"idlePollSeconds"`
	SleepFloorMillis  int `json:"sleepFloorMillis"`
	CycleDelaySeconds int `json:"cycleDelaySeconds"`
}

type WagerConfig struct {
	MinBet     int64 `json:"minBet"`
	BaseCap    int64 `json:"baseCap"`
	CapPerTier int64 `json:"capPerTier"`
}

type BlackjackConfig struct {
	Decks              int `json:"decks"`
	IdleTimeoutSeconds int `json:"idleTimeoutSeconds"`
	SettleRetries      int `json:"settleRetries"`
}

type EconomyConfig struct {
	MaxStamina        int64 `json:"maxStamina"`
	LotteryTicketCost int64 `json:"lotteryTicketCost"`
	// Lottery winners are announced here when both are set.
	AnnounceChannel string `json:"announceChannel"`
	AnnounceChatID  string `json:"announceChatId"`
}

type RateLimitConfig struct {
	PerSecond float64 `json:"perSecond"`
	Burst     int     `json:"burst"`
}

// DefaultConfig returns a Config with sensible defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "~/.casinobot/casinobot.db",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 9090,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Scheduler: SchedulerConfig{
			IdlePollSeconds:   60,
			SleepFloorMillis:  50,
			CycleDelaySeconds: 5,
		},
		Wager: WagerConfig{
			MinBet:     1,
			BaseCap:    10_000,
			CapPerTier: 10_000,
		},
		Blackjack: BlackjackConfig{
			Decks:              8,
			IdleTimeoutSeconds: 120,
			SettleRetries:      5,
		},
		Economy: EconomyConfig{
			MaxStamina:        3,
			LotteryTicketCost: 1_000,
		},
		Jobs: map[string]string{
			"stamina":      "0 */10 * * * *",
			"lottery":      "0 0 17 * * FRI",
			"effect_sweep": "@hourly",
		},
		RateLimit: RateLimitConfig{
			PerSecond: 2,
			Burst:     4,
		},
		DataDir: "~/.casinobot/history",
	}
}
