package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	// Chain watcher.
	RPCURL            string
	Contract          string
	FromBlock         uint64
	ToBlock           uint64
	Follow            bool
	PollInterval      time.Duration
	BatchSize         uint64
	Outbox            string
	Checkpoint        string
	CheckpointEnabled bool
	MaxRetries        int
	RetryBackoff      time.Duration

	// Fact delivery.
	WebhookBaseURL  string
	DispatchTimeout time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration

	// Reconciliation server.
	ListenAddr      string
	DatabaseURL     string
	CalendarBaseURL string
	CalendarToken   string
	GrantTimeout    time.Duration
	BackfillEvery   time.Duration

	LogLevel string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TICKETFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("poll-interval", 5*time.Second)
	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("outbox", "./data/facts.jsonl")
	v.SetDefault("checkpoint", "./data/checkpoint.json")
	v.SetDefault("checkpoint-enabled", true)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("dispatch-timeout", 10*time.Second)
	v.SetDefault("initial-backoff", time.Second)
	v.SetDefault("max-backoff", 5*time.Minute)
	v.SetDefault("listen", ":8080")
	v.SetDefault("grant-timeout", 10*time.Second)
	v.SetDefault("backfill-every", time.Minute)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:            v.GetString("rpc"),
		Contract:          v.GetString("contract"),
		FromBlock:         v.GetUint64("from"),
		ToBlock:           v.GetUint64("to"),
		Follow:            v.GetBool("follow"),
		PollInterval:      v.GetDuration("poll-interval"),
		BatchSize:         v.GetUint64("batch-size"),
		Outbox:            v.GetString("outbox"),
		Checkpoint:        v.GetString("checkpoint"),
		CheckpointEnabled: v.GetBool("checkpoint-enabled"),
		MaxRetries:        v.GetInt("max-retries"),
		RetryBackoff:      v.GetDuration("retry-backoff"),
		WebhookBaseURL:    v.GetString("webhook-base-url"),
		DispatchTimeout:   v.GetDuration("dispatch-timeout"),
		InitialBackoff:    v.GetDuration("initial-backoff"),
		MaxBackoff:        v.GetDuration("max-backoff"),
		ListenAddr:        v.GetString("listen"),
		DatabaseURL:       v.GetString("database-url"),
		CalendarBaseURL:   v.GetString("calendar-base-url"),
		CalendarToken:     v.GetString("calendar-token"),
		GrantTimeout:      v.GetDuration("grant-timeout"),
		BackfillEvery:     v.GetDuration("backfill-every"),
		LogLevel:          v.GetString("log-level"),
	}

	return cfg, nil
}
