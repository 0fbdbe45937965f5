package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/FortiumPartners/claude-config-sub021/pkg/publisher"
	"github.com/FortiumPartners/claude-config-sub021/pkg/subscriber"
)

type Config struct {
	Port        string // PORT (default "8082")
	DatabaseURL string // DATABASE_URL (required)
	RedisURL    string // REDIS_URL (default "redis://localhost:6379")
	NATSURL     string // NATS_URL (used when EVENTS_TRANSPORT=nats)
	Transport   string // EVENTS_TRANSPORT: redis (default), nats, memory, none
	JWTSecret   string // JWT_SECRET

	BatchSize     int           // EVENTS_BATCH_SIZE
	BatchInterval time.Duration // EVENTS_BATCH_INTERVAL
	DedupWindow   time.Duration // EVENTS_DEDUP_WINDOW
	MaxRetries    int           // EVENTS_MAX_RETRIES

	MaxSubscriptionsPerUser int // EVENTS_MAX_SUBS_PER_USER
	ReplayBufferSize        int // EVENTS_REPLAY_BUFFER
}

func Load() (*Config, error) {
	c := &Config{
		Port:        envOrDefault("PORT", "8082"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    envOrDefault("REDIS_URL", "redis://localhost:6379"),
		NATSURL:     envOrDefault("NATS_URL", "nats://localhost:4222"),
		Transport:   envOrDefault("EVENTS_TRANSPORT", "redis"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
	}
	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	var err error
	if c.BatchSize, err = envInt("EVENTS_BATCH_SIZE", 50); err != nil {
		return nil, err
	}
	if c.BatchInterval, err = envDuration("EVENTS_BATCH_INTERVAL", 100*time.Millisecond); err != nil {
		return nil, err
	}
	if c.DedupWindow, err = envDuration("EVENTS_DEDUP_WINDOW", 5*time.Second); err != nil {
		return nil, err
	}
	if c.MaxRetries, err = envInt("EVENTS_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if c.MaxSubscriptionsPerUser, err = envInt("EVENTS_MAX_SUBS_PER_USER", 25); err != nil {
		return nil, err
	}
	if c.ReplayBufferSize, err = envInt("EVENTS_REPLAY_BUFFER", 500); err != nil {
		return nil, err
	}

	switch c.Transport {
	case "redis", "nats", "memory", "none":
	default:
		return nil, fmt.Errorf("EVENTS_TRANSPORT: unknown transport %q", c.Transport)
	}
	return c, nil
}

func (c *Config) PublisherConfig() publisher.Config {
	return publisher.Config{
		BatchSize:           c.BatchSize,
		BatchInterval:       c.BatchInterval,
		DeduplicationWindow: c.DedupWindow,
		MaxRetries:          c.MaxRetries,
	}
}

func (c *Config) SubscriberConfig() subscriber.Config {
	return subscriber.Config{
		MaxSubscriptionsPerUser: c.MaxSubscriptionsPerUser,
		ReplayBufferSize:        c.ReplayBufferSize,
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
