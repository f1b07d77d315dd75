package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                string
	DatabaseURL         string
	IdentityKey         string
	TokenNumberPrefix   string
	TokenNumberAttempts int
	AnnounceURL         string
	AnnounceBuffer      int
	FeedPollInterval    time.Duration
	FeedBatchSize       int
	RateLimitPerMinute  int
	RateLimitBurst      int
	ShutdownGrace       time.Duration
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first when present.
func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	prefix := os.Getenv("TOKEN_NUMBER_PREFIX")
	if prefix == "" {
		prefix = "TKN"
	}

	return Config{
		Port:                port,
		DatabaseURL:         os.Getenv("DB_DSN"),
		IdentityKey:         os.Getenv("IDENTITY_KEY"),
		TokenNumberPrefix:   prefix,
		TokenNumberAttempts: readInt("TOKEN_NUMBER_ATTEMPTS", 5),
		AnnounceURL:         os.Getenv("ANNOUNCE_URL"),
		AnnounceBuffer:      readInt("ANNOUNCE_BUFFER", 64),
		FeedPollInterval:    readDurationSeconds("FEED_POLL_INTERVAL_SECONDS", 2),
		FeedBatchSize:       readInt("FEED_BATCH_SIZE", 100),
		RateLimitPerMinute:  readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:      readInt("RATE_LIMIT_BURST", 30),
		ShutdownGrace:       readDurationSeconds("SHUTDOWN_GRACE_SECONDS", 10),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
