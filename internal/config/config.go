package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerPort            string
	DatabaseURL           string
	RedisURL              string
	JWTSecret             string
	EngineShards          int
	CatchUpDeltaThreshold int
	StoreRetryMax         int
	StoreRetryBase        time.Duration
}

func LoadConfig() (*Config, error) {
	retryBaseStr := getEnv("STORE_RETRY_BASE", "100ms")
	retryBase, err := time.ParseDuration(retryBaseStr)
	if err != nil {
		return nil, errors.New("invalid STORE_RETRY_BASE format")
	}

	shards, err := getEnvInt("ENGINE_SHARDS", 16)
	if err != nil {
		return nil, errors.New("invalid ENGINE_SHARDS format")
	}
	deltaThreshold, err := getEnvInt("CATCHUP_DELTA_THRESHOLD", 64)
	if err != nil {
		return nil, errors.New("invalid CATCHUP_DELTA_THRESHOLD format")
	}
	retryMax, err := getEnvInt("STORE_RETRY_MAX", 5)
	if err != nil {
		return nil, errors.New("invalid STORE_RETRY_MAX format")
	}

	cfg := &Config{
		ServerPort:            getEnv("SERVER_PORT", "8080"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		EngineShards:          shards,
		CatchUpDeltaThreshold: deltaThreshold,
		StoreRetryMax:         retryMax,
		StoreRetryBase:        retryBase,
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}
