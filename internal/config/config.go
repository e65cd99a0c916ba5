package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Relay server
	Addr        string
	DatabaseURL string
	// Client
	RelayURL string
	RedisURL string
	DataDir  string
	UserID   string
	UserName string
	// Client tunables
	PingInterval      time.Duration
	HeartbeatInterval time.Duration
	PeerTTL           time.Duration
}

func Load() Config {
	return Config{
		Addr: getenv("RELAY_ADDR", ":8799"),
		// Empty by default: the relay keeps history in memory unless a
		// database is configured.
		DatabaseURL:       getenv("DATABASE_URL", ""),
		RelayURL:          getenv("INKWELL_RELAY_URL", "ws://localhost:8799/sync"),
		RedisURL:          getenv("REDIS_URL", "redis://localhost:6379/0"),
		DataDir:           getenv("INKWELL_DATA_DIR", "./data"),
		UserID:            getenv("INKWELL_USER_ID", ""),
		UserName:          getenv("INKWELL_USER_NAME", ""),
		PingInterval:      time.Duration(getenvInt("INKWELL_PING_SECONDS", 20)) * time.Second,
		HeartbeatInterval: time.Duration(getenvInt("INKWELL_HEARTBEAT_SECONDS", 30)) * time.Second,
		PeerTTL:           time.Duration(getenvInt("INKWELL_PEER_TTL_SECONDS", 90)) * time.Second,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
