// Package config loads server settings from the environment.
package config

import (
	"os"
	"strconv"
)

// Config holds everything the server binary needs at startup. Empty
// DatabaseURL and BoltPath fall back to in-memory snapshots; empty RedisAddr
// disables the multi-node relay.
type Config struct {
	Addr        string
	DatabaseURL string
	BoltPath    string
	RedisAddr   string
	MDNSEnable  bool
	MDNSService string
	MDNSPort    int
}

// Load reads the environment, applying defaults.
func Load() Config {
	return Config{
		Addr:        getenv("SYNCPAD_ADDR", ":8081"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		BoltPath:    getenv("SYNCPAD_BOLT_PATH", ""),
		RedisAddr:   getenv("REDIS_ADDR", ""),
		MDNSEnable:  getenvBool("SYNCPAD_MDNS", true),
		MDNSService: getenv("SYNCPAD_MDNS_SERVICE", "_syncpad._tcp"),
		MDNSPort:    getenvInt("SYNCPAD_MDNS_PORT", 8081),
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

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
