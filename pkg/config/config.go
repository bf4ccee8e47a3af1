// Package config carries the bridge service configuration. Everything is
// settable through PRISMA_BRIDGE_* environment variables, matching how the
// remote client library locates the service (PRISMA_BRIDGE_URL on its
// side, PRISMA_BRIDGE_PORT here).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backend names accepted by PRISMA_BRIDGE_STORAGE.
const (
	StorageMemory = "memory"
	StorageBadger = "badger"
)

// DefaultPort is the port the Python client dials when unconfigured.
const DefaultPort = 4466

type Config struct {
	Address string
	Port    int

	StorageBackend string
	DataDir        string
	// Models served by the bundled backends, PascalCase as in the schema.
	Models []string

	// Defaults for interactive transactions when the start request does
	// not supply its own bounds.
	TxTimeout time.Duration
	TxMaxWait time.Duration

	LogQueries   bool
	EnableCORS   bool
	CORSOrigins  []string
	MaxBodyBytes int64
}

// Default returns the configuration the service ships with.
func Default() *Config {
	return &Config{
		Address:        "0.0.0.0",
		Port:           DefaultPort,
		StorageBackend: StorageMemory,
		DataDir:        "./data",
		TxTimeout:      5 * time.Second,
		TxMaxWait:      2 * time.Second,
		EnableCORS:     true,
		CORSOrigins:    []string{"*"},
		MaxBodyBytes:   10 << 20, // 10MB
	}
}

// FromEnv overlays Default with PRISMA_BRIDGE_* environment variables.
func FromEnv() *Config {
	c := Default()
	c.Address = envStr("PRISMA_BRIDGE_ADDR", c.Address)
	c.Port = envInt("PRISMA_BRIDGE_PORT", c.Port)
	c.StorageBackend = strings.ToLower(envStr("PRISMA_BRIDGE_STORAGE", c.StorageBackend))
	c.DataDir = envStr("PRISMA_BRIDGE_DATA_DIR", c.DataDir)
	if models := envStr("PRISMA_BRIDGE_MODELS", ""); models != "" {
		c.Models = splitTrim(models)
	}
	c.TxTimeout = envDuration("PRISMA_BRIDGE_TX_TIMEOUT", c.TxTimeout)
	c.TxMaxWait = envDuration("PRISMA_BRIDGE_TX_MAX_WAIT", c.TxMaxWait)
	c.LogQueries = envBool("PRISMA_BRIDGE_LOG_QUERIES", c.LogQueries)
	c.EnableCORS = envBool("PRISMA_BRIDGE_CORS", c.EnableCORS)
	if origins := envStr("PRISMA_BRIDGE_CORS_ORIGINS", ""); origins != "" {
		c.CORSOrigins = splitTrim(origins)
	}
	c.MaxBodyBytes = int64(envInt("PRISMA_BRIDGE_MAX_BODY_BYTES", int(c.MaxBodyBytes)))
	return c
}

func envStr(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return fallback
}

// envDuration parses a duration first; a bare integer is taken as
// milliseconds, which is the unit the client sends on the wire.
func envDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
