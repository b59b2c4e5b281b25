package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store backends selectable with GIVEAWAY_STORE.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	Addr string

	// Storage
	Store            string
	SQLitePath       string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string

	// Live win feed; empty RedisAddr disables it.
	RedisAddr     string
	RedisPassword string
	WinTTL        time.Duration

	// Draw policy
	CatalogPath     string
	DefaultCooldown time.Duration
	LockTimeout     time.Duration

	// Transport
	RequestsPerSecond int

	Verbose bool
}

func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Addr: envStr("GIVEAWAY_ADDR", ":8080"),

		Store:            envStr("GIVEAWAY_STORE", StoreMemory),
		SQLitePath:       envStr("GIVEAWAY_SQLITE_PATH", "data/giveaway.db"),
		PostgresHost:     envStr("POSTGRES_HOST", "localhost"),
		PostgresPort:     envStr("POSTGRES_PORT", "5432"),
		PostgresUser:     envStr("POSTGRES_USER", "giveaway"),
		PostgresPassword: envStr("POSTGRES_PASSWORD", ""),
		PostgresDB:       envStr("POSTGRES_DB", "giveaway"),

		RedisAddr:     envStr("REDIS_ADDR", ""),
		RedisPassword: envStr("REDIS_PASSWORD", ""),
		WinTTL:        time.Duration(envInt("GIVEAWAY_WIN_TTL_SEC", 60)) * time.Second,

		CatalogPath:     envStr("GIVEAWAY_CATALOG_PATH", "catalog.yaml"),
		DefaultCooldown: time.Duration(envInt("GIVEAWAY_DEFAULT_COOLDOWN_SEC", 30)) * time.Second,
		LockTimeout:     time.Duration(envInt("GIVEAWAY_LOCK_TIMEOUT_MS", 5000)) * time.Millisecond,

		RequestsPerSecond: envInt("GIVEAWAY_REQUESTS_PER_SEC", 50),

		Verbose: envStr("GIVEAWAY_VERBOSE", "false") == "true",
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
