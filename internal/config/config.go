// Package config loads the coordinator's environment-variable configuration
// (spec §6: "durable-store URL, cache URL + auth token, allowed CORS origin,
// listen port. All via environment. No runtime reconfiguration."). The
// envInt/envDur helper shape mirrors the teacher's config-from-env call
// sites in prism-api/api/outbox.go and pool.go (ENQUEUE_WORKERS,
// OUTBOX_FLUSH_INTERVAL, etc).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every environment-sourced setting the coordinator needs.
type Config struct {
	ListenAddr string

	RedisConnectionString string

	StorageConnectionString string
	TasksTable              string
	ConflictAuditTable      string

	CORSAllowedOrigin string

	FlushDelay       time.Duration
	FlushWorkers     int
	FlushRetryInit   time.Duration
	FlushRetryMax    time.Duration
	FlushMaxRetries  int

	LockTTL     time.Duration
	PresenceTTL time.Duration

	Debug bool
}

// Load reads Config from the process environment, applying the same
// defaults-with-override-via-env pattern the teacher uses throughout
// prism-api/api.
func Load() Config {
	return Config{
		ListenAddr: envStr("LISTEN_ADDR", ":8080"),

		RedisConnectionString: envStr("REDIS_CONNECTION_STRING", "localhost:6379"),

		StorageConnectionString: envStr("STORAGE_CONNECTION_STRING", ""),
		TasksTable:              envStr("TASKS_TABLE", "tasks"),
		ConflictAuditTable:      envStr("CONFLICT_AUDIT_TABLE", "conflictauditlog"),

		CORSAllowedOrigin: envStr("CORS_ALLOWED_ORIGIN", "*"),

		FlushDelay:      envDur("FLUSH_DELAY", 500*time.Millisecond),
		FlushWorkers:    envInt("FLUSH_WORKERS", 5),
		FlushRetryInit:  envDur("FLUSH_RETRY_INITIAL", 250*time.Millisecond),
		FlushRetryMax:   envDur("FLUSH_RETRY_MAX", 30*time.Second),
		FlushMaxRetries: envInt("FLUSH_MAX_RETRIES", 5),

		LockTTL:     envDur("LOCK_TTL", 2*time.Second),
		PresenceTTL: envDur("PRESENCE_TTL", 2*time.Hour),

		Debug: envBool("DEBUG", false),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
