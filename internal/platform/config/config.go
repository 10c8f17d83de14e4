// Package config reads the relay's settings from the process environment,
// optionally seeded from a .env file.
//
// Recognised variables: PORT, LOG_LEVEL, LOG_FORMAT, RING_CAPACITY,
// QUEUE_CAPACITY, MAX_FRAME_BYTES, SESSION_TIMEOUT, GRACE_PERIOD,
// REAP_INTERVAL and LISTEN_POLL_INTERVAL. Durations use time.ParseDuration
// syntax ("250ms", "5m").
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load seeds the environment from the given .env files, or ./.env when none
// are named. Variables already set in the environment win. A missing file is
// reported as an error; the server ignores it and runs on env and defaults.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// lookup returns the trimmed value of key and whether it is non-empty.
func lookup(key string) (string, bool) {
	s := strings.TrimSpace(os.Getenv(key))
	return s, s != ""
}

// GetEnv returns the value of key, or fallback when it is unset or blank.
func GetEnv(key, fallback string) string {
	if s, ok := lookup(key); ok {
		return s
	}
	return fallback
}

// GetEnvInt returns key parsed as a base-10 integer. Blank or unparsable
// values yield fallback. Capacities and frame limits go through here; the
// relay applies its own defaults to non-positive results.
func GetEnvInt(key string, fallback int) int {
	if s, ok := lookup(key); ok {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration returns key parsed as a duration. Blank, unparsable and
// non-positive values yield fallback, so a typo never disables a timer.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s, ok := lookup(key); ok {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
