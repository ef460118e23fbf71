// Package config implements the operator-tunable settings store from spec
// §5's cancellation note ("every timeout value is read from the broker at
// use time so operators can tune it at runtime"): flag/env bootstrap for
// connection settings, plus a broker-backed, TTL-cached Store for tunables.
// No binary under cmd/ constructs a Store: the manager, node, scheduler and
// GC take their tunables from DefaultConfig values and environment
// variables at startup.
package config

import (
	"context"
	"flag"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/streamspace/sessiongrid/internal/broker"
)

// Bootstrap holds the flag/env-resolved settings every binary needs before
// it can dial the broker, mirroring docker-controller/cmd/main.go's
// flag+getEnv bootstrap pattern.
type Bootstrap struct {
	BrokerAddr     string
	BrokerPassword string
	BrokerDB       int
	LogLevel       string
	LogPretty      bool
}

// ParseBootstrap reads flags (falling back to environment variables) the way
// docker-controller/cmd/main.go does.
func ParseBootstrap() Bootstrap {
	b := Bootstrap{}
	flag.StringVar(&b.BrokerAddr, "broker-addr", getEnv("BROKER_ADDR", "localhost:6379"), "broker (Redis) address")
	flag.StringVar(&b.BrokerPassword, "broker-password", getEnv("BROKER_PASSWORD", ""), "broker password")
	flag.IntVar(&b.BrokerDB, "broker-db", getEnvInt("BROKER_DB", 0), "broker database index")
	flag.StringVar(&b.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level")
	flag.BoolVar(&b.LogPretty, "log-pretty", getEnvBool("LOG_PRETTY", false), "pretty-print logs for local development")
	flag.Parse()
	return b
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// Store is a TTL-cached view of operator-facing tunables kept in the
// broker under the "config:" namespace, so an operator can adjust a timeout
// without restarting every process.
type Store struct {
	b        broker.KV
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cachedValue
}

type cachedValue struct {
	value     string
	expiresAt time.Time
}

// NewStore builds a Store that re-reads a key from the broker at most once
// per cacheTTL.
func NewStore(b broker.KV, cacheTTL time.Duration) *Store {
	return &Store{b: b, cacheTTL: cacheTTL, cache: map[string]cachedValue{}}
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	if cached, ok := s.cache[key]; ok && time.Now().Before(cached.expiresAt) {
		s.mu.Unlock()
		return cached.value, nil
	}
	s.mu.Unlock()

	value, err := s.b.Get(ctx, "config:"+key)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.cache[key] = cachedValue{value: value, expiresAt: time.Now().Add(s.cacheTTL)}
	s.mu.Unlock()
	return value, nil
}

// Duration reads key as a duration, falling back to def if unset or
// unparseable.
func (s *Store) Duration(ctx context.Context, key string, def time.Duration) time.Duration {
	raw, err := s.get(ctx, key)
	if err != nil || raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

// StringSlice reads key as a comma-separated list of required metadata keys
// (spec §4.G step 2), falling back to def if unset.
func (s *Store) StringSlice(ctx context.Context, key string, def []string) []string {
	raw, err := s.get(ctx, key)
	if err != nil || raw == "" {
		return def
	}
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}
