// Package config loads the operator controls named in the external
// interfaces list from the environment, once, at process start.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the immutable set of operator controls. Nothing mutates it
// after Load returns; every worker reads the same values for the life
// of the process.
type Config struct {
	PoolSize int

	DispatcherBackoffBase time.Duration
	DispatcherBackoffCap  time.Duration

	ReaperInterval    time.Duration
	ReaperGraceWindow time.Duration

	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	LargeOutputThreshold int64
	OutputStoreRoot      string

	LogBufferSize int

	// SandboxBackend maps a language tag to the driver backend name
	// ("exec", "docker", "k8sjob"). Populated from SANDBOX_BACKEND_<LANG>.
	SandboxBackend map[string]string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresDSN string

	TransitionsFile string

	ShardIndex int
	ShardCount int
}

// Load reads every recognized environment variable, applying the
// defaults given in the external interfaces table when unset.
func Load() *Config {
	c := &Config{
		PoolSize:              getInt("POOL_SIZE", 3),
		DispatcherBackoffBase: getDuration("DISPATCHER_BACKOFF_BASE", 100*time.Millisecond),
		DispatcherBackoffCap:  getDuration("DISPATCHER_BACKOFF_CAP", 5*time.Second),
		ReaperInterval:        getDuration("REAPER_INTERVAL", 60*time.Second),
		ReaperGraceWindow:     getDuration("REAPER_GRACE_WINDOW", 2*time.Minute),
		DefaultTimeout:        getDuration("DEFAULT_TIMEOUT", 30*time.Second),
		MaxTimeout:            getDuration("MAX_TIMEOUT", 10*time.Minute),
		LargeOutputThreshold:  int64(getInt("LARGE_OUTPUT_THRESHOLD", 10*1024)),
		OutputStoreRoot:       getString("OUTPUT_STORE_ROOT", "/var/lib/crucible/outputs"),
		LogBufferSize:         getInt("LOG_BUFFER_SIZE", 64*1024),
		SandboxBackend:        getBackendMap(),
		RedisAddr:             getString("REDIS_ADDR", "localhost:6379"),
		RedisPassword:         getString("REDIS_PASSWORD", ""),
		RedisDB:               getInt("REDIS_DB", 0),
		PostgresDSN:           getString("POSTGRES_DSN", ""),
		TransitionsFile:       getString("TRANSITIONS_FILE", "config/transitions.yaml"),
		ShardIndex:            getInt("POD_INDEX", 0),
		ShardCount:            getInt("POD_COUNT", 1),
	}
	return c
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getBackendMap reads SANDBOX_BACKEND_<LANG>=<backend> pairs, e.g.
// SANDBOX_BACKEND_PYTHON=docker, into a map keyed by lower-cased
// language. The map always holds a "default" entry ("exec" unless
// SANDBOX_BACKEND_DEFAULT overrides it); languages with no entry are
// simply absent.
func getBackendMap() map[string]string {
	m := map[string]string{"default": "exec"}
	const prefix = "SANDBOX_BACKEND_"
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		lang := strings.ToLower(strings.TrimPrefix(parts[0], prefix))
		m[lang] = parts[1]
	}
	return m
}
