package config

import (
	"strings"
	"time"
)

// CacheConfig tunes the Redis response cache. The cache fronts the
// read-heavy admin surface (tier trees, effective entitlement sets,
// server registry listings); redemptions and activity callbacks are
// writes and never pass through it.
type CacheConfig struct {
	Enabled      bool
	Methods      map[string]bool // HTTP methods eligible for caching
	TTL          time.Duration
	KeyStrategy  string // which request parts form the cache key
	Prefix       string // key namespace
	MaxBodyBytes int    // responses larger than this are not stored
}

// LoadCacheConfig reads CACHE_* environment variables, defaulting to
// caching GET responses for 30 seconds.
func LoadCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:      envBool("CACHE_ENABLED", true),
		Methods:      parseMethods(envStr("CACHE_METHODS", "GET")),
		TTL:          envDur("CACHE_TTL", 30*time.Second),
		KeyStrategy:  envStr("CACHE_KEY_STRATEGY", "route_query"),
		Prefix:       envStr("CACHE_PREFIX", "cache"),
		MaxBodyBytes: envInt("CACHE_MAX_BODY_BYTES", 1<<20),
	}
}

func parseMethods(s string) map[string]bool {
	m := map[string]bool{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(strings.ToUpper(p)); p != "" {
			m[p] = true
		}
	}
	return m
}
