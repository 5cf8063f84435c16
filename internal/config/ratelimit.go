package config

import "time"

// RateLimitConfig tunes the Redis token bucket in front of the API.
// The public redemption endpoint is the abuse target; admin traffic is
// low volume but shares the same bucket keying.
type RateLimitConfig struct {
	Enabled        bool
	Capacity       int // bucket size, the allowed burst
	RefillTokens   int // tokens added per interval
	RefillInterval time.Duration
	TTL            time.Duration // idle bucket expiry in Redis
	KeyStrategy    string        // which request parts form the bucket key
	Prefix         string        // key namespace
	Debug          bool
}

// LoadRateLimitConfig reads RATE_LIMIT_* environment variables. The
// shorthands RATE_LIMIT_BURST and RATE_LIMIT_REFILL_EVERY override the
// capacity and refill pair, and all values are clamped to minimums that
// keep a misconfigured bucket admitting traffic.
func LoadRateLimitConfig() RateLimitConfig {
	cfg := RateLimitConfig{
		Enabled:        envBool("RATE_LIMIT_ENABLED", true),
		Capacity:       envInt("RATE_LIMIT_CAPACITY", 60),
		RefillTokens:   envInt("RATE_LIMIT_REFILL_TOKENS", 1),
		RefillInterval: envDur("RATE_LIMIT_REFILL_INTERVAL", time.Second),
		TTL:            envDur("RATE_LIMIT_TTL", 10*time.Minute),
		KeyStrategy:    envStr("RATE_LIMIT_KEY_STRATEGY", "ip_user_route"),
		Prefix:         envStr("RATE_LIMIT_PREFIX", "rl"),
		Debug:          envBool("RATE_LIMIT_DEBUG", false),
	}
	if burst := envInt("RATE_LIMIT_BURST", 0); burst > 0 {
		cfg.Capacity = burst
	}
	if every := envDur("RATE_LIMIT_REFILL_EVERY", 0); every > 0 {
		cfg.RefillTokens = 1
		cfg.RefillInterval = every
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.RefillTokens < 1 {
		cfg.RefillTokens = 1
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}
	if floor := 5 * cfg.RefillInterval; cfg.TTL < floor {
		cfg.TTL = floor
	}
	return cfg
}
