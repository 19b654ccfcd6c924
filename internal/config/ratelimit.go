package config

import (
	"os"
	"strconv"
	"time"
)

// RateLimitConfig tunes the coarse HTTP token bucket that sits in front of
// every route.  It is independent of the adaptive per-device limiter that
// guards logins and challenge delivery.
type RateLimitConfig struct {
	Enabled        bool
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
	KeyStrategy    string // ip | device | ip_route | all
	Prefix         string
}

func LoadRateLimitConfig() RateLimitConfig {
	def := RateLimitConfig{
		Enabled:        envBool("HTTP_RATE_LIMIT_ENABLED", true),
		Capacity:       envInt("HTTP_RATE_LIMIT_CAPACITY", 60),
		RefillTokens:   envInt("HTTP_RATE_LIMIT_REFILL_TOKENS", 1),
		RefillInterval: envDur("HTTP_RATE_LIMIT_REFILL_INTERVAL", time.Second),
		TTL:            envDur("HTTP_RATE_LIMIT_TTL", 10*time.Minute),
		KeyStrategy:    envStr("HTTP_RATE_LIMIT_KEY_STRATEGY", "ip_route"),
		Prefix:         envStr("HTTP_RATE_LIMIT_PREFIX", "tb"),
	}
	if def.Capacity < 1 {
		def.Capacity = 1
	}
	if def.RefillTokens < 1 {
		def.RefillTokens = 1
	}
	if def.RefillInterval <= 0 {
		def.RefillInterval = time.Second
	}
	if minTTL := 5 * def.RefillInterval; def.TTL < minTTL {
		def.TTL = minTTL
	}
	return def
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	case "0", "false", "FALSE", "False", "no", "off":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	if n, err := strconv.Atoi(os.Getenv(k)); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	if dur, err := time.ParseDuration(os.Getenv(k)); err == nil {
		return dur
	}
	return d
}
