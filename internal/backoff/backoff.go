// Package backoff computes retry delays: exponential growth with a cap and
// full jitter.
package backoff

import (
	"math/rand"
	"time"
)

type Config struct {
	BaseDelay time.Duration // e.g. 1s
	MaxDelay  time.Duration // e.g. 60s
}

func Default() Config {
	return Config{
		BaseDelay: 1 * time.Second,
		MaxDelay:  60 * time.Second,
	}
}

// Delay returns the wait before the given attempt. attempt is 1-based
// (1 => up to BaseDelay). The result is drawn uniformly from [0, min(base *
// 2^(attempt-1), max)] so concurrent retries spread out instead of stampeding.
func Delay(attempt int, cfg Config, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 1 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}

	// exponential: base * 2^(attempt-1), guarding the shift against overflow
	delay := cfg.MaxDelay
	if shift := attempt - 1; shift < 32 {
		d := cfg.BaseDelay << shift
		if d < cfg.MaxDelay && d > 0 {
			delay = d
		}
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(rng.Int63n(int64(delay) + 1))
}
