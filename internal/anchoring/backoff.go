package anchoring

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config holds the anchoring retry and reconciliation policy.
type Config struct {
	// MaxAttempts caps submissions per production. The retry after a nonce
	// refresh is not counted against it.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool

	// ReconcileWindow bounds how long an unknown outcome is polled before
	// the production becomes eligible for retry.
	ReconcileWindow time.Duration
	ReconcilePoll   time.Duration

	// Workers is the reconciler pool size.
	Workers int

	// ExplorerBaseURL, when set, fills Result.ExplorerURL.
	ExplorerBaseURL string
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		BaseDelay:       2 * time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		ReconcileWindow: 60 * time.Second,
		ReconcilePoll:   5 * time.Second,
		Workers:         4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.ReconcileWindow < 0 {
		c.ReconcileWindow = 0
	}
	if c.ReconcilePoll <= 0 {
		c.ReconcilePoll = d.ReconcilePoll
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	return c
}

// backoff returns the delay before the attempt after the given one.
func (c Config) backoff(attempt int) time.Duration {
	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}
	return time.Duration(delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
