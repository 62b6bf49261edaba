package client

import (
	"context"
	"math/rand"
	"time"
)

// DefaultRequestAttempts bounds the tries per read or write when
// MaxConnectAttempts is unbounded.
const DefaultRequestAttempts = 5

// BackoffConfig shapes the pause before a retry. The same schedule covers the first
// dial and reconnects after a broken exchange.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter spreads each pause over [d/2, 3d/2).
	Jitter bool
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Second,
		Jitter:       true,
	}
}

// Delay returns the pause before retry number attempt (1-based). rng may be nil,
// which disables jitter.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := max(b.Multiplier, 1)
	d := float64(b.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
		if b.MaxDelay > 0 && d >= float64(b.MaxDelay) {
			break
		}
	}
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		d = float64(b.MaxDelay)
	}
	if b.Jitter && rng != nil {
		d *= 0.5 + rng.Float64()
	}
	return time.Duration(d)
}

// retrier paces repeated attempts for one client. Callers serialize access.
type retrier struct {
	backoff BackoffConfig
	rng     *rand.Rand
}

func newRetrier(backoff BackoffConfig) *retrier {
	return &retrier{
		backoff: backoff,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// allow reports whether another try may follow attempt. limit <= 0 is unbounded.
func (r *retrier) allow(limit, attempt int) bool {
	return limit <= 0 || attempt < limit
}

func (r *retrier) pause(ctx context.Context, attempt int) error {
	timer := time.NewTimer(r.backoff.Delay(attempt, r.rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
