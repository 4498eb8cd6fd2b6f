package session

import (
	"math/rand"
	"time"
)

// Backoff yields successive reconnect delays for one dial loop. It is not
// safe for concurrent use.
type Backoff struct {
	cfg     BackoffConfig
	attempt int
	rng     *rand.Rand
}

func NewBackoff(cfg BackoffConfig, seed int64) *Backoff {
	return &Backoff{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Next advances to the following attempt and returns its delay.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return NextBackoffDelay(b.cfg, b.attempt, b.rng)
}

func (b *Backoff) Attempt() int { return b.attempt }

func (b *Backoff) Reset() { b.attempt = 0 }

// NextBackoffDelay returns the delay before attempt (1-based). The delay grows
// by Multiplier per attempt up to MaxDelay; with Jitter and a non-nil rng it
// is spread over [d/2, 3d/2).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	mult := max(cfg.Multiplier, 1.0)
	delay := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if cfg.MaxDelay > 0 && delay >= float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
			break
		}
	}
	if cfg.Jitter && rng != nil {
		delay *= 0.5 + rng.Float64()
	}
	return time.Duration(delay)
}
