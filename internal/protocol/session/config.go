package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/ikrelay/internal/pose"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines replication tunables and link reliability defaults.
type Config struct {
	// Enabled false starts no tracked entities for this peer.
	Enabled bool
	// TickRate is session ticks per second.
	TickRate int
	// FullResyncInterval forces a periodic full snapshot; 0 sends full
	// snapshots only on spawn and on request.
	FullResyncInterval time.Duration
	// ResyncRetry repeats an unanswered resync request.
	ResyncRetry   time.Duration
	CurlDeadzone  float32
	CurlDebounce  time.Duration
	ScaleDebounce time.Duration
	// ResolveInterval is the target resolution poll cadence; 0 polls every tick.
	ResolveInterval time.Duration
	SpawnDelay      time.Duration
	Layout          string
	TrackingType    string
	// CommandRate bounds authority commands per entity per second.
	CommandRate  float64
	CommandBurst int

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	Backoff          BackoffConfig
	Security         Security
}

// DefaultConfig returns the runtime defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		TickRate:         30,
		ResyncRetry:      time.Second,
		CurlDeadzone:     0.01,
		CurlDebounce:     500 * time.Millisecond,
		ScaleDebounce:    500 * time.Millisecond,
		SpawnDelay:       5 * time.Second,
		Layout:           "canonical",
		TrackingType:     pose.ThreePoint.String(),
		CommandRate:      120,
		CommandBurst:     240,
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      15 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued tunables from DefaultConfig. Enabled,
// FullResyncInterval and ResolveInterval keep their zero meaning.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.TickRate <= 0 {
		c.TickRate = d.TickRate
	}
	if c.ResyncRetry <= 0 {
		c.ResyncRetry = d.ResyncRetry
	}
	if c.CurlDeadzone <= 0 {
		c.CurlDeadzone = d.CurlDeadzone
	}
	if c.CurlDebounce <= 0 {
		c.CurlDebounce = d.CurlDebounce
	}
	if c.ScaleDebounce <= 0 {
		c.ScaleDebounce = d.ScaleDebounce
	}
	if c.SpawnDelay < 0 {
		c.SpawnDelay = 0
	}
	if strings.TrimSpace(c.Layout) == "" {
		c.Layout = d.Layout
	}
	if strings.TrimSpace(c.TrackingType) == "" {
		c.TrackingType = d.TrackingType
	}
	if c.CommandRate <= 0 {
		c.CommandRate = d.CommandRate
	}
	if c.CommandBurst <= 0 {
		c.CommandBurst = d.CommandBurst
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}

// TickInterval is the duration of one session tick.
func (c Config) TickInterval() time.Duration {
	if c.TickRate <= 0 {
		return time.Second / time.Duration(DefaultConfig().TickRate)
	}
	return time.Second / time.Duration(c.TickRate)
}

// Tracking parses the configured tracking type.
func (c Config) Tracking() (pose.TrackingType, error) {
	return pose.ParseTrackingType(c.TrackingType)
}

func (c Config) Validate() error {
	if c.TickRate <= 0 || c.TickRate > 1000 {
		return fmt.Errorf("%w: tick_rate %d out of range", ErrInvalidConfig, c.TickRate)
	}
	if c.CurlDeadzone < 0 || c.CurlDeadzone >= 1 {
		return fmt.Errorf("%w: curl deadzone %v out of range", ErrInvalidConfig, c.CurlDeadzone)
	}
	switch strings.ToLower(strings.TrimSpace(c.Layout)) {
	case "canonical", "legacy":
	default:
		return fmt.Errorf("%w: unknown layout %q", ErrInvalidConfig, c.Layout)
	}
	if _, err := c.Tracking(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Security.ValidateClient(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
