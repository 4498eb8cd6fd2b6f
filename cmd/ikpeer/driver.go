package main

import (
	"context"
	"math"
	"time"

	"github.com/danmuck/ikrelay/internal/ikplayer"
	"github.com/danmuck/ikrelay/internal/logging"
	"github.com/danmuck/ikrelay/internal/pose"
	"github.com/danmuck/ikrelay/internal/world"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/rs/zerolog"
)

const driverInterval = 100 * time.Millisecond

// driver stands in for tracking hardware on entities this peer controls:
// it initializes them, calibrates against a fixed head height, then waves
// the fingers.
type driver struct {
	w   *world.Memory
	cfg syntheticConfig
	// calibrating records when each entity entered calibration.
	calibrating map[pose.EntityID]time.Time
	log         zerolog.Logger
}

func newDriver(w *world.Memory, cfg syntheticConfig) *driver {
	return &driver{
		w:           w,
		cfg:         cfg,
		calibrating: make(map[pose.EntityID]time.Time),
		log:         logging.For("driver"),
	}
}

func (d *driver) hooks() ikplayer.Hooks {
	return ikplayer.Hooks{
		OnControlledSpawn: func(p *ikplayer.Player) {
			d.control(p, "InitPlayer", func(c ikplayer.Controller) error { return c.InitPlayer() })
		},
		OnAvatarReady: func(p *ikplayer.Player) {
			d.control(p, "StartCalibration", func(c ikplayer.Controller) error { return c.StartCalibration() })
		},
	}
}

func (d *driver) control(p *ikplayer.Player, op string, fn func(ikplayer.Controller) error) {
	ctl, err := p.Controller()
	if err == nil {
		err = fn(ctl)
	}
	if err != nil {
		d.log.Warn().Err(err).Uint32("entity", uint32(p.ID())).Str("op", op).Msg("driver.control failed")
		return
	}
	d.log.Info().Uint32("entity", uint32(p.ID())).Str("op", op).Msg("driver.control")
}

// run steps the driver on the session goroutine until ctx ends.
func (d *driver) run(ctx context.Context, s *ikplayer.Session) {
	ticker := time.NewTicker(driverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := s.Do(ctx, func(s *ikplayer.Session) { d.step(s, now) }); err != nil {
				return
			}
		}
	}
}

func (d *driver) step(s *ikplayer.Session, now time.Time) {
	for _, p := range s.Players() {
		if !p.Controlled() {
			continue
		}
		switch p.State() {
		case pose.Calibrating:
			d.calibrate(p, now)
		case pose.Calibrated:
			delete(d.calibrating, p.ID())
			d.curl(p, now)
		default:
			delete(d.calibrating, p.ID())
		}
	}
}

func (d *driver) calibrate(p *ikplayer.Player, now time.Time) {
	head := p.Snapshot().Targets[pose.TargetHead]
	root, ok := d.w.Lookup(p.ID())
	if head == 0 || !ok {
		return
	}
	d.w.Place(head, pose.Transform{
		Position: root.Position.Add(mgl32.Vec3{0, d.cfg.HeadHeight, 0}),
		Rotation: mgl32.QuatIdent(),
	})

	started, ok := d.calibrating[p.ID()]
	if !ok {
		d.calibrating[p.ID()] = now
		return
	}
	if now.Sub(started) < d.cfg.Hold {
		return
	}
	delete(d.calibrating, p.ID())
	d.control(p, "FinishCalibration", func(c ikplayer.Controller) error { return c.FinishCalibration(1.0) })
}

// curl drives every finger along a phase-shifted sine wave.
func (d *driver) curl(p *ikplayer.Player, now time.Time) {
	period := d.cfg.CurlPeriod
	if period <= 0 {
		return
	}
	phase := 2 * math.Pi * float64(now.UnixNano()%int64(period)) / float64(period)
	for h := pose.Left; h <= pose.Right; h++ {
		for f := pose.Thumb; f < pose.FingerCount; f++ {
			v := 0.5 + 0.5*math.Sin(phase+float64(f)*0.4+float64(h)*math.Pi)
			if err := p.UpdateCurl(h, f, float32(v)); err != nil {
				d.log.Debug().Err(err).Msg("driver.curl")
			}
		}
	}
}
