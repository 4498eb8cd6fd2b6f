package ikplayer

import (
	"errors"
	"fmt"

	"github.com/danmuck/ikrelay/internal/observability"
	"github.com/danmuck/ikrelay/internal/pose"
	"github.com/danmuck/ikrelay/internal/protocol/schema"
	"github.com/danmuck/ikrelay/internal/protocol/session"
	"github.com/danmuck/ikrelay/internal/replication"
)

func (p *Player) requireAuthority(op string) error {
	if !p.Authority() {
		return fmt.Errorf("%w: %s on observer of entity %d", ErrProtocolMisuse, op, p.id)
	}
	return nil
}

func (p *Player) setState(s pose.IkState) error {
	_, err := p.ch.SetUint32(replication.FieldState, uint32(s))
	return err
}

// InitPlayer spawns the three tracking targets and moves Disabled to
// Initialized, then tells every peer to build its view.
func (p *Player) InitPlayer() error {
	if err := p.requireAuthority("InitPlayer"); err != nil {
		return err
	}
	if !p.sess.tracking.Supported() {
		return fmt.Errorf("%w: %s", ErrUnsupportedMode, p.sess.tracking)
	}
	if from := p.State(); from != pose.Disabled {
		return &TransitionError{From: from, To: pose.Initialized, Reason: "player already initialized"}
	}
	p.releaseTargets()
	for k := pose.TargetHead; k <= pose.TargetRightHand; k++ {
		id, err := p.sess.world.SpawnTarget(p.id, k)
		if err != nil {
			return fmt.Errorf("ikplayer: spawn %s target: %w", k, err)
		}
		if _, err := p.ch.SetUint32(replication.TargetField(k), uint32(id)); err != nil {
			return err
		}
		f, err := session.EncodeTargetSpawnFrame(session.TargetSpawn{Entity: p.id, Target: id, Kind: k})
		if err != nil {
			return err
		}
		p.sess.send(f)
	}
	if err := p.setState(pose.Initialized); err != nil {
		return err
	}
	f, err := session.EncodeInitAvatarFrame(p.id)
	if err != nil {
		return err
	}
	p.sess.send(f)
	p.onInitAvatar()
	return nil
}

// StartCalibration rebuilds the avatar and enters Calibrating. Calling it
// while already calibrating is a no-op.
func (p *Player) StartCalibration() error {
	if err := p.requireAuthority("StartCalibration"); err != nil {
		return err
	}
	from := p.State()
	switch from {
	case pose.Calibrating:
		return nil
	case pose.Initialized, pose.Calibrated:
	default:
		return &TransitionError{From: from, To: pose.Calibrating, Reason: "player not initialized"}
	}
	if !p.ch.Snapshot().HasTargets() {
		return &TransitionError{From: from, To: pose.Calibrating, Reason: "targets unset"}
	}
	if !p.resolved() {
		return &TransitionError{From: from, To: pose.Calibrating, Reason: "targets unresolved"}
	}
	if err := p.beginCalibration(); err != nil {
		return err
	}
	return p.setState(pose.Calibrating)
}

func (p *Player) beginCalibration() error {
	if err := p.buildAvatar(); err != nil {
		return err
	}
	p.scaleUp.Reset()
	p.hasEstimate = false
	return p.avatar.BeginCalibration()
}

// FinishCalibration commits the scale and enters Calibrated. The local
// estimate wins over scale when this peer measured one.
func (p *Player) FinishCalibration(scale float32) error {
	if err := p.requireAuthority("FinishCalibration"); err != nil {
		return err
	}
	if from := p.State(); from != pose.Calibrating {
		return &TransitionError{From: from, To: pose.Calibrated, Reason: "not calibrating"}
	}
	if p.Avatar() == nil {
		if err := p.beginCalibration(); err != nil {
			return err
		}
	}
	committed := p.commitScale(scale)
	if err := p.finishAvatar(committed); err != nil {
		return err
	}
	if _, err := p.ch.SetFloat32(replication.FieldScale, committed); err != nil {
		return err
	}
	return p.setState(pose.Calibrated)
}

// commitScale picks the scale to commit: a fresh local estimate, then the
// requested value, then the default.
func (p *Player) commitScale(requested float32) float32 {
	if p.Controlled() {
		if est, ok := p.estimateScale(); ok {
			return pose.SanitizeScale(est)
		}
	}
	if p.hasEstimate {
		return pose.SanitizeScale(p.lastEstimate)
	}
	return pose.SanitizeScale(requested)
}

func (p *Player) finishAvatar(scale float32) error {
	trackers, err := p.trackers()
	if err != nil {
		return err
	}
	if err := p.avatar.FinishCalibration(trackers, scale); err != nil {
		return err
	}
	p.sess.world.SetSolverEnabled(p.id, true)
	p.sess.world.SetFallbackVisible(p.id, false)
	return nil
}

func (p *Player) SetScale(scale float32) error {
	if err := p.requireAuthority("SetScale"); err != nil {
		return err
	}
	_, err := p.ch.SetFloat32(replication.FieldScale, pose.SanitizeScale(scale))
	return err
}

func (p *Player) SetFingerCurl(h pose.Hand, f pose.Finger, v float32) error {
	if err := p.requireAuthority("SetFingerCurl"); err != nil {
		return err
	}
	if !h.Valid() || !f.Valid() {
		return fmt.Errorf("ikplayer: invalid finger hand=%d finger=%d", h, f)
	}
	_, err := p.ch.SetFloat32(replication.CurlField(h, f), pose.ClampCurl(v))
	return err
}

// Disable tears down the avatar from any state.
func (p *Player) Disable() error {
	if err := p.requireAuthority("Disable"); err != nil {
		return err
	}
	p.teardown()
	return p.setState(pose.Disabled)
}

// releaseTargets destroys targets this authority spawned.
func (p *Player) releaseTargets() {
	for _, id := range p.targets() {
		if id != 0 {
			p.sess.world.DestroyTarget(id)
		}
	}
}

// execute runs an inbound command on the authority.
func (p *Player) execute(cmd session.Command) error {
	switch cmd.Type {
	case schema.MsgCmdInitPlayer:
		return p.InitPlayer()
	case schema.MsgCmdStartCalibration:
		return p.StartCalibration()
	case schema.MsgCmdFinishCalibration:
		return p.FinishCalibration(cmd.Scale)
	case schema.MsgCmdSetScale:
		return p.SetScale(cmd.Scale)
	case schema.MsgCmdSetFingerCurl:
		return p.SetFingerCurl(cmd.Hand, cmd.Finger, cmd.Value)
	case schema.MsgCmdDisable:
		return p.Disable()
	}
	return fmt.Errorf("%w: %s", session.ErrInvalidCommand, cmd.Name())
}

func commandOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrUnsupportedMode):
		return "unsupported_mode"
	case errors.Is(err, ErrProtocolMisuse):
		return "misuse"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "error"
	}
}

func (p *Player) registerHooks() {
	p.ch.OnChange(replication.FieldState, p.onStateChange)
	p.ch.OnChange(replication.FieldScale, p.onScaleChange)
	for h := pose.Left; h <= pose.Right; h++ {
		for f := pose.Thumb; f <= pose.Pinky; f++ {
			h, f := h, f
			p.ch.OnChange(replication.CurlField(h, f), func(c replication.Change) error {
				a := p.Avatar()
				if a == nil {
					return nil
				}
				return a.ApplyCurl(h, f, c.New.Float32())
			})
		}
	}
}

func (p *Player) onScaleChange(c replication.Change) error {
	a := p.Avatar()
	if a == nil {
		return nil
	}
	// the controller shows its own live estimate while calibrating
	if p.Controlled() && a.Calibrating() {
		return nil
	}
	a.SetScale(c.New.Float32())
	return nil
}

// onStateChange replays state side effects on observers. The authority
// already performed them before writing the field.
func (p *Player) onStateChange(c replication.Change) error {
	old, cur := pose.IkState(c.Old.Uint32()), pose.IkState(c.New.Uint32())
	p.log.Debug().
		Str("from", old.String()).
		Str("to", cur.String()).
		Str("origin", c.Origin.String()).
		Msg("ikplayer.state")
	if c.Origin == replication.OriginLocal {
		return nil
	}
	switch cur {
	case pose.Disabled:
		p.teardown()
	case pose.Initialized:
		p.onInitAvatar()
	case pose.Calibrating:
		p.whenResolved(taskRebuild, func() {
			if err := p.beginCalibration(); err != nil {
				p.log.Error().Err(err).Msg("ikplayer.replay begin calibration failed")
			}
		})
	case pose.Calibrated:
		if old == pose.Calibrating && p.Avatar() != nil && p.Avatar().Calibrating() {
			return p.finishAvatar(p.ch.Float32(replication.FieldScale))
		}
		p.whenResolved(taskRebuild, func() {
			if err := p.beginCalibration(); err != nil {
				p.log.Error().Err(err).Msg("ikplayer.replay rebuild failed")
				return
			}
			if err := p.finishAvatar(p.ch.Float32(replication.FieldScale)); err != nil {
				p.log.Error().Err(err).Msg("ikplayer.replay finish failed")
			}
		})
	}
	return nil
}

func (p *Player) recordCommand(cmd session.Command, err error) {
	outcome := commandOutcome(err)
	observability.RecordCommand(cmd.Name(), outcome)
	if err != nil {
		p.log.Warn().Err(err).Str("command", cmd.Name()).Uint32("source", cmd.Source).Msg("ikplayer.command rejected")
		return
	}
	p.log.Debug().Str("command", cmd.Name()).Msg("ikplayer.command")
}
