package ikplayer

import (
	"github.com/danmuck/ikrelay/internal/pose"
	"github.com/danmuck/ikrelay/internal/protocol/schema"
	"github.com/danmuck/ikrelay/internal/protocol/session"
)

// Controller drives one entity's calibration and hand pose. The authority
// executes calls directly; a remote controller sends them as commands.
type Controller interface {
	InitPlayer() error
	StartCalibration() error
	FinishCalibration(scale float32) error
	SetScale(scale float32) error
	SetFingerCurl(h pose.Hand, f pose.Finger, v float32) error
	Disable() error
}

var (
	_ Controller = (*Player)(nil)
	_ Controller = remoteController{}
)

type remoteController struct {
	p *Player
}

func (r remoteController) send(cmd session.Command) error {
	cmd.Entity = r.p.id
	f, err := session.EncodeCommandFrame(cmd)
	if err != nil {
		return err
	}
	return r.p.sess.sendErr(f)
}

func (r remoteController) InitPlayer() error {
	return r.send(session.Command{Type: schema.MsgCmdInitPlayer})
}

func (r remoteController) StartCalibration() error {
	return r.send(session.Command{Type: schema.MsgCmdStartCalibration})
}

func (r remoteController) FinishCalibration(scale float32) error {
	if est, ok := r.p.estimateScale(); ok {
		scale = est
	}
	return r.send(session.Command{Type: schema.MsgCmdFinishCalibration, Scale: pose.SanitizeScale(scale)})
}

func (r remoteController) SetScale(scale float32) error {
	return r.send(session.Command{Type: schema.MsgCmdSetScale, Scale: pose.SanitizeScale(scale)})
}

func (r remoteController) SetFingerCurl(h pose.Hand, f pose.Finger, v float32) error {
	return r.send(session.Command{Type: schema.MsgCmdSetFingerCurl, Hand: h, Finger: f, Value: pose.ClampCurl(v)})
}

func (r remoteController) Disable() error {
	return r.send(session.Command{Type: schema.MsgCmdDisable})
}
