package ikplayer

import (
	"fmt"
	"time"

	"github.com/danmuck/ikrelay/internal/observability"
	"github.com/danmuck/ikrelay/internal/pose"
	"github.com/danmuck/ikrelay/internal/protocol/session"
)

// FingerPipeline filters raw curl input on the controlling peer. Values
// inside the deadzone of the last accepted value are dropped, the rest
// collapse per finger in an outbox that drains once per debounce interval.
type FingerPipeline struct {
	p        *Player
	deadzone float32
	lastSent [pose.CurlCount]float32
	outbox   *session.CurlOutbox
}

func newFingerPipeline(p *Player, deadzone float32, debounce time.Duration) *FingerPipeline {
	return &FingerPipeline{
		p:        p,
		deadzone: deadzone,
		outbox:   session.NewCurlOutbox(debounce),
	}
}

// Pending returns the queued value for one finger.
func (fp *FingerPipeline) Pending(h pose.Hand, f pose.Finger) (float32, bool) {
	item, ok := fp.outbox.Get(session.CurlKey{Hand: h, Finger: f})
	return item.Value, ok
}

// PendingCount is the number of fingers waiting to be flushed.
func (fp *FingerPipeline) PendingCount() int { return fp.outbox.Len() }

// update accepts a clamped value. It reports whether v left the deadzone.
func (fp *FingerPipeline) update(h pose.Hand, f pose.Finger, v float32, now time.Time) bool {
	idx := pose.CurlIndex(h, f)
	delta := v - fp.lastSent[idx]
	if delta < 0 {
		delta = -delta
	}
	if delta <= fp.deadzone {
		observability.RecordCurlUpdate("suppressed")
		return false
	}
	fp.lastSent[idx] = v
	if fp.outbox.Upsert(session.CurlKey{Hand: h, Finger: f}, v, now) {
		observability.RecordCurlUpdate("coalesced")
	} else {
		observability.RecordCurlUpdate("sent")
	}
	return true
}

// flush hands due values to the controller.
func (fp *FingerPipeline) flush(now time.Time) int {
	items := fp.outbox.Drain(now)
	if len(items) == 0 {
		return 0
	}
	ctl, err := fp.p.Controller()
	if err != nil {
		return 0
	}
	for _, item := range items {
		if err := ctl.SetFingerCurl(item.Key.Hand, item.Key.Finger, item.Value); err != nil {
			fp.p.log.Warn().Err(err).
				Str("hand", item.Key.Hand.String()).
				Str("finger", item.Key.Finger.String()).
				Msg("ikplayer.fingers flush failed")
		}
	}
	return len(items)
}

func (fp *FingerPipeline) reset() {
	fp.outbox.Reset()
	fp.lastSent = [pose.CurlCount]float32{}
}

// Fingers exposes the curl pipeline.
func (p *Player) Fingers() *FingerPipeline { return p.fingers }

// UpdateCurl feeds one raw curl sample from the controlling peer. The
// authority applies every sample to its avatar at once, including ones the
// deadzone keeps off the wire; everyone else waits for the replicated value.
func (p *Player) UpdateCurl(h pose.Hand, f pose.Finger, v float32) error {
	if !p.Controlled() {
		return fmt.Errorf("%w: curl input for entity %d controlled by peer %d", ErrProtocolMisuse, p.id, p.owner)
	}
	if !h.Valid() || !f.Valid() {
		return fmt.Errorf("ikplayer: invalid finger hand=%d finger=%d", h, f)
	}
	v = pose.ClampCurl(v)
	p.fingers.update(h, f, v, p.sess.now)
	if p.Authority() {
		if a := p.Avatar(); a != nil {
			return a.ApplyCurl(h, f, v)
		}
	}
	return nil
}
