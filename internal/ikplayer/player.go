package ikplayer

import (
	"fmt"
	"time"

	"github.com/danmuck/ikrelay/internal/pose"
	"github.com/danmuck/ikrelay/internal/protocol/session"
	"github.com/danmuck/ikrelay/internal/replication"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// scheduler task names, keyed per entity
const (
	taskInitAvatar = "init-avatar"
	taskRebuild    = "rebuild"
)

// Player is one tracked entity as seen by this peer.
type Player struct {
	sess  *Session
	id    pose.EntityID
	owner uint32
	ch    *replication.Channel

	avatar *pose.Avatar
	// lastEstimate is the latest local scale estimate while calibrating.
	lastEstimate float32
	hasEstimate  bool

	fingers *FingerPipeline
	scaleUp *session.Debouncer
	// limiter bounds commands accepted by the authority.
	limiter *rate.Limiter
	// syncSeq numbers published updates; lastSeq is the last one applied.
	syncSeq     uint32
	lastSeq     uint32
	haveSeq     bool
	resyncAsked bool
	resyncAt    time.Time
	fullPending bool
	log         zerolog.Logger
}

func newPlayer(s *Session, id pose.EntityID, owner uint32, layout replication.Layout, role replication.Role) *Player {
	p := &Player{
		sess:    s,
		id:      id,
		owner:   owner,
		ch:      replication.NewChannel(id, layout, role),
		scaleUp: session.NewDebouncer(s.cfg.ScaleDebounce),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.CommandRate), s.cfg.CommandBurst),
		log: s.log.With().
			Uint32("entity", uint32(id)).
			Uint32("owner", owner).
			Str("role", role.String()).
			Logger(),
	}
	p.fingers = newFingerPipeline(p, s.cfg.CurlDeadzone, s.cfg.CurlDebounce)
	p.registerHooks()
	return p
}

func (p *Player) ID() pose.EntityID { return p.id }

// Owner is the peer id that controls this entity.
func (p *Player) Owner() uint32 { return p.owner }

func (p *Player) Authority() bool { return p.ch.Role() == replication.RoleAuthority }

// Controlled reports whether this peer drives the entity.
func (p *Player) Controlled() bool { return p.owner != 0 && p.owner == p.sess.peerID }

func (p *Player) State() pose.IkState { return pose.IkState(p.ch.Uint32(replication.FieldState)) }

func (p *Player) Snapshot() pose.PoseState { return p.ch.Snapshot() }

// Avatar returns the current avatar view, or nil.
func (p *Player) Avatar() *pose.Avatar {
	if p.avatar == nil || p.avatar.Destroyed() {
		return nil
	}
	return p.avatar
}

// Controller returns the handle that drives this entity. Only the
// controlling peer gets one.
func (p *Player) Controller() (Controller, error) {
	if !p.Controlled() {
		return nil, fmt.Errorf("%w: entity %d is controlled by peer %d", ErrProtocolMisuse, p.id, p.owner)
	}
	if p.Authority() {
		return p, nil
	}
	return remoteController{p: p}, nil
}

func (p *Player) targets() [pose.TargetCount]pose.EntityID {
	return p.ch.Snapshot().Targets
}

// trackers resolves the three target transforms, reporting
// ErrUnresolvedReference when any is not known locally yet.
func (p *Player) trackers() ([pose.TargetCount]pose.Transform, error) {
	var out [pose.TargetCount]pose.Transform
	for k, id := range p.targets() {
		t, ok := p.sess.world.Lookup(id)
		if !ok {
			return out, fmt.Errorf("%w: %s target %d", ErrUnresolvedReference, pose.TargetKind(k), id)
		}
		out[k] = t
	}
	return out, nil
}

func (p *Player) resolved() bool {
	if _, ok := p.sess.world.Lookup(p.id); !ok {
		return false
	}
	_, err := p.trackers()
	return err == nil
}

// buildAvatar destroys any prior avatar and builds a new one. Targets must
// resolve first.
func (p *Player) buildAvatar() error {
	p.destroyAvatar()
	sk, err := p.sess.world.BuildSkeleton(p.id)
	if err != nil {
		return err
	}
	a, err := pose.BuildAvatar(p.id, sk, p.sess.rig, p.targets())
	if err != nil {
		return err
	}
	st := p.ch.Snapshot()
	a.SetScale(st.Scale)
	for h := pose.Left; h <= pose.Right; h++ {
		for f := pose.Thumb; f <= pose.Pinky; f++ {
			_ = a.ApplyCurl(h, f, st.Curl(h, f))
		}
	}
	p.avatar = a
	p.sess.world.SetSolverEnabled(p.id, false)
	p.sess.world.SetFallbackVisible(p.id, true)
	p.log.Debug().Float32("rest_height", a.RestHeight()).Msg("ikplayer.buildAvatar")
	return nil
}

func (p *Player) destroyAvatar() {
	if p.avatar == nil {
		return
	}
	p.avatar.Destroy()
	p.avatar = nil
	p.sess.world.SetSolverEnabled(p.id, false)
	p.sess.world.SetFallbackVisible(p.id, true)
}

// teardown cancels pending work and drops the avatar.
func (p *Player) teardown() {
	p.sess.sched.CancelOwner(uint32(p.id))
	p.destroyAvatar()
	p.fingers.reset()
	p.scaleUp.Reset()
	p.hasEstimate = false
}

// whenResolved runs fn once targets resolve, replacing any pending task
// under the same name.
func (p *Player) whenResolved(name string, fn func()) {
	p.sess.sched.Await(uint32(p.id), name, p.sess.cfg.ResolveInterval, p.resolved, fn)
}

// onInitAvatar builds the view once targets resolve and hands the
// controlling peer its avatar.
func (p *Player) onInitAvatar() {
	p.whenResolved(taskInitAvatar, func() {
		if p.Avatar() == nil {
			if err := p.buildAvatar(); err != nil {
				p.log.Error().Err(err).Msg("ikplayer.onInitAvatar build failed")
				return
			}
		}
		if p.Controlled() && p.sess.hooks.OnAvatarReady != nil {
			p.sess.hooks.OnAvatarReady(p)
		}
	})
}

// tick runs the per-tick work for this entity.
func (p *Player) tick(now time.Time, forceFull bool) {
	if p.Controlled() {
		p.tickCalibrationEstimate(now)
		p.fingers.flush(now)
	}
	if a := p.Avatar(); a != nil && a.IKEnabled() {
		if trackers, err := p.trackers(); err == nil {
			p.sess.world.Solve(p.id, a.Goals(trackers))
		}
	}
	if p.Authority() {
		p.publish(forceFull)
	} else {
		p.retryResync()
	}
}

// tickCalibrationEstimate measures scale while calibrating and pushes it
// upstream once it settles.
func (p *Player) tickCalibrationEstimate(now time.Time) {
	a := p.Avatar()
	if a == nil || !a.Calibrating() || p.State() != pose.Calibrating {
		return
	}
	est, ok := p.estimateScale()
	if !ok {
		return
	}
	a.SetScale(est)
	p.scaleUp.Offer(est, now)
	if v, ready := p.scaleUp.Ready(now); ready {
		ctl, err := p.Controller()
		if err != nil {
			return
		}
		if err := ctl.SetScale(v); err != nil {
			p.log.Warn().Err(err).Msg("ikplayer.tick scale upstream failed")
		}
	}
}

func (p *Player) estimateScale() (float32, bool) {
	a := p.Avatar()
	if a == nil {
		return 0, false
	}
	head, ok := p.sess.world.Lookup(p.targets()[pose.TargetHead])
	if !ok {
		return 0, false
	}
	root, ok := p.sess.world.Lookup(p.id)
	if !ok {
		return 0, false
	}
	est := a.EstimateScale(head, root)
	p.lastEstimate = est
	p.hasEstimate = true
	return est, true
}

// publish serializes at most once per tick.
func (p *Player) publish(forceFull bool) {
	full := forceFull || p.fullPending
	if !full && p.ch.Dirty() == 0 {
		return
	}
	payload := p.ch.Serialize(full)
	p.fullPending = false
	p.syncSeq++
	p.sess.send(session.EncodeSyncFrame(session.SyncUpdate{
		Entity:  p.id,
		Tick:    p.sess.tick,
		Seq:     p.syncSeq,
		Full:    full,
		Legacy:  p.ch.Layout().ID == replication.LayoutLegacy,
		Payload: payload,
	}))
}

// applySync feeds an inbound update to the channel and asks for a full
// snapshot when it cannot be applied or when a delta went missing on the
// way. A delta after a gap is still applied; the snapshot repairs the rest.
func (p *Player) applySync(u session.SyncUpdate) {
	legacy := p.ch.Layout().ID == replication.LayoutLegacy
	if u.Legacy != legacy {
		p.log.Warn().Bool("legacy", u.Legacy).Msg("ikplayer.applySync layout mismatch")
		p.requestResync()
		return
	}
	if !u.Full && (!p.haveSeq || u.Seq != p.lastSeq+1) {
		p.log.Debug().Uint32("seq", u.Seq).Uint32("last", p.lastSeq).Msg("ikplayer.applySync gap")
		p.requestResync()
	}
	p.lastSeq, p.haveSeq = u.Seq, true
	if err := p.ch.Deserialize(u.Payload); err != nil {
		p.requestResync()
		return
	}
	if u.Full {
		p.resyncAsked = false
	}
}

// requestResync asks the authority for a full snapshot, at most once per
// ResyncRetry while one is outstanding.
func (p *Player) requestResync() {
	if p.resyncAsked && p.sess.now.Sub(p.resyncAt) < p.sess.cfg.ResyncRetry {
		return
	}
	p.resyncAsked = true
	p.resyncAt = p.sess.now
	p.sess.send(session.EncodeResyncRequestFrame(p.id))
}

// retryResync repeats a request the authority never answered.
func (p *Player) retryResync() {
	if !p.resyncAsked || p.sess.now.Sub(p.resyncAt) < p.sess.cfg.ResyncRetry {
		return
	}
	p.log.Debug().Msg("ikplayer.retryResync")
	p.requestResync()
}

// EntityInfo is an inspection snapshot of one player.
type EntityInfo struct {
	ID          pose.EntityID   `json:"id"`
	Owner       uint32          `json:"owner"`
	Role        string          `json:"role"`
	State       string          `json:"state"`
	Scale       float32         `json:"scale"`
	Targets     [3]uint32       `json:"targets"`
	FingerCurl  [10]float32     `json:"finger_curl"`
	AvatarBuilt bool            `json:"avatar_built"`
	IKEnabled   bool            `json:"ik_enabled"`
	Stats       replicationInfo `json:"stats"`
}

type replicationInfo struct {
	Encoded      uint64 `json:"encoded"`
	DecodeDrops  uint64 `json:"decode_drops"`
	Suppressed   uint64 `json:"suppressed"`
	HookFailures uint64 `json:"hook_failures"`
}

func (p *Player) info() EntityInfo {
	st := p.ch.Snapshot()
	stats := p.ch.Stats()
	info := EntityInfo{
		ID:         p.id,
		Owner:      p.owner,
		Role:       p.ch.Role().String(),
		State:      st.State.String(),
		Scale:      st.Scale,
		FingerCurl: st.FingerCurl,
		Stats: replicationInfo{
			Encoded:      stats.Encoded,
			DecodeDrops:  stats.DecodeDrops,
			Suppressed:   stats.Suppressed,
			HookFailures: stats.HookFailures,
		},
	}
	for k, id := range st.Targets {
		info.Targets[k] = uint32(id)
	}
	if a := p.Avatar(); a != nil {
		info.AvatarBuilt = true
		info.IKEnabled = a.IKEnabled()
	}
	return info
}
