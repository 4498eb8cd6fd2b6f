package ikplayer

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/danmuck/ikrelay/internal/pose"
	"github.com/danmuck/ikrelay/internal/protocol/frame"
	"github.com/danmuck/ikrelay/internal/protocol/schema"
	"github.com/danmuck/ikrelay/internal/protocol/session"
	"github.com/danmuck/ikrelay/internal/replication"
	"github.com/danmuck/ikrelay/internal/testutil/testlog"
	"github.com/danmuck/ikrelay/internal/world"
	"github.com/go-gl/mathgl/mgl32"
)

// twoPeers brings up a host and a client and runs the delayed spawns.
func twoPeers(t *testing.T) (*relay, *peer, *peer) {
	t.Helper()
	r := newRelay(t)
	host := r.join(1, true, testConfig())
	client := r.join(2, false, testConfig())
	r.tick(t0)
	r.tick(t0.Add(33 * time.Millisecond))
	if len(client.controlled) != 1 {
		t.Fatalf("client should control one entity, got %d", len(client.controlled))
	}
	if len(host.s.Players()) != 2 || len(client.s.Players()) != 2 {
		t.Fatalf("players host=%d client=%d", len(host.s.Players()), len(client.s.Players()))
	}
	return r, host, client
}

func TestRemoteControllerCalibration(t *testing.T) {
	testlog.Start(t)
	r, host, client := twoPeers(t)
	mine := client.controlled[0]
	if mine.Authority() {
		t.Fatalf("client copy should be an observer")
	}
	authority, ok := host.s.Player(mine.ID())
	if !ok || !authority.Authority() || authority.Owner() != 2 {
		t.Fatalf("host should hold the authority copy")
	}
	ctl, err := mine.Controller()
	if err != nil {
		t.Fatalf("controller: %v", err)
	}

	now := t0.Add(100 * time.Millisecond)
	if err := ctl.InitPlayer(); err != nil {
		t.Fatalf("init: %v", err)
	}
	r.pump()
	r.tick(now)
	if authority.State() != pose.Initialized {
		t.Fatalf("authority state got=%s", authority.State())
	}
	if mine.State() != pose.Initialized || mine.Snapshot().Targets != authority.Snapshot().Targets {
		t.Fatalf("client did not replicate init: %+v", mine.Snapshot())
	}
	if len(client.ready) != 1 || mine.Avatar() == nil {
		t.Fatalf("client avatar not ready")
	}

	if err := ctl.StartCalibration(); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.pump()
	now = now.Add(33 * time.Millisecond)
	r.tick(now)
	if mine.State() != pose.Calibrating || !mine.Avatar().Calibrating() {
		t.Fatalf("client not calibrating: state=%s", mine.State())
	}

	head := mine.Snapshot().Targets[pose.TargetHead]
	client.w.Place(head, pose.Transform{Position: mgl32.Vec3{0, 1.87, 0}, Rotation: mgl32.QuatIdent()})
	now = now.Add(33 * time.Millisecond)
	r.tick(now)
	if got := mine.Avatar().Scale(); !approx(got, 1.2) {
		t.Fatalf("client live estimate got=%v", got)
	}
	if authority.Snapshot().Scale != 1 {
		t.Fatalf("scale pushed before debounce settled")
	}
	now = now.Add(600 * time.Millisecond)
	r.tick(now)
	if got := authority.Snapshot().Scale; !approx(got, 1.2) {
		t.Fatalf("debounced scale got=%v want=1.2", got)
	}

	if err := ctl.FinishCalibration(0.5); err != nil {
		t.Fatalf("finish: %v", err)
	}
	r.pump()
	now = now.Add(33 * time.Millisecond)
	r.tick(now)
	if authority.State() != pose.Calibrated || !approx(authority.Snapshot().Scale, 1.2) {
		t.Fatalf("authority not calibrated: %+v", authority.Snapshot())
	}
	if mine.State() != pose.Calibrated || !mine.Avatar().IKEnabled() {
		t.Fatalf("client not calibrated: state=%s", mine.State())
	}
	view, _ := client.w.View(mine.ID())
	if !view.SolverEnabled || view.FallbackVisible {
		t.Fatalf("client solver flags wrong: %+v", view)
	}
}

func TestRemoteCurlRoundTrip(t *testing.T) {
	testlog.Start(t)
	r, host, client := twoPeers(t)
	mine := client.controlled[0]
	ctl, err := mine.Controller()
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	if err := ctl.InitPlayer(); err != nil {
		t.Fatalf("init: %v", err)
	}
	r.pump()
	now := t0.Add(100 * time.Millisecond)
	r.tick(now)

	if err := mine.UpdateCurl(pose.Right, pose.Index, 0.3); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := mine.UpdateCurl(pose.Right, pose.Index, 0.305); err != nil {
		t.Fatalf("update: %v", err)
	}
	// remote input waits for the authoritative value
	if got := mine.Avatar().Finger(pose.Right, pose.Index).Curl(); got != 0 {
		t.Fatalf("client applied curl before replication: %v", got)
	}
	now = now.Add(33 * time.Millisecond)
	r.tick(now)
	r.tick(now.Add(33 * time.Millisecond))

	authority, _ := host.s.Player(mine.ID())
	if got := authority.Snapshot().Curl(pose.Right, pose.Index); got != 0.3 {
		t.Fatalf("authority curl got=%v want=0.3", got)
	}
	if got := mine.Avatar().Finger(pose.Right, pose.Index).Curl(); got != 0.3 {
		t.Fatalf("client avatar curl got=%v want=0.3", got)
	}
}

func TestLateJoinerConvergesOnCalibratedState(t *testing.T) {
	testlog.Start(t)
	r, host, _ := twoPeers(t)
	own := host.controlled[0]
	if err := own.InitPlayer(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := own.StartCalibration(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := own.FinishCalibration(1.4); err != nil {
		t.Fatalf("finish: %v", err)
	}
	now := t0.Add(100 * time.Millisecond)
	r.tick(now)

	// a third peer only sees the retained spawn and target frames plus a
	// full snapshot on request
	late := newPeer(t, 3, false, testConfig(), r.sender(3))
	late.s.Join(3)
	r.peers[3] = late
	spawn, err := session.EncodeSpawnFrame(session.Spawn{Entity: own.ID(), Owner: 1})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	spawn.Header.Source = 1
	late.s.HandleFrame(spawn)
	for k, id := range own.Snapshot().Targets {
		f, err := session.EncodeTargetSpawnFrame(session.TargetSpawn{Entity: own.ID(), Target: id, Kind: pose.TargetKind(k)})
		if err != nil {
			t.Fatalf("target spawn: %v", err)
		}
		late.s.HandleFrame(f)
	}
	r.pump()
	r.tick(now.Add(33 * time.Millisecond))

	mirror, ok := late.s.Player(own.ID())
	if !ok {
		t.Fatalf("late joiner has no mirror")
	}
	if mirror.State() != pose.Calibrated || mirror.Avatar() == nil || !mirror.Avatar().IKEnabled() {
		t.Fatalf("late joiner did not converge: state=%s", mirror.State())
	}
	if got := mirror.Avatar().Scale(); got != own.Snapshot().Scale {
		t.Fatalf("late joiner scale got=%v want=%v", got, own.Snapshot().Scale)
	}
}

func TestMalformedSyncRequestsResync(t *testing.T) {
	testlog.Start(t)
	out := &capture{}
	o := newPeer(t, 2, false, testConfig(), out)
	o.s.Join(2)
	spawn, err := session.EncodeSpawnFrame(session.Spawn{Entity: 1<<16 | 1, Owner: 1})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	o.s.HandleFrame(spawn)
	p, _ := o.s.Player(1<<16 | 1)

	// full snapshot clears the outstanding request
	full := session.EncodeSyncFrame(session.SyncUpdate{Entity: p.ID(), Full: true, Payload: fullPayload()})
	o.s.HandleFrame(full)
	before := out.count(schema.MsgResyncRequest)

	bad := session.EncodeSyncFrame(session.SyncUpdate{Entity: p.ID(), Payload: []byte{1, 2, 3}})
	o.s.HandleFrame(bad)
	o.s.HandleFrame(bad)
	if got := out.count(schema.MsgResyncRequest) - before; got != 1 {
		t.Fatalf("resync requests got=%d want=1", got)
	}
	if p.ch.Stats().DecodeDrops != 2 {
		t.Fatalf("decode drops got=%d", p.ch.Stats().DecodeDrops)
	}

	// a layout mismatch is dropped like a malformed update
	o.s.HandleFrame(full)
	legacy := session.EncodeSyncFrame(session.SyncUpdate{Entity: p.ID(), Legacy: true, Payload: make([]byte, 8)})
	o.s.HandleFrame(legacy)
	if got := out.count(schema.MsgResyncRequest) - before; got != 2 {
		t.Fatalf("resync requests after layout mismatch got=%d want=2", got)
	}
	if f, ok := out.last(schema.MsgResyncRequest); !ok || f.Header.EntityID != uint32(p.ID()) {
		t.Fatalf("expected resync request for entity")
	}
}

func fullPayload() []byte {
	return replication.NewChannel(1, replication.CanonicalLayout, replication.RoleAuthority).Serialize(true)
}

func TestPeerLeftDespawnsHostedEntity(t *testing.T) {
	testlog.Start(t)
	r, host, client := twoPeers(t)
	mine := client.controlled[0]
	ctl, _ := mine.Controller()
	if err := ctl.InitPlayer(); err != nil {
		t.Fatalf("init: %v", err)
	}
	r.pump()
	authority, _ := host.s.Player(mine.ID())
	targets := authority.Snapshot().Targets

	delete(r.peers, 2)
	host.s.HandleFrame(presence(t, 2, false))
	r.pump()
	if _, ok := host.s.Player(mine.ID()); ok {
		t.Fatalf("host kept entity of departed peer")
	}
	for _, id := range targets {
		if _, ok := host.w.Lookup(id); ok {
			t.Fatalf("target %d survived despawn", id)
		}
	}
	if host.s.sched.Len() != 0 {
		t.Fatalf("pending tasks survived despawn: %d", host.s.sched.Len())
	}
}

func TestRunDeliversFramesAndTicks(t *testing.T) {
	testlog.Start(t)
	out := &capture{}
	cfg := testConfig()
	cfg.TickRate = 200
	p := newPeer(t, 1, true, cfg, out)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.s.Run(ctx) }()

	if err := p.s.Do(ctx, func(s *Session) { s.Join(1) }); err != nil {
		t.Fatalf("join: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		var n int
		if err := p.s.Do(ctx, func(s *Session) { n = len(s.Entities()) }); err != nil {
			t.Fatalf("inspect: %v", err)
		}
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("entity never spawned")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := p.s.Deliver(ctx, frame.Frame{Header: frame.Header{MessageType: 4242}}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	cancel()
	<-done

	if err := p.s.Do(context.Background(), func(*Session) {}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed from Do, got %v", err)
	}
	if err := p.s.Deliver(context.Background(), frame.Frame{}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed from Deliver, got %v", err)
	}
}

func TestSessionUsesCustomRig(t *testing.T) {
	testlog.Start(t)
	rig := pose.DefaultHandRig()
	rig[pose.Index] = pose.FingerDef{TotalCurlDeg: 90, Weights: []float32{1, 1, 1}}
	s, err := NewSession(Options{Config: testConfig(), World: world.NewMemory(1.7, 1000), Host: true, Rig: &rig})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Join(1); err != nil {
		t.Fatalf("join: %v", err)
	}
	s.Tick(t0)
	players := s.Players()
	if len(players) != 1 {
		t.Fatalf("expected own entity, got %d", len(players))
	}
	p := players[0]
	if err := p.InitPlayer(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := p.UpdateCurl(pose.Left, pose.Index, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	rots := p.Avatar().Finger(pose.Left, pose.Index).Rotations()
	combined := rots[0].Mul(rots[1]).Mul(rots[2])
	// a quarter turn leaves W at cos(45deg)
	if !approx(combined.W, float32(math.Sqrt(0.5))) {
		t.Fatalf("custom rig not applied: %v", combined)
	}
}

func TestSyncGapRequestsResync(t *testing.T) {
	testlog.Start(t)
	out := &capture{}
	o := newPeer(t, 2, false, testConfig(), out)
	o.s.Join(2)
	now := t0
	o.s.Tick(now)
	spawn, err := session.EncodeSpawnFrame(session.Spawn{Entity: 1<<16 | 1, Owner: 1})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	o.s.HandleFrame(spawn)
	p, _ := o.s.Player(1<<16 | 1)

	auth := replication.NewChannel(p.ID(), replication.CanonicalLayout, replication.RoleAuthority)
	delta := func(seq uint32, scale float32) frame.Frame {
		if _, err := auth.SetFloat32(replication.FieldScale, scale); err != nil {
			t.Fatalf("set scale: %v", err)
		}
		return session.EncodeSyncFrame(session.SyncUpdate{Entity: p.ID(), Seq: seq, Payload: auth.Serialize(false)})
	}
	o.s.HandleFrame(session.EncodeSyncFrame(session.SyncUpdate{Entity: p.ID(), Seq: 1, Full: true, Payload: auth.Serialize(true)}))
	before := out.count(schema.MsgResyncRequest)

	o.s.HandleFrame(delta(2, 1.1))
	if got := out.count(schema.MsgResyncRequest) - before; got != 0 {
		t.Fatalf("in-order delta should not ask for a resync, got %d", got)
	}

	// seq 3 never arrives; the next delta still applies but asks for a snapshot
	o.s.HandleFrame(delta(4, 1.3))
	if got := out.count(schema.MsgResyncRequest) - before; got != 1 {
		t.Fatalf("gap resync requests got=%d want=1", got)
	}
	if got := p.Snapshot().Scale; !approx(got, 1.3) {
		t.Fatalf("delta after a gap should apply, scale=%v", got)
	}
	o.s.HandleFrame(delta(6, 1.4))
	if got := out.count(schema.MsgResyncRequest) - before; got != 1 {
		t.Fatalf("outstanding request should not repeat before the retry interval, got %d", got)
	}

	// an unanswered request is repeated once the retry interval passes
	now = now.Add(testConfig().ResyncRetry / 2)
	o.s.Tick(now)
	if got := out.count(schema.MsgResyncRequest) - before; got != 1 {
		t.Fatalf("early retry got=%d", got)
	}
	now = now.Add(testConfig().ResyncRetry)
	o.s.Tick(now)
	if got := out.count(schema.MsgResyncRequest) - before; got != 2 {
		t.Fatalf("retry got=%d want=2", got)
	}

	// the snapshot answers it and becomes the new baseline
	o.s.HandleFrame(session.EncodeSyncFrame(session.SyncUpdate{Entity: p.ID(), Seq: 9, Full: true, Payload: auth.Serialize(true)}))
	o.s.HandleFrame(delta(10, 1.5))
	now = now.Add(3 * testConfig().ResyncRetry)
	o.s.Tick(now)
	if got := out.count(schema.MsgResyncRequest) - before; got != 2 {
		t.Fatalf("answered request should not repeat, got %d", got)
	}
}

func TestAuthorityNumbersSyncUpdates(t *testing.T) {
	testlog.Start(t)
	h, out, p := soloHost(t, testConfig())
	if err := p.InitPlayer(); err != nil {
		t.Fatalf("init: %v", err)
	}
	h.s.Tick(t0.Add(time.Second))
	h.s.ForceFull()
	h.s.Tick(t0.Add(2 * time.Second))
	var seqs []uint32
	for _, f := range out.frames {
		if f.Header.MessageType != schema.MsgSyncFull && f.Header.MessageType != schema.MsgSyncDelta {
			continue
		}
		u, err := session.DecodeSyncFrame(f)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		seqs = append(seqs, u.Seq)
	}
	if len(seqs) < 2 {
		t.Fatalf("expected at least two updates, got %v", seqs)
	}
	for i, s := range seqs {
		if s != uint32(i+1) {
			t.Fatalf("sync sequence got=%v", seqs)
		}
	}
}
