package transport

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/ikrelay/internal/auth"
	"github.com/danmuck/ikrelay/internal/pose"
	"github.com/danmuck/ikrelay/internal/protocol/frame"
	"github.com/danmuck/ikrelay/internal/protocol/schema"
	"github.com/danmuck/ikrelay/internal/protocol/session"
	"github.com/danmuck/ikrelay/internal/testutil/testlog"
)

const testEntity = pose.EntityID(1<<16 | 1)

func startHub(t *testing.T, cfg HubConfig) (*Hub, string) {
	t.Helper()
	h := NewHub(cfg)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

type testPeer struct {
	l  *Link
	in chan frame.Frame
}

func connect(t *testing.T, url, name, token string) *testPeer {
	t.Helper()
	l, err := Dial(context.Background(), url, session.Hello{PeerName: name, JoinToken: token}, session.DefaultConfig())
	if err != nil {
		t.Fatalf("dial %s: %v", name, err)
	}
	p := &testPeer{l: l, in: make(chan frame.Frame, 64)}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = l.Run(ctx, func(_ context.Context, f frame.Frame) error {
			p.in <- f
			return nil
		})
	}()
	return p
}

// next returns the next inbound frame that is not presence traffic.
func (p *testPeer) next(t *testing.T) frame.Frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-p.in:
			switch f.Header.MessageType {
			case schema.MsgPeerJoined, schema.MsgPeerLeft:
				continue
			}
			return f
		case <-timeout:
			t.Fatalf("timed out waiting for frame")
		}
	}
}

// expect waits for a frame of type msg, skipping others.
func (p *testPeer) expect(t *testing.T, msg uint16) frame.Frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-p.in:
			if f.Header.MessageType == msg {
				return f
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", schema.Name(msg))
		}
	}
}

func (p *testPeer) send(t *testing.T, f frame.Frame, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := p.l.Send(f); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubHandshakeAssignsIdentity(t *testing.T) {
	testlog.Start(t)
	h, url := startHub(t, HubConfig{})
	a := connect(t, url, "alpha", "")
	b := connect(t, url, "beta", "")

	wa, wb := a.l.Welcome(), b.l.Welcome()
	if wa.PeerID != 1 || wb.PeerID != 2 {
		t.Fatalf("peer ids got=%d,%d want=1,2", wa.PeerID, wb.PeerID)
	}
	if wa.SessionID == "" || wa.SessionID == wb.SessionID {
		t.Fatalf("session ids should be unique: %q %q", wa.SessionID, wb.SessionID)
	}

	joined, err := session.DecodePresenceFrame(a.expect(t, schema.MsgPeerJoined))
	if err != nil || joined.PeerID != 2 || joined.PeerName != "beta" {
		t.Fatalf("alpha presence got=%+v err=%v", joined, err)
	}
	joined, err = session.DecodePresenceFrame(b.expect(t, schema.MsgPeerJoined))
	if err != nil || joined.PeerID != 1 {
		t.Fatalf("beta roster got=%+v err=%v", joined, err)
	}
	eventually(t, "two peers", func() bool { return len(h.Peers()) == 2 })
}

func TestHubRejectsBadToken(t *testing.T) {
	testlog.Start(t)
	_, url := startHub(t, HubConfig{Validator: auth.StaticToken{Token: "secret"}})
	_, err := Dial(context.Background(), url, session.Hello{PeerName: "x", JoinToken: "nope"}, session.DefaultConfig())
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
	ok := connect(t, url, "y", "secret")
	if ok.l.Welcome().PeerID == 0 {
		t.Fatalf("valid token should be welcomed")
	}
}

func TestHubRoutesByAuthority(t *testing.T) {
	testlog.Start(t)
	_, url := startHub(t, HubConfig{})
	a := connect(t, url, "host", "")
	b := connect(t, url, "client", "")

	f, err := session.EncodeSpawnFrame(session.Spawn{Entity: testEntity, Owner: 2})
	a.send(t, f, err)
	spawn := b.next(t)
	if spawn.Header.MessageType != schema.MsgSpawn || spawn.Header.Source != 1 {
		t.Fatalf("unexpected spawn relay: %+v", spawn.Header)
	}
	if spawn.Header.Flags&frame.FlagForwarded == 0 {
		t.Fatalf("relayed frame should be flagged as forwarded")
	}

	cmd, err := session.EncodeCommandFrame(session.Command{Type: schema.MsgCmdInitPlayer, Entity: testEntity})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// a forged source is overwritten by the relay
	cmd.Header.Source = 7
	b.send(t, cmd, nil)
	got := a.next(t)
	if got.Header.MessageType != schema.MsgCmdInitPlayer || got.Header.Source != 2 {
		t.Fatalf("command relay got=%+v", got.Header)
	}

	// only the authority may broadcast state for the entity
	b.send(t, session.EncodeSyncFrame(session.SyncUpdate{Entity: testEntity, Payload: make([]byte, 8)}), nil)
	b.send(t, session.EncodeResyncRequestFrame(testEntity), nil)
	if got := a.next(t); got.Header.MessageType != schema.MsgResyncRequest {
		t.Fatalf("forged sync leaked to authority: %s", schema.Name(got.Header.MessageType))
	}

	a.send(t, session.EncodeSyncFrame(session.SyncUpdate{Entity: testEntity, Seq: 4, Full: true, Payload: make([]byte, 8)}), nil)
	u, err := session.DecodeSyncFrame(b.next(t))
	if err != nil || !u.Full || u.Seq != 4 || len(u.Payload) != 8 {
		t.Fatalf("sync relay got=%+v err=%v", u, err)
	}
}

// offlineConn is a hub-side peer with no socket; tests read its queue.
func offlineConn(h *Hub, id uint32) *peerConn {
	c := newPeerConn(h, nil, id, "offline", "s")
	h.peers[id] = c
	return c
}

func drain(t *testing.T, c *peerConn) frame.Frame {
	t.Helper()
	select {
	case raw := <-c.send:
		f, err := frame.Parse(raw, frame.DefaultLimits())
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		return f
	default:
		t.Fatalf("peer %d has nothing queued", c.id)
		return frame.Frame{}
	}
}

func TestHubAsksAuthorityToResyncAfterDrop(t *testing.T) {
	testlog.Start(t)
	h := NewHub(HubConfig{SendQueue: 1})
	owner := offlineConn(h, 1)
	slow := offlineConn(h, 2)
	h.entities[uint32(testEntity)] = &entityRecord{authority: 1}

	sync := stamp(session.EncodeSyncFrame(session.SyncUpdate{Entity: testEntity, Seq: 1}), 1)
	h.mu.Lock()
	h.broadcastLocked(sync, 1)
	h.mu.Unlock()
	if len(owner.send) != 0 {
		t.Fatalf("delivered broadcast should not trigger a resync")
	}

	// slow still holds the first update, so the second is lost
	sync.Header.Tick++
	h.mu.Lock()
	h.broadcastLocked(sync, 1)
	h.mu.Unlock()
	got := drain(t, owner)
	if got.Header.MessageType != schema.MsgResyncRequest || pose.EntityID(got.Header.EntityID) != testEntity {
		t.Fatalf("expected resync request at authority, got %s entity=%d", schema.Name(got.Header.MessageType), got.Header.EntityID)
	}
	drain(t, slow)

	// dropped presence frames carry no entity state
	f, err := session.EncodePresenceFrame(session.Presence{PeerID: 3, Joined: true})
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	slow.enqueueFrame(f)
	h.mu.Lock()
	h.broadcastLocked(stamp(f, 0), 1)
	h.mu.Unlock()
	if len(owner.send) != 0 {
		t.Fatalf("presence drop should not trigger a resync")
	}
}

func TestHubResyncsRateLimitedSync(t *testing.T) {
	testlog.Start(t)
	h := NewHub(HubConfig{})
	owner := offlineConn(h, 1)
	other := offlineConn(h, 2)
	h.entities[uint32(testEntity)] = &entityRecord{authority: 1}

	raw, err := frame.Marshal(session.EncodeSyncFrame(session.SyncUpdate{Entity: testEntity, Seq: 9}), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// only the authority's own updates count
	h.rateLimited(other, raw)
	if len(owner.send) != 0 || len(other.send) != 0 {
		t.Fatalf("non-authority sync should be ignored")
	}
	h.rateLimited(owner, raw)
	got := drain(t, owner)
	if got.Header.MessageType != schema.MsgResyncRequest || pose.EntityID(got.Header.EntityID) != testEntity {
		t.Fatalf("expected resync request, got %s", schema.Name(got.Header.MessageType))
	}

	cmd, err := session.EncodeCommandFrame(session.Command{Type: schema.MsgCmdInitPlayer, Entity: testEntity})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw, err = frame.Marshal(cmd, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	h.rateLimited(owner, raw)
	if len(owner.send) != 0 {
		t.Fatalf("rate limited command should not trigger a resync")
	}
}

func TestHubPeerIDAllocation(t *testing.T) {
	testlog.Start(t)
	h := NewHub(HubConfig{})
	id, err := h.allocPeerLocked()
	if err != nil || id != 1 {
		t.Fatalf("first id got=%d err=%v", id, err)
	}

	// ids wrap inside the 16-bit peer space and skip live peers
	h.nextPeer = pose.MaxPeerID - 1
	offlineConn(h, pose.MaxPeerID)
	offlineConn(h, 1)
	id, err = h.allocPeerLocked()
	if err != nil || id != 2 {
		t.Fatalf("wrapped id got=%d err=%v", id, err)
	}

	for i := uint32(1); i <= pose.MaxPeerID; i++ {
		h.peers[i] = nil
	}
	if _, err := h.allocPeerLocked(); !errors.Is(err, ErrHubFull) {
		t.Fatalf("expected ErrHubFull, got %v", err)
	}
}

func TestHubReplaysEntitiesToLateJoiner(t *testing.T) {
	testlog.Start(t)
	h, url := startHub(t, HubConfig{})
	a := connect(t, url, "host", "")
	f, err := session.EncodeSpawnFrame(session.Spawn{Entity: testEntity, Owner: 1})
	a.send(t, f, err)
	for k := pose.TargetHead; k <= pose.TargetRightHand; k++ {
		f, err := session.EncodeTargetSpawnFrame(session.TargetSpawn{Entity: testEntity, Target: pose.EntityID(500) + pose.EntityID(k), Kind: k})
		a.send(t, f, err)
	}
	eventually(t, "retained targets", func() bool {
		ents := h.Entities()
		return len(ents) == 1 && ents[0].Targets == 3
	})

	late := connect(t, url, "late", "")
	sp, err := session.DecodeSpawnFrame(late.next(t))
	if err != nil || sp.Entity != testEntity || sp.Owner != 1 {
		t.Fatalf("late spawn got=%+v err=%v", sp, err)
	}
	for k := pose.TargetHead; k <= pose.TargetRightHand; k++ {
		ts, err := session.DecodeTargetSpawnFrame(late.next(t))
		if err != nil || ts.Kind != k || ts.Target != pose.EntityID(500)+pose.EntityID(k) {
			t.Fatalf("late target %s got=%+v err=%v", k, ts, err)
		}
	}
}

func TestHubDespawnsOnDisconnect(t *testing.T) {
	testlog.Start(t)
	h, url := startHub(t, HubConfig{})
	a := connect(t, url, "host", "")
	b := connect(t, url, "client", "")
	f, err := session.EncodeSpawnFrame(session.Spawn{Entity: testEntity, Owner: 2})
	a.send(t, f, err)
	b.expect(t, schema.MsgSpawn)

	if err := a.l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	id, err := session.DecodeDespawnFrame(b.expect(t, schema.MsgDespawn))
	if err != nil || id != testEntity {
		t.Fatalf("despawn got=%d err=%v", id, err)
	}
	left, err := session.DecodePresenceFrame(b.expect(t, schema.MsgPeerLeft))
	if err != nil || left.PeerID != 1 {
		t.Fatalf("peer left got=%+v err=%v", left, err)
	}
	eventually(t, "hub cleanup", func() bool { return len(h.Peers()) == 1 && len(h.Entities()) == 0 })
}

func TestDialRetryStopsWithContext(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	cfg.Backoff = session.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := DialRetry(ctx, "ws://127.0.0.1:1/ws", session.Hello{PeerName: "x"}, cfg, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDialRetryResetsSharedBackoff(t *testing.T) {
	testlog.Start(t)
	_, url := startHub(t, HubConfig{})
	cfg := session.DefaultConfig()
	b := session.NewBackoff(cfg.Backoff, 1)
	b.Next()
	b.Next()
	l, err := DialRetry(context.Background(), url, session.Hello{PeerName: "x"}, cfg, b)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer l.Close()
	if b.Attempt() != 0 {
		t.Fatalf("backoff should restart after a successful dial, attempt=%d", b.Attempt())
	}
}
