package session

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/ikrelay/internal/pose"
	"github.com/danmuck/ikrelay/internal/protocol/frame"
	"github.com/danmuck/ikrelay/internal/protocol/schema"
	"github.com/danmuck/ikrelay/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().Backoff
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 1, rng)
	if got < 125*time.Millisecond || got > 375*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestBackoffAdvancesAndResets(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 3, MaxDelay: time.Second}
	b := NewBackoff(cfg, 1)
	want := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("attempt %d got=%v want=%v", i+1, got, w)
		}
	}
	if b.Attempt() != len(want) {
		t.Fatalf("attempt counter got=%d", b.Attempt())
	}
	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Fatalf("after reset got=%v", got)
	}
}

func TestConfigDefaultsAndValidate(t *testing.T) {
	testlog.Start(t)
	cfg := Config{Layout: "legacy"}.WithDefaults()
	if cfg.TickRate != 30 || cfg.CurlDeadzone != 0.01 || cfg.CurlDebounce != 500*time.Millisecond {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Layout != "legacy" {
		t.Fatalf("explicit layout overwritten: %q", cfg.Layout)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.TickInterval() != time.Second/30 {
		t.Fatalf("tick interval got=%v", cfg.TickInterval())
	}

	bad := cfg
	bad.Layout = "sideways"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	bad = cfg
	bad.TrackingType = "twelve"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for tracking, got %v", err)
	}
}

func TestCurlOutboxCollapsesToLatest(t *testing.T) {
	testlog.Start(t)
	o := NewCurlOutbox(500 * time.Millisecond)
	now := time.Unix(1700000000, 0)
	key := CurlKey{Hand: pose.Left, Finger: pose.Index}
	if o.Upsert(key, 0.3, now) {
		t.Fatalf("first upsert should not report replacement")
	}
	if !o.Upsert(key, 0.6, now) {
		t.Fatalf("second upsert should collapse")
	}
	o.Upsert(CurlKey{Hand: pose.Left, Finger: pose.Thumb}, 0.1, now)

	out := o.Drain(now)
	if len(out) != 2 {
		t.Fatalf("drain got=%d want=2", len(out))
	}
	if out[0].Key.Finger != pose.Thumb || out[1].Value != 0.6 || out[1].Updates != 2 {
		t.Fatalf("unexpected drain: %+v", out)
	}
	if o.Len() != 0 {
		t.Fatalf("drain should empty outbox")
	}
}

func TestCurlOutboxMinimumInterval(t *testing.T) {
	testlog.Start(t)
	o := NewCurlOutbox(500 * time.Millisecond)
	now := time.Unix(1700000000, 0)
	key := CurlKey{Hand: pose.Right, Finger: pose.Ring}
	o.Upsert(key, 0.2, now)
	if got := o.Drain(now); len(got) != 1 {
		t.Fatalf("first drain got=%d", len(got))
	}
	o.Upsert(key, 0.4, now.Add(100*time.Millisecond))
	if o.Due(now.Add(400 * time.Millisecond)) {
		t.Fatalf("outbox due before interval")
	}
	if got := o.Drain(now.Add(499 * time.Millisecond)); got != nil {
		t.Fatalf("drained before interval: %+v", got)
	}
	got := o.Drain(now.Add(500 * time.Millisecond))
	if len(got) != 1 || got[0].Value != 0.4 {
		t.Fatalf("drain at interval got=%+v", got)
	}
}

func TestDebouncerUniqueAndQuietPeriod(t *testing.T) {
	testlog.Start(t)
	d := NewDebouncer(500 * time.Millisecond)
	now := time.Unix(1700000000, 0)
	d.Offer(1.05, now)
	d.Offer(1.08, now.Add(200*time.Millisecond))
	if _, ok := d.Ready(now.Add(600 * time.Millisecond)); ok {
		t.Fatalf("emitted before quiet period after last change")
	}
	v, ok := d.Ready(now.Add(700 * time.Millisecond))
	if !ok || v != 1.08 {
		t.Fatalf("ready got=%v ok=%v", v, ok)
	}
	if d.Offer(1.08, now.Add(800*time.Millisecond)) {
		t.Fatalf("same value should not restart")
	}
	if _, ok := d.Ready(now.Add(2 * time.Second)); ok {
		t.Fatalf("duplicate value emitted")
	}
	d.Offer(1.2, now.Add(3*time.Second))
	d.Offer(1.08, now.Add(3100*time.Millisecond))
	if _, ok := d.Ready(now.Add(4 * time.Second)); ok {
		t.Fatalf("value returning to last emitted should not emit")
	}
}

func TestHelloWelcomeRoundTrip(t *testing.T) {
	testlog.Start(t)
	hf, err := EncodeHelloFrame(Hello{PeerName: "quest-a", JoinToken: "secret"})
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	h, err := DecodeHelloFrame(reframe(t, hf))
	if err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if h.PeerName != "quest-a" || h.JoinToken != "secret" {
		t.Fatalf("unexpected hello: %+v", h)
	}
	if _, err := EncodeHelloFrame(Hello{}); !errors.Is(err, ErrInvalidHello) {
		t.Fatalf("expected ErrInvalidHello, got %v", err)
	}

	wf, err := EncodeWelcomeFrame(Welcome{PeerID: 3, SessionID: "abc"})
	if err != nil {
		t.Fatalf("encode welcome: %v", err)
	}
	w, err := DecodeWelcomeFrame(reframe(t, wf))
	if err != nil || w.PeerID != 3 || w.SessionID != "abc" {
		t.Fatalf("welcome got=%+v err=%v", w, err)
	}
	if _, err := DecodeWelcomeFrame(reframe(t, hf)); !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("expected ErrUnexpectedMessage, got %v", err)
	}
}

func TestPresenceRoundTrip(t *testing.T) {
	testlog.Start(t)
	for _, in := range []Presence{
		{PeerID: 4, PeerName: "pc", Joined: true},
		{PeerID: 4, Joined: false},
	} {
		f, err := EncodePresenceFrame(in)
		if err != nil {
			t.Fatalf("encode presence: %v", err)
		}
		got, err := DecodePresenceFrame(reframe(t, f))
		if err != nil || got != in {
			t.Fatalf("presence got=%+v err=%v want=%+v", got, err, in)
		}
	}
}

func TestCommandRoundTrip(t *testing.T) {
	testlog.Start(t)
	tests := []Command{
		{Type: schema.MsgCmdInitPlayer, Entity: 9},
		{Type: schema.MsgCmdFinishCalibration, Entity: 9, Scale: 1.1},
		{Type: schema.MsgCmdSetScale, Entity: 9, Scale: 0.95},
		{Type: schema.MsgCmdSetFingerCurl, Entity: 9, Hand: pose.Right, Finger: pose.Pinky, Value: 0.7},
		{Type: schema.MsgCmdDisable, Entity: 9},
	}
	for _, in := range tests {
		t.Run(in.Name(), func(t *testing.T) {
			f, err := EncodeCommandFrame(in)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			f.Header.Source = 2
			got, err := DecodeCommandFrame(reframe(t, f))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			in.Source = 2
			if got != in {
				t.Fatalf("got=%+v want=%+v", got, in)
			}
		})
	}
}

func TestCommandValidation(t *testing.T) {
	testlog.Start(t)
	if _, err := EncodeCommandFrame(Command{Type: schema.MsgSpawn, Entity: 1}); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand for non-command, got %v", err)
	}
	if _, err := EncodeCommandFrame(Command{Type: schema.MsgCmdDisable}); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand for missing entity, got %v", err)
	}
	bad := Command{Type: schema.MsgCmdSetFingerCurl, Entity: 1, Hand: 7}
	if _, err := EncodeCommandFrame(bad); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand for bad hand, got %v", err)
	}
}

func TestEventRoundTrip(t *testing.T) {
	testlog.Start(t)
	sf, err := EncodeSpawnFrame(Spawn{Entity: 0x20001, Owner: 2, Layout: 1})
	if err != nil {
		t.Fatalf("encode spawn: %v", err)
	}
	s, err := DecodeSpawnFrame(reframe(t, sf))
	if err != nil || s.Entity != 0x20001 || s.Owner != 2 || s.Layout != 1 {
		t.Fatalf("spawn got=%+v err=%v", s, err)
	}

	tf, err := EncodeTargetSpawnFrame(TargetSpawn{Entity: 5, Target: 900, Kind: pose.TargetRightHand})
	if err != nil {
		t.Fatalf("encode target: %v", err)
	}
	ts, err := DecodeTargetSpawnFrame(reframe(t, tf))
	if err != nil || ts.Target != 900 || ts.Kind != pose.TargetRightHand {
		t.Fatalf("target got=%+v err=%v", ts, err)
	}

	df, err := EncodeDespawnFrame(5)
	if err != nil {
		t.Fatalf("encode despawn: %v", err)
	}
	if id, err := DecodeDespawnFrame(reframe(t, df)); err != nil || id != 5 {
		t.Fatalf("despawn got=%d err=%v", id, err)
	}

	if _, err := EncodeSpawnFrame(Spawn{Entity: 1}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	af, err := EncodeInitAvatarFrame(5)
	if err != nil || af.Header.MessageType != schema.MsgEvtInitAvatar || len(af.Payload) != 0 {
		t.Fatalf("init avatar frame=%+v err=%v", af, err)
	}
}

func TestSyncFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := SyncUpdate{Entity: 5, Tick: 77, Seq: 0x01020304, Full: true, Legacy: true, Payload: []byte{1, 2, 3}}
	got, err := DecodeSyncFrame(reframe(t, EncodeSyncFrame(in)))
	if err != nil {
		t.Fatalf("decode sync: %v", err)
	}
	if got.Entity != 5 || got.Tick != 77 || got.Seq != in.Seq || !got.Full || !got.Legacy || !bytes.Equal(got.Payload, in.Payload) {
		t.Fatalf("sync got=%+v", got)
	}
	if _, err := DecodeSyncFrame(EncodeResyncRequestFrame(5)); !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("expected ErrUnexpectedMessage, got %v", err)
	}

	// the sequence prefix is mandatory
	short := EncodeSyncFrame(SyncUpdate{Entity: 5})
	short.Payload = short.Payload[:2]
	if _, err := DecodeSyncFrame(short); !errors.Is(err, ErrInvalidSync) {
		t.Fatalf("expected ErrInvalidSync, got %v", err)
	}
}

// reframe pushes a frame through the wire encoding.
func reframe(t *testing.T, f frame.Frame) frame.Frame {
	t.Helper()
	b, err := frame.Marshal(f, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := frame.Parse(b, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return out
}
