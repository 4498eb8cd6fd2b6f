package ikplayer

import (
	"testing"
	"time"

	"github.com/danmuck/ikrelay/internal/pose"
	"github.com/danmuck/ikrelay/internal/replication"
	"github.com/danmuck/ikrelay/internal/testutil/testlog"
)

func TestCurlDeadzoneSuppressesSmallChanges(t *testing.T) {
	testlog.Start(t)
	_, _, p := soloHost(t, testConfig())

	if err := p.UpdateCurl(pose.Right, pose.Index, 0.3); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := p.UpdateCurl(pose.Right, pose.Index, 0.305); err != nil {
		t.Fatalf("update: %v", err)
	}
	v, ok := p.Fingers().Pending(pose.Right, pose.Index)
	if !ok || v != 0.3 {
		t.Fatalf("pending got=%v ok=%v want 0.3", v, ok)
	}
	if p.Fingers().PendingCount() != 1 {
		t.Fatalf("expected a single pending finger, got %d", p.Fingers().PendingCount())
	}
}

func TestCurlUpdatesCollapsePerTick(t *testing.T) {
	testlog.Start(t)
	h, _, p := soloHost(t, testConfig())
	if err := p.InitPlayer(); err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, v := range []float32{0.2, 0.4, 0.9} {
		if err := p.UpdateCurl(pose.Left, pose.Middle, v); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	// the authority shows accepted input at once
	if got := p.Avatar().Finger(pose.Left, pose.Middle).Curl(); got != 0.9 {
		t.Fatalf("avatar curl got=%v want=0.9", got)
	}
	if p.Fingers().PendingCount() != 1 {
		t.Fatalf("expected collapsed pending value")
	}
	field := replication.CurlField(pose.Left, pose.Middle)
	if got := p.ch.Float32(field); got != 0 {
		t.Fatalf("field written before flush: %v", got)
	}

	now := t0.Add(33 * time.Millisecond)
	h.s.Tick(now)
	if got := p.ch.Float32(field); got != 0.9 {
		t.Fatalf("field after flush got=%v want=0.9", got)
	}

	// inside the debounce window nothing more is released
	if err := p.UpdateCurl(pose.Left, pose.Middle, 0.1); err != nil {
		t.Fatalf("update: %v", err)
	}
	h.s.Tick(now.Add(100 * time.Millisecond))
	if got := p.ch.Float32(field); got != 0.9 {
		t.Fatalf("debounce window leaked value %v", got)
	}
	h.s.Tick(now.Add(600 * time.Millisecond))
	if got := p.ch.Float32(field); got != 0.1 {
		t.Fatalf("field after debounce got=%v want=0.1", got)
	}
}

func TestCurlInputIsClamped(t *testing.T) {
	testlog.Start(t)
	h, _, p := soloHost(t, testConfig())
	if err := p.UpdateCurl(pose.Left, pose.Thumb, 4); err != nil {
		t.Fatalf("update: %v", err)
	}
	h.s.Tick(t0.Add(time.Second))
	if got := p.Snapshot().Curl(pose.Left, pose.Thumb); got != 1 {
		t.Fatalf("clamped curl got=%v want=1", got)
	}
}

func TestAuthorityAvatarFollowsInputInsideDeadzone(t *testing.T) {
	testlog.Start(t)
	_, _, p := soloHost(t, testConfig())
	if err := p.InitPlayer(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := p.UpdateCurl(pose.Left, pose.Index, 0.3); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := p.UpdateCurl(pose.Left, pose.Index, 0.305); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := p.Avatar().Finger(pose.Left, pose.Index).Curl(); got != 0.305 {
		t.Fatalf("avatar curl got=%v want=0.305", got)
	}
	// the wire still only carries the value that left the deadzone
	if v, ok := p.Fingers().Pending(pose.Left, pose.Index); !ok || v != 0.3 {
		t.Fatalf("pending got=%v ok=%v want 0.3", v, ok)
	}
}
