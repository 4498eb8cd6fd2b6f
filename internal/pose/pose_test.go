package pose

import (
	"errors"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-5
}

func TestEstimateScaleScenario(t *testing.T) {
	got := EstimateScale(1.8, 0.9, 0.9)
	if !approx(got, 1.1) {
		t.Fatalf("estimate got=%v want=1.1", got)
	}
	if got := EstimateScale(1.8, 0.9, 0); got != DefaultScale {
		t.Fatalf("zero rest height got=%v", got)
	}
}

func TestSanitizeScale(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	tests := []struct {
		in   float32
		want float32
	}{
		{1.25, 1.25},
		{0, DefaultScale},
		{-2, DefaultScale},
		{nan, DefaultScale},
		{inf, DefaultScale},
	}
	for _, tc := range tests {
		if got := SanitizeScale(tc.in); got != tc.want {
			t.Fatalf("SanitizeScale(%v) got=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestClampCurl(t *testing.T) {
	if ClampCurl(-0.5) != 0 || ClampCurl(1.5) != 1 || ClampCurl(0.25) != 0.25 {
		t.Fatalf("unexpected clamp results")
	}
	if ClampCurl(float32(math.NaN())) != 0 {
		t.Fatalf("nan should clamp to 0")
	}
}

func TestCurlIndexLayout(t *testing.T) {
	if CurlIndex(Left, Thumb) != 0 || CurlIndex(Left, Pinky) != 4 || CurlIndex(Right, Thumb) != 5 || CurlIndex(Right, Pinky) != 9 {
		t.Fatalf("unexpected curl index layout")
	}
}

func TestFingerModelIdempotent(t *testing.T) {
	sk := NewHumanoidSkeleton(1.7)
	m, err := NewFingerModel(DefaultHandRig()[Index], sk.Fingers[Left][Index])
	if err != nil {
		t.Fatalf("new finger: %v", err)
	}
	m.Apply(0.42)
	first := m.Rotations()
	m.Apply(0.42)
	second := m.Rotations()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("bone %d drifted: %v != %v", i, first[i], second[i])
		}
	}
	m.Apply(0.9)
	m.Apply(0.42)
	third := m.Rotations()
	for i := range first {
		if first[i] != third[i] {
			t.Fatalf("bone %d not rest-relative: %v != %v", i, first[i], third[i])
		}
	}
}

func TestFingerModelFullCurlSumsToTotalAngle(t *testing.T) {
	sk := NewHumanoidSkeleton(1.7)
	m, err := NewFingerModel(DefaultHandRig()[Middle], sk.Fingers[Right][Middle])
	if err != nil {
		t.Fatalf("new finger: %v", err)
	}
	m.Apply(1)
	rots := m.Rotations()
	combined := rots[0].Mul(rots[1]).Mul(rots[2])
	// 180 degrees around a single axis leaves W at zero.
	if math.Abs(float64(combined.W)) > 1e-5 {
		t.Fatalf("expected half turn, got %v", combined)
	}
	m.Apply(0)
	for i, r := range m.Rotations() {
		if !r.ApproxEqual(mgl32.QuatIdent()) {
			t.Fatalf("bone %d not at rest: %v", i, r)
		}
	}
}

func TestFingerModelRequiresBones(t *testing.T) {
	if _, err := NewFingerModel(FingerDef{}, nil); !errors.Is(err, ErrNoBones) {
		t.Fatalf("expected ErrNoBones, got %v", err)
	}
}

func TestDefaultHandRigThumb(t *testing.T) {
	rig := DefaultHandRig()
	if rig[Thumb].TotalCurlDeg != 110 {
		t.Fatalf("thumb total curl got=%v", rig[Thumb].TotalCurlDeg)
	}
	if rig[Thumb].Weights[2] != 0.75 {
		t.Fatalf("thumb tip weight got=%v", rig[Thumb].Weights[2])
	}
	if rig[Pinky].axis().Y() <= rig[Ring].axis().Y() {
		t.Fatalf("pinky axis should tilt further up than ring")
	}
}

func TestAvatarCalibrationLifecycle(t *testing.T) {
	sk := NewHumanoidSkeleton(0.9)
	a, err := BuildAvatar(7, sk, DefaultHandRig(), [TargetCount]EntityID{1, 2, 3})
	if err != nil {
		t.Fatalf("build avatar: %v", err)
	}
	if !a.FallbackVisible() || a.IKEnabled() {
		t.Fatalf("fresh avatar should show fallback without ik")
	}
	if err := a.BeginCalibration(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	head := a.Anchor(TargetHead)
	goal := head.Goal(IdentityTransform())
	if goal.Position != sk.Head.Position {
		t.Fatalf("calibrating goal should follow head bone, got %v", goal.Position)
	}

	tracker := Transform{Position: mgl32.Vec3{0, 1.0, 0.1}, Rotation: mgl32.QuatRotate(0.5, mgl32.Vec3{0, 1, 0})}
	trackers := [TargetCount]Transform{tracker, IdentityTransform(), IdentityTransform()}
	if err := a.FinishCalibration(trackers, 0); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if a.Scale() != DefaultScale {
		t.Fatalf("zero scale should fall back, got %v", a.Scale())
	}
	if !a.IKEnabled() || a.FallbackVisible() || a.Calibrating() {
		t.Fatalf("calibrated avatar flags wrong")
	}
	// The tracker at its calibration pose reproduces the bone pose.
	goal = head.Goal(tracker)
	if !vecNear(goal.Position, sk.Head.Position) {
		t.Fatalf("goal position got=%v want=%v", goal.Position, sk.Head.Position)
	}
	if !quatNear(goal.Rotation, sk.Head.Rotation) {
		t.Fatalf("goal rotation got=%v want=%v", goal.Rotation, sk.Head.Rotation)
	}

	a.Destroy()
	if err := a.ApplyCurl(Left, Index, 0.5); !errors.Is(err, ErrAvatarDestroyed) {
		t.Fatalf("expected ErrAvatarDestroyed, got %v", err)
	}
}

func TestAvatarEstimateScaleUsesRestHeight(t *testing.T) {
	a, err := BuildAvatar(1, NewHumanoidSkeleton(0.9), DefaultHandRig(), [TargetCount]EntityID{})
	if err != nil {
		t.Fatalf("build avatar: %v", err)
	}
	head := Transform{Position: mgl32.Vec3{0, 1.8, 0}}
	root := Transform{Position: mgl32.Vec3{0, 0.9, 0}}
	if got := a.EstimateScale(head, root); !approx(got, 1.1) {
		t.Fatalf("estimate got=%v", got)
	}
}

func TestParseTrackingType(t *testing.T) {
	tt, err := ParseTrackingType("six_point")
	if err != nil || tt != SixPoint || tt.Supported() {
		t.Fatalf("six_point got=%v err=%v", tt, err)
	}
	if tt, err := ParseTrackingType(""); err != nil || tt != ThreePoint || !tt.Supported() {
		t.Fatalf("default got=%v err=%v", tt, err)
	}
	if _, err := ParseTrackingType("nine"); !errors.Is(err, ErrUnknownTrackingType) {
		t.Fatalf("expected ErrUnknownTrackingType, got %v", err)
	}
}

// near compares with an absolute tolerance; float32 rounding leaves
// residues around 1e-9 where the expected component is exactly zero.
func near(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-5
}

func vecNear(a, b mgl32.Vec3) bool { return a.ApproxFuncEqual(b, near) }

func quatNear(a, b mgl32.Quat) bool { return a.ApproxEqualFunc(b, near) }

func TestPeerEntityIDRanges(t *testing.T) {
	id, err := PeerEntityID(3, 1)
	if err != nil || id != 3<<16|1 {
		t.Fatalf("got=%d err=%v", id, err)
	}
	if id, err := PeerEntityID(MaxPeerID, TargetSeqBase-1); err != nil || id != EntityID(MaxPeerID)<<16|0x7fff {
		t.Fatalf("upper bound got=%d err=%v", id, err)
	}
	tests := []struct {
		name      string
		peer, seq uint32
	}{
		{name: "peer zero", peer: 0, seq: 1},
		{name: "peer too large", peer: MaxPeerID + 1, seq: 1},
		{name: "seq zero", peer: 1, seq: 0},
		{name: "seq in target range", peer: 1, seq: TargetSeqBase},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := PeerEntityID(tc.peer, tc.seq); !errors.Is(err, ErrIDSpaceExhausted) {
				t.Fatalf("expected ErrIDSpaceExhausted, got %v", err)
			}
		})
	}
	if !SameBlock(TargetBase(4), TargetBase(4)+0x7fff) || SameBlock(TargetBase(4), TargetBase(4)+0x8000) {
		t.Fatalf("target block bounds wrong")
	}
}
