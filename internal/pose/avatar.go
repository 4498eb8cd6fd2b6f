package pose

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

var (
	ErrNoSkeleton      = errors.New("pose: avatar has no skeleton")
	ErrAvatarDestroyed = errors.New("pose: avatar destroyed")
)

// Avatar is the locally built, non-replicated view of a tracked entity.
// It is rebuilt from PoseState on every side that displays the entity.
type Avatar struct {
	Entity   EntityID
	skeleton *Skeleton
	fingers  [HandCount][FingerCount]*FingerModel
	anchors  [TargetCount]Anchor

	restHeight      float32
	scale           float32
	ikEnabled       bool
	fallbackVisible bool
	calibrating     bool
	destroyed       bool
}

// BuildAvatar wires finger models for both hands and binds anchors to targets.
func BuildAvatar(entity EntityID, sk *Skeleton, rig HandRig, targets [TargetCount]EntityID) (*Avatar, error) {
	if sk == nil || sk.Head == nil || sk.Root == nil {
		return nil, ErrNoSkeleton
	}
	a := &Avatar{
		Entity:          entity,
		skeleton:        sk,
		restHeight:      sk.RestHeight(),
		scale:           DefaultScale,
		fallbackVisible: true,
	}
	for h := Left; h <= Right; h++ {
		for f := Thumb; f <= Pinky; f++ {
			m, err := NewFingerModel(rig[f], sk.Fingers[h][f])
			if err != nil {
				return nil, fmt.Errorf("pose: %s %s: %w", h, f, err)
			}
			a.fingers[h][f] = m
		}
	}
	for k := TargetHead; k <= TargetRightHand; k++ {
		a.anchors[k] = Anchor{Kind: k, Target: targets[k], rotOffset: mgl32.QuatIdent()}
	}
	return a, nil
}

func (a *Avatar) RestHeight() float32 { return a.restHeight }
func (a *Avatar) Scale() float32      { return a.scale }
func (a *Avatar) IKEnabled() bool     { return a.ikEnabled }
func (a *Avatar) FallbackVisible() bool {
	return a.fallbackVisible
}
func (a *Avatar) Calibrating() bool { return a.calibrating }
func (a *Avatar) Destroyed() bool   { return a.destroyed }

// Finger returns the model for one finger.
func (a *Avatar) Finger(h Hand, f Finger) *FingerModel {
	return a.fingers[h][f]
}

// Anchor returns the anchor for a target kind.
func (a *Avatar) Anchor(k TargetKind) *Anchor {
	return &a.anchors[k]
}

// ApplyCurl sets one finger's curl. Invalid hands or fingers are ignored.
func (a *Avatar) ApplyCurl(h Hand, f Finger, v float32) error {
	if a.destroyed {
		return ErrAvatarDestroyed
	}
	if !h.Valid() || !f.Valid() {
		return fmt.Errorf("pose: invalid curl target hand=%d finger=%d", h, f)
	}
	a.fingers[h][f].Apply(v)
	return nil
}

// SetScale applies a uniform scale; unusable values fall back to DefaultScale.
func (a *Avatar) SetScale(s float32) {
	a.scale = SanitizeScale(s)
}

// EstimateScale measures the head tracker against the avatar root.
func (a *Avatar) EstimateScale(head, root Transform) float32 {
	return EstimateScale(head.Position.Y(), root.Position.Y(), a.restHeight)
}

// BeginCalibration makes every anchor follow its bone.
func (a *Avatar) BeginCalibration() error {
	if a.destroyed {
		return ErrAvatarDestroyed
	}
	for k := TargetHead; k <= TargetRightHand; k++ {
		a.anchors[k].begin(a.skeleton.TargetBone(k))
	}
	a.calibrating = true
	a.ikEnabled = false
	return nil
}

// FinishCalibration fixes anchor offsets against the given tracker poses,
// commits the scale, enables IK and hides the fallback display.
func (a *Avatar) FinishCalibration(trackers [TargetCount]Transform, scale float32) error {
	if a.destroyed {
		return ErrAvatarDestroyed
	}
	for k := TargetHead; k <= TargetRightHand; k++ {
		a.anchors[k].finish(trackers[k])
	}
	a.SetScale(scale)
	a.calibrating = false
	a.ikEnabled = true
	a.fallbackVisible = false
	return nil
}

// Goals returns the IK goals for the three anchors.
func (a *Avatar) Goals(trackers [TargetCount]Transform) [TargetCount]Transform {
	var out [TargetCount]Transform
	for k := range a.anchors {
		out[k] = a.anchors[k].Goal(trackers[k])
	}
	return out
}

// Destroy releases the avatar. Further mutations fail with ErrAvatarDestroyed.
func (a *Avatar) Destroy() {
	if a.destroyed {
		return
	}
	for h := range a.fingers {
		for f := range a.fingers[h] {
			a.fingers[h][f].Reset()
		}
	}
	a.destroyed = true
	a.ikEnabled = false
	a.fallbackVisible = true
}
