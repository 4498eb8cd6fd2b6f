package pose

import "github.com/go-gl/mathgl/mgl32"

// Transform is a world-space position and rotation.
type Transform struct {
	Position mgl32.Vec3
	Rotation mgl32.Quat
}

func IdentityTransform() Transform {
	return Transform{Rotation: mgl32.QuatIdent()}
}

// Anchor binds one tracked target to an avatar bone. While calibrating the
// goal follows the bone; afterwards it follows the tracker with the offsets
// captured at FinishCalibration.
type Anchor struct {
	Kind        TargetKind
	Target      EntityID
	bone        *Bone
	posOffset   mgl32.Vec3
	rotOffset   mgl32.Quat
	calibrating bool
}

func (a *Anchor) begin(bone *Bone) {
	a.bone = bone
	a.posOffset = mgl32.Vec3{}
	a.rotOffset = mgl32.QuatIdent()
	a.calibrating = true
}

func (a *Anchor) finish(tracker Transform) {
	a.calibrating = false
	if a.bone == nil {
		return
	}
	inv := tracker.Rotation.Inverse()
	a.rotOffset = inv.Mul(a.bone.Rotation)
	a.posOffset = inv.Rotate(a.bone.Position.Sub(tracker.Position))
}

// Calibrating reports whether the anchor still follows its bone.
func (a *Anchor) Calibrating() bool { return a.calibrating }

// Offsets returns the captured position and rotation offsets.
func (a *Anchor) Offsets() (mgl32.Vec3, mgl32.Quat) { return a.posOffset, a.rotOffset }

// Goal computes the IK goal for the given tracker pose.
func (a *Anchor) Goal(tracker Transform) Transform {
	if a.calibrating && a.bone != nil {
		return Transform{Position: a.bone.Position, Rotation: a.bone.Rotation}
	}
	return Transform{
		Position: tracker.Position.Add(tracker.Rotation.Rotate(a.posOffset)),
		Rotation: tracker.Rotation.Mul(a.rotOffset),
	}
}
