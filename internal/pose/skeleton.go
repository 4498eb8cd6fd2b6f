package pose

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

const bonesPerFinger = 3

// Skeleton is the subset of an avatar rig this package drives.
type Skeleton struct {
	Root    *Bone
	Head    *Bone
	Hands   [HandCount]*Bone
	Fingers [HandCount][FingerCount][]*Bone
}

// RestHeight is the head height above the root at rest.
func (s *Skeleton) RestHeight() float32 {
	if s == nil || s.Head == nil || s.Root == nil {
		return 0
	}
	return s.Head.Position.Y() - s.Root.Position.Y()
}

// NewHumanoidSkeleton builds a minimal humanoid with three bones per finger,
// named after the stock rig (head, hand_l, index_01_l, ...).
func NewHumanoidSkeleton(height float32) *Skeleton {
	s := &Skeleton{
		Root: &Bone{Name: "root", Rotation: mgl32.QuatIdent()},
		Head: &Bone{Name: "head", Position: mgl32.Vec3{0, height, 0}, Rotation: mgl32.QuatIdent()},
	}
	fingerNames := [FingerCount]string{"thumb", "index", "middle", "ring", "pinky"}
	for h := Left; h <= Right; h++ {
		side := "l"
		x := float32(-0.25)
		if h == Right {
			side = "r"
			x = 0.25
		}
		hand := &Bone{
			Name:     "hand_" + side,
			Position: mgl32.Vec3{x, height * 0.55, 0},
			Rotation: mgl32.QuatIdent(),
		}
		s.Hands[h] = hand
		for f := Thumb; f <= Pinky; f++ {
			chain := make([]*Bone, bonesPerFinger)
			for j := range chain {
				chain[j] = &Bone{
					Name:     fmt.Sprintf("%s_%02d_%s", fingerNames[f], j+1, side),
					Position: hand.Position.Add(mgl32.Vec3{0, -0.03 * float32(j+1), 0.01 * float32(f)}),
					Rotation: mgl32.QuatIdent(),
				}
			}
			s.Fingers[h][f] = chain
		}
	}
	return s
}

// TargetBone returns the bone a tracking target follows during calibration.
func (s *Skeleton) TargetBone(k TargetKind) *Bone {
	switch k {
	case TargetHead:
		return s.Head
	case TargetLeftHand:
		return s.Hands[Left]
	case TargetRightHand:
		return s.Hands[Right]
	default:
		return nil
	}
}
