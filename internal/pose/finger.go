package pose

import (
	"errors"

	"github.com/go-gl/mathgl/mgl32"
)

var ErrNoBones = errors.New("pose: finger has no bones")

// Bone is one joint of the avatar skeleton. Rotation is local to the parent
// joint; Position is in avatar space.
type Bone struct {
	Name     string
	Position mgl32.Vec3
	Rotation mgl32.Quat
}

// FingerModel drives a chain of bones from a single curl scalar.
// Rest rotations are captured when the model is built and every update is
// computed from them, so repeated identical curls land on identical rotations.
type FingerModel struct {
	bones     []*Bone
	weights   []float32
	rest      []mgl32.Quat
	weightSum float32
	totalCurl float32 // radians
	axis      mgl32.Vec3
	curl      float32
}

// NewFingerModel captures the current rotation of each bone as its rest pose.
// weights[i] belongs to bones[i]; missing weights default to 1.
func NewFingerModel(def FingerDef, bones []*Bone) (*FingerModel, error) {
	if len(bones) == 0 {
		return nil, ErrNoBones
	}
	m := &FingerModel{
		bones:     bones,
		weights:   make([]float32, len(bones)),
		rest:      make([]mgl32.Quat, len(bones)),
		totalCurl: mgl32.DegToRad(def.TotalCurlDeg),
		axis:      def.axis(),
	}
	for i, b := range bones {
		w := float32(1)
		if i < len(def.Weights) && def.Weights[i] > 0 {
			w = def.Weights[i]
		}
		m.weights[i] = w
		m.weightSum += w
		m.rest[i] = b.Rotation
	}
	return m, nil
}

// Apply rotates every bone to rest * rotate(totalCurl * w * curl / sum(w), axis).
func (m *FingerModel) Apply(curl float32) {
	curl = ClampCurl(curl)
	m.curl = curl
	for i, b := range m.bones {
		angle := m.totalCurl * m.weights[i] * curl / m.weightSum
		b.Rotation = m.rest[i].Mul(mgl32.QuatRotate(angle, m.axis))
	}
}

// Curl returns the last applied curl.
func (m *FingerModel) Curl() float32 { return m.curl }

// Rotations returns a copy of the current bone rotations.
func (m *FingerModel) Rotations() []mgl32.Quat {
	out := make([]mgl32.Quat, len(m.bones))
	for i, b := range m.bones {
		out[i] = b.Rotation
	}
	return out
}

// Reset puts every bone back to its captured rest rotation.
func (m *FingerModel) Reset() {
	for i, b := range m.bones {
		b.Rotation = m.rest[i]
	}
	m.curl = 0
}
