package pose

import "github.com/go-gl/mathgl/mgl32"

const defaultTotalCurlDeg float32 = 180

var (
	axisBack = mgl32.Vec3{0, 0, -1}
	axisUp   = mgl32.Vec3{0, 1, 0}
)

// FingerDef describes how one finger curls.
type FingerDef struct {
	TotalCurlDeg float32
	// Axis is normalized on use. The zero vector means "back".
	Axis    mgl32.Vec3
	Weights []float32
}

func (d FingerDef) axis() mgl32.Vec3 {
	if d.Axis.Len() == 0 {
		return axisBack
	}
	return d.Axis.Normalize()
}

// HandRig holds one FingerDef per finger, thumb to pinky.
type HandRig [FingerCount]FingerDef

// DefaultHandRig is tuned for the stock humanoid skeleton: the thumb curls
// 110 degrees with a light tip, the other fingers fold 180 degrees around
// axes tilted progressively toward the little finger.
func DefaultHandRig() HandRig {
	return HandRig{
		Thumb: {
			TotalCurlDeg: 110,
			Weights:      []float32{1, 1, 0.75},
		},
		Index: {
			TotalCurlDeg: defaultTotalCurlDeg,
			Axis:         axisBack.Sub(axisUp.Mul(0.1)),
			Weights:      []float32{1, 1.25, 1},
		},
		Middle: {
			TotalCurlDeg: defaultTotalCurlDeg,
			Weights:      []float32{1, 1.25, 1},
		},
		Ring: {
			TotalCurlDeg: defaultTotalCurlDeg,
			Axis:         axisBack.Add(axisUp.Mul(0.2)),
			Weights:      []float32{1, 1.25, 1},
		},
		Pinky: {
			TotalCurlDeg: defaultTotalCurlDeg,
			Axis:         axisBack.Add(axisUp.Mul(0.3)),
			Weights:      []float32{1, 1.25, 1},
		},
	}
}
