package pose

import "math"

const (
	DefaultScale float32 = 1.0
	// ScaleHeadroom compensates for the headset sitting above the modeled head bone.
	ScaleHeadroom float32 = 0.1
)

// EstimateScale derives a uniform avatar scale from the tracked head height
// above the avatar root, relative to the avatar's rest height.
// A non-positive rest height yields DefaultScale.
func EstimateScale(headWorldY, rootWorldY, restAvatarHeight float32) float32 {
	if restAvatarHeight <= 0 || !finite(restAvatarHeight) {
		return DefaultScale
	}
	return (headWorldY-rootWorldY)/restAvatarHeight + ScaleHeadroom
}

// SanitizeScale replaces unusable scales with DefaultScale.
func SanitizeScale(s float32) float32 {
	if s <= 0 || !finite(s) {
		return DefaultScale
	}
	return s
}

// ClampCurl bounds a curl value to [0,1]. NaN becomes 0.
func ClampCurl(v float32) float32 {
	if v != v {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
