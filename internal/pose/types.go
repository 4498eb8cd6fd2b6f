package pose

import (
	"errors"
	"fmt"
	"strings"
)

// EntityID identifies a networked entity. Zero means unset.
type EntityID uint32

// IkState is the lifecycle stage of a tracked avatar.
type IkState uint32

const (
	Disabled IkState = iota
	Initialized
	Calibrating
	Calibrated
)

func (s IkState) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Initialized:
		return "initialized"
	case Calibrating:
		return "calibrating"
	case Calibrated:
		return "calibrated"
	default:
		return fmt.Sprintf("ikstate(%d)", uint32(s))
	}
}

// Valid reports whether s is one of the four defined states.
func (s IkState) Valid() bool {
	return s <= Calibrated
}

type Hand uint8

const (
	Left Hand = iota
	Right
)

func (h Hand) String() string {
	switch h {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("hand(%d)", uint8(h))
	}
}

func (h Hand) Valid() bool { return h <= Right }

type Finger uint8

const (
	Thumb Finger = iota
	Index
	Middle
	Ring
	Pinky
)

func (f Finger) String() string {
	switch f {
	case Thumb:
		return "thumb"
	case Index:
		return "index"
	case Middle:
		return "middle"
	case Ring:
		return "ring"
	case Pinky:
		return "pinky"
	default:
		return fmt.Sprintf("finger(%d)", uint8(f))
	}
}

func (f Finger) Valid() bool { return f <= Pinky }

const (
	HandCount   = 2
	FingerCount = 5
	CurlCount   = HandCount * FingerCount
)

// CurlIndex maps a hand and finger onto the flat curl array.
// Left hand fingers come first, thumb to pinky.
func CurlIndex(h Hand, f Finger) int {
	return int(h)*FingerCount + int(f)
}

// TargetKind names the three tracked anchor points.
type TargetKind uint8

const (
	TargetHead TargetKind = iota
	TargetLeftHand
	TargetRightHand
)

const TargetCount = 3

func (k TargetKind) String() string {
	switch k {
	case TargetHead:
		return "head"
	case TargetLeftHand:
		return "left_hand"
	case TargetRightHand:
		return "right_hand"
	default:
		return fmt.Sprintf("target(%d)", uint8(k))
	}
}

func (k TargetKind) Valid() bool { return k <= TargetRightHand }

// TrackingType selects how many tracked points drive the avatar.
type TrackingType uint8

const (
	ThreePoint TrackingType = iota
	SixPoint
	SevenPoint
)

var ErrUnknownTrackingType = errors.New("pose: unknown tracking type")

func (t TrackingType) String() string {
	switch t {
	case ThreePoint:
		return "three_point"
	case SixPoint:
		return "six_point"
	case SevenPoint:
		return "seven_point"
	default:
		return fmt.Sprintf("tracking(%d)", uint8(t))
	}
}

// Supported reports whether the tracking type is implemented.
func (t TrackingType) Supported() bool {
	return t == ThreePoint
}

func ParseTrackingType(raw string) (TrackingType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "three_point", "3", "three":
		return ThreePoint, nil
	case "six_point", "6", "six":
		return SixPoint, nil
	case "seven_point", "7", "seven":
		return SevenPoint, nil
	default:
		return ThreePoint, fmt.Errorf("%w: %q", ErrUnknownTrackingType, raw)
	}
}

// PoseState is the replicated state of one tracked entity.
type PoseState struct {
	State      IkState
	Targets    [TargetCount]EntityID
	Scale      float32
	OwnerID    EntityID
	FingerCurl [CurlCount]float32
}

func DefaultPoseState() PoseState {
	return PoseState{Scale: DefaultScale}
}

// HasTargets reports whether all three target references are set.
func (p PoseState) HasTargets() bool {
	for _, id := range p.Targets {
		if id == 0 {
			return false
		}
	}
	return true
}

func (p PoseState) Curl(h Hand, f Finger) float32 {
	return p.FingerCurl[CurlIndex(h, f)]
}
