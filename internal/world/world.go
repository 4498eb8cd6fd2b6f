// Package world is the boundary to the host scene: entity transforms,
// tracking target spawning, avatar rigs, the IK solver and the fallback
// avatar display. Memory implements it for the peer process and tests.
package world

import (
	"errors"

	"github.com/danmuck/ikrelay/internal/pose"
)

var (
	ErrNoEntity = errors.New("world: entity not found")
	ErrNoRig    = errors.New("world: no avatar rig available")
)

// Entities resolves networked entities to transforms.
type Entities interface {
	Lookup(id pose.EntityID) (pose.Transform, bool)
}

// Targets creates and removes tracking target entities.
type Targets interface {
	// SpawnTarget creates a target owned by entity and returns its id.
	SpawnTarget(entity pose.EntityID, kind pose.TargetKind) (pose.EntityID, error)
	// AdoptTarget registers a target announced by a remote authority.
	AdoptTarget(id, entity pose.EntityID, kind pose.TargetKind)
	DestroyTarget(id pose.EntityID)
}

// Rigs builds avatar skeletons.
type Rigs interface {
	BuildSkeleton(entity pose.EntityID) (*pose.Skeleton, error)
}

// Solver is the external IK solver.
type Solver interface {
	SetSolverEnabled(entity pose.EntityID, enabled bool)
	Solve(entity pose.EntityID, goals [pose.TargetCount]pose.Transform)
}

// Display toggles the non-IK fallback avatar.
type Display interface {
	SetFallbackVisible(entity pose.EntityID, visible bool)
}

// World is everything a session needs from the host scene.
type World interface {
	Entities
	Targets
	Rigs
	Solver
	Display
	// Place registers or moves an entity.
	Place(id pose.EntityID, t pose.Transform)
	Remove(id pose.EntityID)
}
