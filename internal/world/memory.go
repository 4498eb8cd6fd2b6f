package world

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/ikrelay/internal/pose"
)

// TargetInfo describes a tracked target entity.
type TargetInfo struct {
	ID     pose.EntityID
	Entity pose.EntityID
	Kind   pose.TargetKind
}

// EntityView is a read-only snapshot of one entity for inspection.
type EntityView struct {
	ID              pose.EntityID
	Transform       pose.Transform
	SolverEnabled   bool
	FallbackVisible bool
	Goals           [pose.TargetCount]pose.Transform
	Solves          uint64
}

// Memory is an in-process World. Target ids are allocated upward from a
// base and stay inside the base's 16-bit id block, so they never collide
// with entity ids chosen by the session.
type Memory struct {
	mu         sync.RWMutex
	transforms map[pose.EntityID]pose.Transform
	targets    map[pose.EntityID]TargetInfo
	solver     map[pose.EntityID]bool
	fallback   map[pose.EntityID]bool
	goals      map[pose.EntityID][pose.TargetCount]pose.Transform
	solves     map[pose.EntityID]uint64
	targetBase pose.EntityID
	nextTarget pose.EntityID
	height     float32
	noRig      bool
}

// NewMemory returns a world whose avatars stand height units tall.
// targetBase seeds the target id allocator.
func NewMemory(height float32, targetBase pose.EntityID) *Memory {
	if height <= 0 {
		height = 1.7
	}
	return &Memory{
		transforms: make(map[pose.EntityID]pose.Transform),
		targets:    make(map[pose.EntityID]TargetInfo),
		solver:     make(map[pose.EntityID]bool),
		fallback:   make(map[pose.EntityID]bool),
		goals:      make(map[pose.EntityID][pose.TargetCount]pose.Transform),
		solves:     make(map[pose.EntityID]uint64),
		targetBase: targetBase,
		nextTarget: targetBase,
		height:     height,
	}
}

func (m *Memory) Lookup(id pose.EntityID) (pose.Transform, bool) {
	if id == 0 {
		return pose.Transform{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transforms[id]
	return t, ok
}

func (m *Memory) Place(id pose.EntityID, t pose.Transform) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transforms[id] = t
}

func (m *Memory) Remove(id pose.EntityID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transforms, id)
	delete(m.solver, id)
	delete(m.fallback, id)
	delete(m.goals, id)
	delete(m.solves, id)
}

// Rebase moves target allocation to a new id block. Targets already
// spawned keep their ids.
func (m *Memory) Rebase(targetBase pose.EntityID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targetBase = targetBase
	m.nextTarget = targetBase
}

// SpawnTarget fails with ErrNoEntity unless entity was placed first.
func (m *Memory) SpawnTarget(entity pose.EntityID, kind pose.TargetKind) (pose.EntityID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transforms[entity]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrNoEntity, entity)
	}
	id := m.nextTarget + 1
	if id == 0 || !pose.SameBlock(id, m.targetBase) {
		return 0, fmt.Errorf("%w: targets above %d", pose.ErrIDSpaceExhausted, m.targetBase)
	}
	m.nextTarget = id
	m.targets[id] = TargetInfo{ID: id, Entity: entity, Kind: kind}
	m.transforms[id] = pose.IdentityTransform()
	return id, nil
}

func (m *Memory) AdoptTarget(id, entity pose.EntityID, kind pose.TargetKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[id] = TargetInfo{ID: id, Entity: entity, Kind: kind}
	if _, ok := m.transforms[id]; !ok {
		m.transforms[id] = pose.IdentityTransform()
	}
}

func (m *Memory) DestroyTarget(id pose.EntityID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, id)
	delete(m.transforms, id)
}

// Targets lists known targets ordered by id.
func (m *Memory) Targets() []TargetInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TargetInfo, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WithoutRig makes BuildSkeleton fail, for exercising error paths.
func (m *Memory) WithoutRig() *Memory {
	m.noRig = true
	return m
}

func (m *Memory) BuildSkeleton(entity pose.EntityID) (*pose.Skeleton, error) {
	if m.noRig {
		return nil, ErrNoRig
	}
	return pose.NewHumanoidSkeleton(m.height), nil
}

func (m *Memory) SetSolverEnabled(entity pose.EntityID, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.solver[entity] = enabled
}

func (m *Memory) Solve(entity pose.EntityID, goals [pose.TargetCount]pose.Transform) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.goals[entity] = goals
	m.solves[entity]++
}

func (m *Memory) SetFallbackVisible(entity pose.EntityID, visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback[entity] = visible
}

// View snapshots one entity.
func (m *Memory) View(id pose.EntityID) (EntityView, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transforms[id]
	if !ok {
		return EntityView{}, false
	}
	return EntityView{
		ID:              id,
		Transform:       t,
		SolverEnabled:   m.solver[id],
		FallbackVisible: m.fallback[id],
		Goals:           m.goals[id],
		Solves:          m.solves[id],
	}, true
}
