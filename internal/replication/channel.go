package replication

import (
	"github.com/danmuck/ikrelay/internal/logging"
	"github.com/danmuck/ikrelay/internal/observability"
	"github.com/danmuck/ikrelay/internal/pose"
	"github.com/rs/zerolog"
)

// Role decides who may write fields locally.
type Role uint8

const (
	RoleObserver Role = iota
	RoleAuthority
)

func (r Role) String() string {
	if r == RoleAuthority {
		return "authority"
	}
	return "observer"
}

// Origin tells a hook whether a change was made here or arrived on the wire.
type Origin uint8

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// Change is delivered to hooks once per observable value change.
type Change struct {
	Field  FieldID
	Old    Value
	New    Value
	Origin Origin
}

// Hook reacts to a field change. Errors and panics are contained and
// counted; the new value stands either way.
type Hook func(Change) error

// Stats counts channel events since creation.
type Stats struct {
	Encoded      uint64
	DecodeDrops  uint64
	Suppressed   uint64
	HookFailures uint64
}

// Channel holds one entity's replicated fields.
type Channel struct {
	entity pose.EntityID
	layout Layout
	role   Role
	values [NumFields]Value
	dirty  uint64
	// held has one bit per FieldID whose hook is on the stack.
	held  uint64
	hooks [NumFields]Hook
	stats Stats
	log   zerolog.Logger
}

func NewChannel(entity pose.EntityID, layout Layout, role Role) *Channel {
	c := &Channel{
		entity: entity,
		layout: layout,
		role:   role,
		log: logging.For("replication").With().
			Uint32("entity", uint32(entity)).
			Str("role", role.String()).
			Str("layout", layout.Name).
			Logger(),
	}
	c.values[FieldScale] = F32(pose.DefaultScale)
	return c
}

func (c *Channel) Entity() pose.EntityID { return c.entity }
func (c *Channel) Layout() Layout        { return c.layout }
func (c *Channel) Role() Role            { return c.role }
func (c *Channel) Stats() Stats          { return c.stats }

// Dirty returns the pending wire bitmask.
func (c *Channel) Dirty() uint64 { return c.dirty }

// OnChange registers the hook for f, replacing any previous one.
func (c *Channel) OnChange(f FieldID, h Hook) {
	if f.Valid() {
		c.hooks[f] = h
	}
}

func (c *Channel) Get(f FieldID) Value {
	if !f.Valid() {
		return 0
	}
	return c.values[f]
}

func (c *Channel) Uint32(f FieldID) uint32   { return c.Get(f).Uint32() }
func (c *Channel) Float32(f FieldID) float32 { return c.Get(f).Float32() }

// Set writes a field on the authority. A changed value marks its wire bit
// dirty and runs the field's hook inline. Writes to a field whose hook is
// already running are dropped and counted, not reported as errors.
func (c *Channel) Set(f FieldID, v Value) (bool, error) {
	if !f.Valid() {
		return false, ErrUnknownField
	}
	if c.role != RoleAuthority {
		return false, ErrNotAuthority
	}
	if f == FieldOwner && c.values[f] != 0 && c.values[f] != v {
		return false, ErrImmutableField
	}
	change, ok := c.store(f, v, OriginLocal)
	if !ok {
		return false, nil
	}
	if bit, carried := c.layout.Bit(f); carried {
		c.dirty |= 1 << bit
	}
	c.dispatch(change)
	return true, nil
}

func (c *Channel) SetUint32(f FieldID, v uint32) (bool, error) { return c.Set(f, U32(v)) }

func (c *Channel) SetFloat32(f FieldID, v float32) (bool, error) { return c.Set(f, F32(v)) }

// Load writes every field of p through Set, in field order.
func (c *Channel) Load(p pose.PoseState) error {
	if _, err := c.SetUint32(FieldOwner, uint32(p.OwnerID)); err != nil {
		return err
	}
	for k := pose.TargetHead; k <= pose.TargetRightHand; k++ {
		if _, err := c.SetUint32(TargetField(k), uint32(p.Targets[k])); err != nil {
			return err
		}
	}
	if _, err := c.SetFloat32(FieldScale, p.Scale); err != nil {
		return err
	}
	for i, v := range p.FingerCurl {
		if _, err := c.SetFloat32(FieldCurlBase+FieldID(i), v); err != nil {
			return err
		}
	}
	_, err := c.SetUint32(FieldState, uint32(p.State))
	return err
}

// Snapshot returns the current field values as a PoseState.
func (c *Channel) Snapshot() pose.PoseState {
	p := pose.PoseState{
		State:   pose.IkState(c.Uint32(FieldState)),
		Scale:   c.Float32(FieldScale),
		OwnerID: pose.EntityID(c.Uint32(FieldOwner)),
	}
	for k := pose.TargetHead; k <= pose.TargetRightHand; k++ {
		p.Targets[k] = pose.EntityID(c.Uint32(TargetField(k)))
	}
	for i := range p.FingerCurl {
		p.FingerCurl[i] = c.Float32(FieldCurlBase + FieldID(i))
	}
	return p
}

func (c *Channel) store(f FieldID, v Value, origin Origin) (Change, bool) {
	if c.held&(1<<f) != 0 {
		c.stats.Suppressed++
		observability.RecordHookSuppressed(f.String())
		c.log.Debug().
			Str("field", f.String()).
			Str("origin", origin.String()).
			Msg("replication.store suppressed re-entrant write")
		return Change{}, false
	}
	old := c.values[f]
	if old == v {
		return Change{}, false
	}
	c.values[f] = v
	return Change{Field: f, Old: old, New: v, Origin: origin}, true
}

// suppressToken marks a field's hook as running until released.
type suppressToken struct {
	c    *Channel
	mask uint64
}

func (c *Channel) acquire(f FieldID) suppressToken {
	mask := uint64(1) << f
	c.held |= mask
	return suppressToken{c: c, mask: mask}
}

func (t suppressToken) release() {
	t.c.held &^= t.mask
}

func (c *Channel) dispatch(change Change) {
	hook := c.hooks[change.Field]
	if hook == nil {
		return
	}
	token := c.acquire(change.Field)
	defer token.release()
	if err := invoke(hook, change); err != nil {
		c.stats.HookFailures++
		observability.RecordHookFailure(change.Field.String())
		c.log.Error().
			Err(err).
			Str("field", change.Field.String()).
			Str("origin", change.Origin.String()).
			Msg("replication.dispatch hook failed")
	}
}

func invoke(hook Hook, change Change) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = HookFailure{Field: change.Field, Panic: r}
		}
	}()
	if herr := hook(change); herr != nil {
		return HookFailure{Field: change.Field, Err: herr}
	}
	return nil
}
