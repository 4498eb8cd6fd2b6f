package ikplayer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/danmuck/ikrelay/internal/logging"
	"github.com/danmuck/ikrelay/internal/observability"
	"github.com/danmuck/ikrelay/internal/pose"
	"github.com/danmuck/ikrelay/internal/protocol/frame"
	"github.com/danmuck/ikrelay/internal/protocol/schema"
	"github.com/danmuck/ikrelay/internal/protocol/session"
	"github.com/danmuck/ikrelay/internal/replication"
	"github.com/danmuck/ikrelay/internal/scheduler"
	"github.com/danmuck/ikrelay/internal/world"
	"github.com/rs/zerolog"
)

// Sender carries frames to the relay.
type Sender interface {
	Send(f frame.Frame) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(f frame.Frame) error

func (fn SenderFunc) Send(f frame.Frame) error { return fn(f) }

// Hooks lets the embedding process react to entities it controls.
type Hooks struct {
	// OnControlledSpawn fires when an entity controlled by this peer appears.
	OnControlledSpawn func(p *Player)
	// OnAvatarReady fires on the controlling peer once the entity's avatar
	// is built after InitAvatar.
	OnAvatarReady func(p *Player)
}

// Options configures a Session.
type Options struct {
	Config session.Config
	World  world.World
	Sender Sender
	// Host makes this peer spawn and own the authority copy of every
	// peer's tracked entity.
	Host  bool
	Hooks Hooks
	// Rig overrides the finger rig of every avatar. Nil uses
	// pose.DefaultHandRig.
	Rig *pose.HandRig
}

// Session is the per-peer replication context. It is not safe for
// concurrent use; Run serializes inbound frames, calls and ticks.
type Session struct {
	cfg      session.Config
	layout   replication.Layout
	tracking pose.TrackingType
	world    world.World
	out      Sender
	host     bool
	hooks    Hooks
	rig      pose.HandRig
	sched    *scheduler.Scheduler

	peerID   uint32
	players  map[pose.EntityID]*Player
	nextSeq  uint32
	tick     uint64
	now      time.Time
	lastFull time.Time

	inbound chan frame.Frame
	calls   chan func()
	stopped chan struct{}
	baseLog zerolog.Logger
	log     zerolog.Logger
}

func NewSession(opts Options) (*Session, error) {
	cfg := opts.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layout, err := replication.LayoutByName(cfg.Layout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrInvalidConfig, err)
	}
	tracking, err := cfg.Tracking()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrInvalidConfig, err)
	}
	if opts.World == nil {
		return nil, fmt.Errorf("%w: world is required", session.ErrInvalidConfig)
	}
	out := opts.Sender
	if out == nil {
		out = SenderFunc(func(frame.Frame) error { return nil })
	}
	rig := pose.DefaultHandRig()
	if opts.Rig != nil {
		rig = *opts.Rig
	}
	log := logging.For("ikplayer").With().Bool("host", opts.Host).Logger()
	return &Session{
		cfg:      cfg,
		layout:   layout,
		tracking: tracking,
		world:    opts.World,
		out:      out,
		host:     opts.Host,
		hooks:    opts.Hooks,
		rig:      rig,
		sched:    scheduler.New(),
		players:  make(map[pose.EntityID]*Player),
		inbound:  make(chan frame.Frame, 256),
		calls:    make(chan func(), 64),
		stopped:  make(chan struct{}),
		baseLog:  log,
		log:      log,
	}, nil
}

func (s *Session) PeerID() uint32 { return s.peerID }

func (s *Session) Host() bool { return s.host }

// TickCount is the number of ticks run so far.
func (s *Session) TickCount() uint64 { return s.tick }

// Player returns the player for id.
func (s *Session) Player(id pose.EntityID) (*Player, bool) {
	p, ok := s.players[id]
	return p, ok
}

// Players returns every player ordered by entity id.
func (s *Session) Players() []*Player {
	ids := make([]pose.EntityID, 0, len(s.players))
	for id := range s.players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*Player, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.players[id])
	}
	return out
}

// Join records the peer id assigned by the relay. A host schedules its own
// tracked entity.
func (s *Session) Join(peerID uint32) error {
	if peerID == 0 || peerID > pose.MaxPeerID {
		return fmt.Errorf("%w: peer id %d", pose.ErrIDSpaceExhausted, peerID)
	}
	s.peerID = peerID
	s.log = s.baseLog.With().Uint32("peer", peerID).Logger()
	s.log.Info().Msg("ikplayer.Join")
	if s.host {
		s.scheduleSpawn(peerID)
	}
	return nil
}

// Reset forgets every entity and pending task without telling the relay,
// for use after the link to it is lost. The relay has already despawned
// this peer's entities for everyone else. Join must follow.
func (s *Session) Reset() {
	for _, p := range s.Players() {
		s.remove(p)
	}
	s.sched = scheduler.New()
	s.peerID = 0
	s.nextSeq = 0
	s.log = s.baseLog
	s.log.Info().Msg("ikplayer.Reset")
}

// Leave despawns every entity this peer is authority for.
func (s *Session) Leave() {
	for _, p := range s.Players() {
		if p.Authority() {
			s.Despawn(p.id)
		}
	}
}

func (s *Session) spawnTaskName(peer uint32) string {
	return fmt.Sprintf("spawn/%d", peer)
}

func (s *Session) scheduleSpawn(peer uint32) {
	if !s.cfg.Enabled {
		s.log.Debug().Uint32("for", peer).Msg("ikplayer.scheduleSpawn disabled")
		return
	}
	at := s.now.Add(s.cfg.SpawnDelay)
	s.sched.After(0, s.spawnTaskName(peer), at, func() {
		if _, err := s.Spawn(peer); err != nil {
			s.log.Error().Err(err).Uint32("for", peer).Msg("ikplayer.spawn failed")
		}
	})
}

// Spawn creates the authority copy of a tracked entity controlled by owner.
func (s *Session) Spawn(owner uint32) (*Player, error) {
	if owner == 0 {
		return nil, fmt.Errorf("%w: spawn without owner", ErrProtocolMisuse)
	}
	if s.peerID == 0 {
		return nil, fmt.Errorf("%w: spawn before join", ErrProtocolMisuse)
	}
	id, err := pose.PeerEntityID(s.peerID, s.nextSeq+1)
	if err != nil {
		return nil, err
	}
	s.nextSeq++
	p := newPlayer(s, id, owner, s.layout, replication.RoleAuthority)
	if _, err := p.ch.SetUint32(replication.FieldOwner, owner); err != nil {
		return nil, err
	}
	f, err := session.EncodeSpawnFrame(session.Spawn{Entity: id, Owner: pose.EntityID(owner), Layout: s.layout.ID})
	if err != nil {
		return nil, err
	}
	s.world.Place(id, pose.IdentityTransform())
	s.players[id] = p
	p.fullPending = true
	s.send(f)
	s.log.Info().Uint32("entity", uint32(id)).Uint32("owner", owner).Msg("ikplayer.Spawn")
	s.announceControlled(p)
	return p, nil
}

// Despawn removes an entity this peer is authority for and tells everyone.
func (s *Session) Despawn(id pose.EntityID) error {
	p, ok := s.players[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	if !p.Authority() {
		return fmt.Errorf("%w: despawn of observed entity %d", ErrProtocolMisuse, id)
	}
	s.remove(p)
	f, err := session.EncodeDespawnFrame(id)
	if err != nil {
		return err
	}
	s.send(f)
	return nil
}

func (s *Session) remove(p *Player) {
	p.teardown()
	p.releaseTargets()
	s.world.Remove(p.id)
	delete(s.players, p.id)
	s.log.Info().Uint32("entity", uint32(p.id)).Msg("ikplayer.remove")
}

func (s *Session) announceControlled(p *Player) {
	if !s.cfg.Enabled || !p.Controlled() {
		return
	}
	if s.hooks.OnControlledSpawn != nil {
		s.hooks.OnControlledSpawn(p)
	}
}

func (s *Session) send(f frame.Frame) {
	if err := s.sendErr(f); err != nil {
		s.log.Warn().Err(err).Str("message", schema.Name(f.Header.MessageType)).Msg("ikplayer.send failed")
	}
}

func (s *Session) sendErr(f frame.Frame) error {
	f.Header.Tick = s.tick
	f.Header.Source = s.peerID
	return s.out.Send(f)
}

// HandleFrame applies one inbound frame.
func (s *Session) HandleFrame(f frame.Frame) {
	msg := f.Header.MessageType
	var err error
	switch {
	case msg == schema.MsgPeerJoined || msg == schema.MsgPeerLeft:
		err = s.handlePresence(f)
	case msg == schema.MsgSpawn:
		err = s.handleSpawn(f)
	case msg == schema.MsgDespawn:
		err = s.handleDespawn(f)
	case msg == schema.MsgTargetSpawn:
		err = s.handleTargetSpawn(f)
	case msg == schema.MsgSyncFull || msg == schema.MsgSyncDelta:
		err = s.handleSync(f)
	case msg == schema.MsgResyncRequest:
		err = s.handleResync(f)
	case msg == schema.MsgEvtInitAvatar:
		err = s.handleInitAvatar(f)
	case schema.IsCommand(msg):
		err = s.handleCommand(f)
	default:
		err = fmt.Errorf("%w: %s", session.ErrUnexpectedMessage, schema.Name(msg))
	}
	if err != nil {
		s.log.Warn().Err(err).
			Str("message", schema.Name(msg)).
			Uint32("entity", f.Header.EntityID).
			Uint32("source", f.Header.Source).
			Msg("ikplayer.HandleFrame dropped")
	}
}

func (s *Session) handlePresence(f frame.Frame) error {
	pr, err := session.DecodePresenceFrame(f)
	if err != nil {
		return err
	}
	if pr.PeerID == s.peerID || !s.host {
		return nil
	}
	if pr.Joined {
		s.scheduleSpawn(pr.PeerID)
		return nil
	}
	s.sched.Cancel(0, s.spawnTaskName(pr.PeerID))
	for _, p := range s.Players() {
		if p.Authority() && p.owner == pr.PeerID {
			if err := s.Despawn(p.id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) handleSpawn(f frame.Frame) error {
	sp, err := session.DecodeSpawnFrame(f)
	if err != nil {
		return err
	}
	if _, ok := s.players[sp.Entity]; ok {
		return nil
	}
	layout, err := replication.LayoutByID(sp.Layout)
	if err != nil {
		return err
	}
	p := newPlayer(s, sp.Entity, uint32(sp.Owner), layout, replication.RoleObserver)
	s.world.Place(sp.Entity, pose.IdentityTransform())
	s.players[sp.Entity] = p
	p.requestResync()
	s.log.Info().Uint32("entity", uint32(sp.Entity)).Uint32("owner", uint32(sp.Owner)).Msg("ikplayer.handleSpawn")
	s.announceControlled(p)
	return nil
}

func (s *Session) observed(id pose.EntityID) (*Player, error) {
	p, ok := s.players[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	if p.Authority() {
		return nil, fmt.Errorf("%w: remote update for owned entity %d", ErrProtocolMisuse, id)
	}
	return p, nil
}

func (s *Session) handleDespawn(f frame.Frame) error {
	id, err := session.DecodeDespawnFrame(f)
	if err != nil {
		return err
	}
	p, err := s.observed(id)
	if err != nil {
		return err
	}
	s.remove(p)
	return nil
}

func (s *Session) handleTargetSpawn(f frame.Frame) error {
	ts, err := session.DecodeTargetSpawnFrame(f)
	if err != nil {
		return err
	}
	if _, err := s.observed(ts.Entity); err != nil {
		return err
	}
	s.world.AdoptTarget(ts.Target, ts.Entity, ts.Kind)
	return nil
}

func (s *Session) handleSync(f frame.Frame) error {
	u, err := session.DecodeSyncFrame(f)
	if err != nil {
		return err
	}
	p, err := s.observed(u.Entity)
	if err != nil {
		return err
	}
	p.applySync(u)
	return nil
}

func (s *Session) handleResync(f frame.Frame) error {
	p, ok := s.players[pose.EntityID(f.Header.EntityID)]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, f.Header.EntityID)
	}
	if !p.Authority() {
		return fmt.Errorf("%w: resync request at observer", ErrProtocolMisuse)
	}
	p.fullPending = true
	return nil
}

func (s *Session) handleInitAvatar(f frame.Frame) error {
	p, err := s.observed(pose.EntityID(f.Header.EntityID))
	if err != nil {
		return err
	}
	p.onInitAvatar()
	return nil
}

func (s *Session) handleCommand(f frame.Frame) error {
	cmd, err := session.DecodeCommandFrame(f)
	if err != nil {
		observability.RecordCommand(schema.Name(f.Header.MessageType), "invalid")
		return err
	}
	p, ok := s.players[cmd.Entity]
	if !ok {
		observability.RecordCommand(cmd.Name(), "unknown_entity")
		return fmt.Errorf("%w: %d", ErrUnknownEntity, cmd.Entity)
	}
	switch {
	case !p.Authority():
		err = fmt.Errorf("%w: command at observer", ErrProtocolMisuse)
	case cmd.Source != p.owner:
		err = fmt.Errorf("%w: command from peer %d for entity owned by %d", ErrProtocolMisuse, cmd.Source, p.owner)
	case !p.limiter.Allow():
		observability.RecordRateLimited("command")
		err = ErrRateLimited
	default:
		err = p.execute(cmd)
	}
	p.recordCommand(cmd, err)
	return nil
}

// Tick advances the session by one step: scheduled tasks first, then every
// player in entity order.
func (s *Session) Tick(now time.Time) {
	s.now = now
	s.tick++
	s.sched.Tick(now)
	forceFull := false
	if s.cfg.FullResyncInterval > 0 && now.Sub(s.lastFull) >= s.cfg.FullResyncInterval {
		forceFull = true
		s.lastFull = now
	}
	for _, p := range s.Players() {
		p.tick(now, forceFull)
	}
}

// Entities returns inspection snapshots of every player.
func (s *Session) Entities() []EntityInfo {
	players := s.Players()
	out := make([]EntityInfo, 0, len(players))
	for _, p := range players {
		out = append(out, p.info())
	}
	return out
}

// ForceFull marks every authority entity for a full snapshot on the next
// tick and returns how many were marked.
func (s *Session) ForceFull() int {
	n := 0
	for _, p := range s.players {
		if p.Authority() {
			p.fullPending = true
			n++
		}
	}
	return n
}

// Deliver queues an inbound frame for Run.
func (s *Session) Deliver(ctx context.Context, f frame.Frame) error {
	if s.closed() {
		return ErrSessionClosed
	}
	select {
	case s.inbound <- f:
		return nil
	case <-s.stopped:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the session goroutine and waits for it. It fails with
// ErrSessionClosed once Run has returned.
func (s *Session) Do(ctx context.Context, fn func(*Session)) error {
	if s.closed() {
		return ErrSessionClosed
	}
	done := make(chan struct{})
	call := func() {
		defer close(done)
		fn(s)
	}
	select {
	case s.calls <- call:
	case <-s.stopped:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// Run drives the session until ctx ends. Inbound frames, calls and ticks
// are handled one at a time. A session runs at most once.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()
	defer close(s.stopped)
	s.now = time.Now()
	s.lastFull = s.now
	for {
		select {
		case <-ctx.Done():
			s.Leave()
			return ctx.Err()
		case f := <-s.inbound:
			s.HandleFrame(f)
		case call := <-s.calls:
			call()
		case now := <-ticker.C:
			start := time.Now()
			s.Tick(now)
			observability.ObserveTick(time.Since(start))
		}
	}
}
