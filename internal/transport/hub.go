package transport

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/ikrelay/internal/auth"
	"github.com/danmuck/ikrelay/internal/logging"
	"github.com/danmuck/ikrelay/internal/observability"
	"github.com/danmuck/ikrelay/internal/pose"
	"github.com/danmuck/ikrelay/internal/protocol/frame"
	"github.com/danmuck/ikrelay/internal/protocol/schema"
	"github.com/danmuck/ikrelay/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrHandshake     = errors.New("transport: handshake failed")
	ErrSendQueueFull = errors.New("transport: send queue full")
	ErrClosed        = errors.New("transport: connection closed")
	ErrHubFull       = errors.New("transport: peer id space exhausted")
)

// HubConfig tunes the relay.
type HubConfig struct {
	Validator        auth.Validator
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	// FrameRate and FrameBurst bound inbound frames per connection.
	FrameRate  float64
	FrameBurst int
	SendQueue  int
	Limits     frame.Limits
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		Validator:        auth.Open{},
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      15 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     5 * time.Second,
		FrameRate:        600,
		FrameBurst:       1200,
		SendQueue:        512,
		Limits:           frame.DefaultLimits(),
	}
}

func (c HubConfig) withDefaults() HubConfig {
	d := DefaultHubConfig()
	if c.Validator == nil {
		c.Validator = d.Validator
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.FrameRate <= 0 {
		c.FrameRate = d.FrameRate
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = d.FrameBurst
	}
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = d.Limits
	}
	return c
}

// PeerInfo describes one connected peer.
type PeerInfo struct {
	ID          uint32    `json:"id"`
	Name        string    `json:"name"`
	Session     string    `json:"session"`
	ConnectedAt time.Time `json:"connected_at"`
	Entities    int       `json:"entities"`
}

// EntityInfo describes one live entity known to the relay.
type EntityInfo struct {
	ID        uint32 `json:"id"`
	Authority uint32 `json:"authority"`
	Owner     uint32 `json:"owner"`
	Targets   int    `json:"targets"`
}

type entityRecord struct {
	authority uint32
	owner     uint32
	spawn     []byte
	// targets holds the latest target spawn frame per target kind.
	targets [pose.TargetCount][]byte
}

func (r *entityRecord) targetCount() int {
	n := 0
	for _, t := range r.targets {
		if t != nil {
			n++
		}
	}
	return n
}

// Hub relays frames between peers.
type Hub struct {
	cfg      HubConfig
	upgrader websocket.Upgrader

	mu       sync.Mutex
	peers    map[uint32]*peerConn
	entities map[uint32]*entityRecord
	nextPeer uint32
	closed   bool

	log zerolog.Logger
}

func NewHub(cfg HubConfig) *Hub {
	return &Hub{
		cfg: cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		peers:    make(map[uint32]*peerConn),
		entities: make(map[uint32]*entityRecord),
		log:      logging.For("hub"),
	}
}

// ServeHTTP upgrades the request and serves one peer until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("hub.upgrade failed")
		return
	}
	hello, err := h.handshake(ws)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("hub.handshake rejected")
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "handshake failed")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteTimeout))
		_ = ws.Close()
		return
	}
	c, err := h.register(ws, hello)
	if err != nil {
		h.log.Warn().Err(err).Msg("hub.register failed")
		_ = ws.Close()
		return
	}
	go c.writePump()
	h.readLoop(c)
	h.unregister(c)
}

func (h *Hub) handshake(ws *websocket.Conn) (session.Hello, error) {
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	mt, b, err := ws.ReadMessage()
	if err != nil {
		return session.Hello{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if mt != websocket.BinaryMessage {
		return session.Hello{}, fmt.Errorf("%w: expected binary message", ErrHandshake)
	}
	f, err := frame.Parse(b, h.cfg.Limits)
	if err != nil {
		return session.Hello{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	hello, err := session.DecodeHelloFrame(f)
	if err != nil {
		return session.Hello{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := h.cfg.Validator.Validate(hello.JoinToken); err != nil {
		return session.Hello{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return hello, nil
}

// register assigns an id and queues the welcome, the current roster and
// the retained entity frames before anyone else can send to the peer.
func (h *Hub) register(ws *websocket.Conn, hello session.Hello) (*peerConn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	id, err := h.allocPeerLocked()
	if err != nil {
		return nil, err
	}
	c := newPeerConn(h, ws, id, hello.PeerName, uuid.NewString())

	welcome, err := session.EncodeWelcomeFrame(session.Welcome{PeerID: c.id, SessionID: c.session})
	if err != nil {
		return nil, err
	}
	c.enqueueFrame(welcome)
	for _, id := range h.peerIDsLocked() {
		other := h.peers[id]
		if f, err := session.EncodePresenceFrame(session.Presence{PeerID: other.id, PeerName: other.name, Joined: true}); err == nil {
			c.enqueueFrame(f)
		}
	}
	for _, id := range h.entityIDsLocked() {
		rec := h.entities[id]
		c.enqueue(rec.spawn)
		for _, t := range rec.targets {
			if t != nil {
				c.enqueue(t)
			}
		}
	}
	if f, err := session.EncodePresenceFrame(session.Presence{PeerID: c.id, PeerName: c.name, Joined: true}); err == nil {
		h.broadcastLocked(stamp(f, 0), 0)
	}
	h.peers[c.id] = c
	observability.SetHubPeers(len(h.peers))
	c.log.Info().Str("session", c.session).Msg("hub.register")
	return c, nil
}

// allocPeerLocked hands out ids in [1, pose.MaxPeerID], moving past ids
// still in use so entity ids built from them stay unique.
func (h *Hub) allocPeerLocked() (uint32, error) {
	for range pose.MaxPeerID {
		h.nextPeer = h.nextPeer%pose.MaxPeerID + 1
		if _, used := h.peers[h.nextPeer]; !used {
			return h.nextPeer, nil
		}
	}
	return 0, ErrHubFull
}

func (h *Hub) unregister(c *peerConn) {
	c.close()
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[c.id]; !ok {
		return
	}
	delete(h.peers, c.id)
	for _, id := range h.entityIDsLocked() {
		rec := h.entities[id]
		if rec.authority != c.id {
			continue
		}
		delete(h.entities, id)
		f, err := session.EncodeDespawnFrame(pose.EntityID(id))
		if err != nil {
			continue
		}
		h.broadcastLocked(stamp(f, c.id), c.id)
	}
	if f, err := session.EncodePresenceFrame(session.Presence{PeerID: c.id}); err == nil {
		h.broadcastLocked(stamp(f, 0), c.id)
	}
	observability.SetHubPeers(len(h.peers))
	c.log.Info().Msg("hub.unregister")
}

func (h *Hub) readLoop(c *peerConn) {
	c.ws.SetReadLimit(int64(frame.FixedHeaderLen) + int64(h.cfg.Limits.MaxPayloadBytes))
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})
	for {
		mt, b, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("hub.readLoop closed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		if mt != websocket.BinaryMessage {
			continue
		}
		if !c.limiter.Allow() {
			observability.RecordRateLimited("hub")
			h.rateLimited(c, b)
			continue
		}
		f, err := frame.Parse(b, h.cfg.Limits)
		if err != nil {
			c.log.Warn().Err(err).Int("bytes", len(b)).Msg("hub.readLoop malformed frame")
			continue
		}
		if err := h.route(c, f); err != nil {
			c.log.Warn().Err(err).
				Str("message", schema.Name(f.Header.MessageType)).
				Uint32("entity", f.Header.EntityID).
				Msg("hub.route dropped")
		}
	}
}

var (
	errUnknownEntity = errors.New("transport: unknown entity")
	errNotAuthority  = errors.New("transport: sender is not the entity authority")
)

// route stamps the sender and forwards f according to its message type.
func (h *Hub) route(c *peerConn, f frame.Frame) error {
	msg := f.Header.MessageType
	if !schema.Known(msg) {
		return fmt.Errorf("%w: %s", session.ErrUnexpectedMessage, schema.Name(msg))
	}
	f = stamp(f, c.id)
	route := schema.RouteOf(msg)

	h.mu.Lock()
	defer h.mu.Unlock()
	switch route {
	case schema.RouteAuthority:
		rec, ok := h.entities[f.Header.EntityID]
		if !ok {
			return errUnknownEntity
		}
		target, ok := h.peers[rec.authority]
		if !ok {
			return errUnknownEntity
		}
		target.enqueueFrame(f)
	case schema.RouteBroadcast:
		if err := h.track(c, f); err != nil {
			return err
		}
		h.broadcastLocked(f, c.id)
	default:
		return fmt.Errorf("%w: %s is hub-only", session.ErrUnexpectedMessage, schema.Name(msg))
	}
	observability.RecordRelay(schema.Name(msg), routeName(route))
	return nil
}

// track updates the entity table for lifecycle frames and checks that the
// sender is the entity's authority.
func (h *Hub) track(c *peerConn, f frame.Frame) error {
	id := f.Header.EntityID
	rec, exists := h.entities[id]
	if f.Header.MessageType == schema.MsgSpawn {
		sp, err := session.DecodeSpawnFrame(f)
		if err != nil {
			return err
		}
		if exists && rec.authority != c.id {
			return errNotAuthority
		}
		raw, err := frame.Marshal(f, h.cfg.Limits)
		if err != nil {
			return err
		}
		h.entities[id] = &entityRecord{authority: c.id, owner: uint32(sp.Owner), spawn: raw}
		return nil
	}
	if !exists {
		return errUnknownEntity
	}
	if rec.authority != c.id {
		return errNotAuthority
	}
	switch f.Header.MessageType {
	case schema.MsgTargetSpawn:
		ts, err := session.DecodeTargetSpawnFrame(f)
		if err != nil {
			return err
		}
		raw, err := frame.Marshal(f, h.cfg.Limits)
		if err != nil {
			return err
		}
		rec.targets[ts.Kind] = raw
	case schema.MsgDespawn:
		delete(h.entities, id)
	}
	return nil
}

func (h *Hub) broadcastLocked(f frame.Frame, except uint32) {
	raw, err := frame.Marshal(f, h.cfg.Limits)
	if err != nil {
		h.log.Warn().Err(err).Msg("hub.broadcast marshal failed")
		return
	}
	dropped := false
	for _, id := range h.peerIDsLocked() {
		if id == except {
			continue
		}
		if !h.peers[id].enqueue(raw) {
			dropped = true
		}
	}
	if dropped && isSync(f.Header.MessageType) {
		h.resyncLocked(pose.EntityID(f.Header.EntityID))
	}
}

// rateLimited handles an inbound frame the limiter refused. A dropped
// state update leaves every observer stale, so the authority is asked for
// a fresh snapshot.
func (h *Hub) rateLimited(c *peerConn, raw []byte) {
	f, err := frame.Parse(raw, h.cfg.Limits)
	if err != nil || !isSync(f.Header.MessageType) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.entities[f.Header.EntityID]
	if !ok || rec.authority != c.id {
		return
	}
	h.resyncLocked(pose.EntityID(f.Header.EntityID))
}

// resyncLocked asks the entity's authority for a full snapshot.
func (h *Hub) resyncLocked(entity pose.EntityID) {
	rec, ok := h.entities[uint32(entity)]
	if !ok {
		return
	}
	target, ok := h.peers[rec.authority]
	if !ok {
		return
	}
	if target.enqueueFrame(stamp(session.EncodeResyncRequestFrame(entity), 0)) {
		observability.RecordRelay(schema.Name(schema.MsgResyncRequest), "hub")
	}
	h.log.Debug().Uint32("entity", uint32(entity)).Uint32("authority", rec.authority).Msg("hub.resync injected")
}

func isSync(msg uint16) bool {
	return msg == schema.MsgSyncFull || msg == schema.MsgSyncDelta
}

func (h *Hub) peerIDsLocked() []uint32 {
	ids := make([]uint32, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (h *Hub) entityIDsLocked() []uint32 {
	ids := make([]uint32, 0, len(h.entities))
	for id := range h.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Peers lists connected peers by id.
func (h *Hub) Peers() []PeerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	counts := make(map[uint32]int)
	for _, rec := range h.entities {
		counts[rec.authority]++
	}
	out := make([]PeerInfo, 0, len(h.peers))
	for _, id := range h.peerIDsLocked() {
		c := h.peers[id]
		out = append(out, PeerInfo{
			ID:          c.id,
			Name:        c.name,
			Session:     c.session,
			ConnectedAt: c.connectedAt,
			Entities:    counts[c.id],
		})
	}
	return out
}

// Entities lists live entities by id.
func (h *Hub) Entities() []EntityInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]EntityInfo, 0, len(h.entities))
	for _, id := range h.entityIDsLocked() {
		rec := h.entities[id]
		out = append(out, EntityInfo{ID: id, Authority: rec.authority, Owner: rec.owner, Targets: rec.targetCount()})
	}
	return out
}

// Close disconnects every peer and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	peers := make([]*peerConn, 0, len(h.peers))
	for _, c := range h.peers {
		peers = append(peers, c)
	}
	h.mu.Unlock()
	for _, c := range peers {
		c.close()
	}
}

func stamp(f frame.Frame, source uint32) frame.Frame {
	f.Header.Source = source
	f.Header.Flags |= frame.FlagForwarded
	return f
}

func routeName(r schema.Route) string {
	switch r {
	case schema.RouteAuthority:
		return "authority"
	case schema.RouteBroadcast:
		return "broadcast"
	default:
		return "hub"
	}
}
