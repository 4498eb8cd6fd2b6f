package ikplayer

import (
	"sort"
	"testing"
	"time"

	"github.com/danmuck/ikrelay/internal/pose"
	"github.com/danmuck/ikrelay/internal/protocol/frame"
	"github.com/danmuck/ikrelay/internal/protocol/schema"
	"github.com/danmuck/ikrelay/internal/protocol/session"
	"github.com/danmuck/ikrelay/internal/world"
)

var t0 = time.Unix(1_700_000_000, 0)

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.SpawnDelay = 0
	return cfg
}

func approx(a, b float32) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-4
}

type capture struct {
	frames []frame.Frame
}

func (c *capture) Send(f frame.Frame) error {
	c.frames = append(c.frames, f)
	return nil
}

func (c *capture) count(msg uint16) int {
	n := 0
	for _, f := range c.frames {
		if f.Header.MessageType == msg {
			n++
		}
	}
	return n
}

func (c *capture) last(msg uint16) (frame.Frame, bool) {
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Header.MessageType == msg {
			return c.frames[i], true
		}
	}
	return frame.Frame{}, false
}

type peer struct {
	id         uint32
	s          *Session
	w          *world.Memory
	controlled []*Player
	ready      []*Player
}

func newPeer(t *testing.T, id uint32, host bool, cfg session.Config, out Sender) *peer {
	t.Helper()
	p := &peer{id: id, w: world.NewMemory(1.7, pose.EntityID(id)*1000)}
	s, err := NewSession(Options{
		Config: cfg,
		World:  p.w,
		Sender: out,
		Host:   host,
		Hooks: Hooks{
			OnControlledSpawn: func(pl *Player) { p.controlled = append(p.controlled, pl) },
			OnAvatarReady:     func(pl *Player) { p.ready = append(p.ready, pl) },
		},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	p.s = s
	return p
}

// soloHost joins a host session as peer 1 and runs its own spawn.
func soloHost(t *testing.T, cfg session.Config) (*peer, *capture, *Player) {
	t.Helper()
	out := &capture{}
	h := newPeer(t, 1, true, cfg, out)
	h.s.Join(1)
	h.s.Tick(t0)
	if len(h.controlled) != 1 {
		t.Fatalf("expected own entity spawned, got %d", len(h.controlled))
	}
	return h, out, h.controlled[0]
}

type envelope struct {
	from uint32
	f    frame.Frame
}

// relay routes frames between in-process sessions the way the hub does.
type relay struct {
	t         *testing.T
	peers     map[uint32]*peer
	authority map[pose.EntityID]uint32
	queue     []envelope
}

func newRelay(t *testing.T) *relay {
	return &relay{t: t, peers: make(map[uint32]*peer), authority: make(map[pose.EntityID]uint32)}
}

func (r *relay) sender(id uint32) Sender {
	return SenderFunc(func(f frame.Frame) error {
		r.queue = append(r.queue, envelope{from: id, f: f})
		return nil
	})
}

func (r *relay) ids() []uint32 {
	out := make([]uint32, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *relay) join(id uint32, host bool, cfg session.Config) *peer {
	p := newPeer(r.t, id, host, cfg, r.sender(id))
	p.s.Join(id)
	for _, other := range r.ids() {
		r.deliver(other, presence(r.t, id, true))
		p.s.HandleFrame(presence(r.t, other, true))
	}
	r.peers[id] = p
	return p
}

func (r *relay) deliver(to uint32, f frame.Frame) {
	if p, ok := r.peers[to]; ok {
		p.s.HandleFrame(f)
	}
}

func presence(t *testing.T, id uint32, joined bool) frame.Frame {
	t.Helper()
	f, err := session.EncodePresenceFrame(session.Presence{PeerID: id, PeerName: "peer", Joined: joined})
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	return f
}

func (r *relay) pump() {
	for len(r.queue) > 0 {
		e := r.queue[0]
		r.queue = r.queue[1:]
		f := e.f
		f.Header.Source = e.from
		f.Header.Flags |= frame.FlagForwarded
		raw, err := frame.Marshal(f, frame.DefaultLimits())
		if err != nil {
			r.t.Fatalf("marshal: %v", err)
		}
		if f, err = frame.Parse(raw, frame.DefaultLimits()); err != nil {
			r.t.Fatalf("parse: %v", err)
		}
		entity := pose.EntityID(f.Header.EntityID)
		switch schema.RouteOf(f.Header.MessageType) {
		case schema.RouteAuthority:
			r.deliver(r.authority[entity], f)
		case schema.RouteBroadcast:
			if f.Header.MessageType == schema.MsgSpawn {
				r.authority[entity] = e.from
			}
			for _, id := range r.ids() {
				if id != e.from {
					r.deliver(id, f)
				}
			}
		}
	}
}

func (r *relay) tick(now time.Time) {
	for _, id := range r.ids() {
		r.peers[id].s.Tick(now)
		r.pump()
	}
}
