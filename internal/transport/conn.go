package transport

import (
	"sync"
	"time"

	"github.com/danmuck/ikrelay/internal/protocol/frame"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// peerConn is the hub side of one peer. Only writePump writes to ws.
type peerConn struct {
	hub         *Hub
	ws          *websocket.Conn
	id          uint32
	name        string
	session     string
	connectedAt time.Time
	limiter     *rate.Limiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

func newPeerConn(h *Hub, ws *websocket.Conn, id uint32, name, sessionID string) *peerConn {
	return &peerConn{
		hub:         h,
		ws:          ws,
		id:          id,
		name:        name,
		session:     sessionID,
		connectedAt: time.Now(),
		limiter:     rate.NewLimiter(rate.Limit(h.cfg.FrameRate), h.cfg.FrameBurst),
		send:        make(chan []byte, h.cfg.SendQueue),
		done:        make(chan struct{}),
		log:         h.log.With().Uint32("peer", id).Str("name", name).Logger(),
	}
}

func (c *peerConn) enqueueFrame(f frame.Frame) bool {
	raw, err := frame.Marshal(f, c.hub.cfg.Limits)
	if err != nil {
		c.log.Warn().Err(err).Msg("hub.enqueue marshal failed")
		return false
	}
	return c.enqueue(raw)
}

// enqueue never blocks the relay. It reports false when the frame was
// dropped; the hub then asks for a resync on the peer's behalf.
func (c *peerConn) enqueue(raw []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- raw:
		return true
	default:
		c.log.Warn().Err(ErrSendQueueFull).Msg("hub.enqueue dropped")
		return false
	}
}

func (c *peerConn) writePump() {
	ping := time.NewTicker(c.hub.cfg.PingInterval)
	defer ping.Stop()
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, raw); err != nil {
				c.log.Debug().Err(err).Msg("hub.writePump write failed")
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *peerConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
