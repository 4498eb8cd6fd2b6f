package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/ikrelay/internal/logging"
	"github.com/danmuck/ikrelay/internal/protocol/frame"
	"github.com/danmuck/ikrelay/internal/protocol/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Link is a peer's connection to the hub.
type Link struct {
	ws      *websocket.Conn
	cfg     session.Config
	limits  frame.Limits
	welcome session.Welcome

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

// Dial connects to the hub at url and completes the hello handshake.
func Dial(ctx context.Context, url string, hello session.Hello, cfg session.Config) (*Link, error) {
	cfg = cfg.WithDefaults()
	tlsCfg, err := cfg.Security.ClientTLS()
	if err != nil {
		return nil, fmt.Errorf("transport: tls: %w", err)
	}
	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, TLSClientConfig: tlsCfg}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	l := &Link{
		ws:     ws,
		cfg:    cfg,
		limits: frame.DefaultLimits(),
		send:   make(chan []byte, 512),
		done:   make(chan struct{}),
		log:    logging.For("link").With().Str("url", url).Logger(),
	}
	if err := l.handshake(hello); err != nil {
		_ = ws.Close()
		return nil, err
	}
	l.log = l.log.With().Uint32("peer", l.welcome.PeerID).Logger()
	l.log.Info().Str("session", l.welcome.SessionID).Msg("link.Dial connected")
	return l, nil
}

func (l *Link) handshake(hello session.Hello) error {
	f, err := session.EncodeHelloFrame(hello)
	if err != nil {
		return err
	}
	raw, err := frame.Marshal(f, l.limits)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(l.cfg.HandshakeTimeout)
	_ = l.ws.SetWriteDeadline(deadline)
	if err := l.ws.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	_ = l.ws.SetReadDeadline(deadline)
	_, b, err := l.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	wf, err := frame.Parse(b, l.limits)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	w, err := session.DecodeWelcomeFrame(wf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	l.welcome = w
	return nil
}

// Welcome returns the identity the hub assigned.
func (l *Link) Welcome() session.Welcome { return l.welcome }

// Send queues f for the hub without blocking.
func (l *Link) Send(f frame.Frame) error {
	raw, err := frame.Marshal(f, l.limits)
	if err != nil {
		return err
	}
	select {
	case <-l.done:
		return ErrClosed
	case l.send <- raw:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Run pumps frames both ways until ctx ends or the connection drops.
// Every inbound frame goes to deliver, in order.
func (l *Link) Run(ctx context.Context, deliver func(context.Context, frame.Frame) error) error {
	go l.writePump()
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-l.done:
		}
	}()
	_ = l.ws.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
	l.ws.SetPongHandler(func(string) error {
		return l.ws.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
	})
	l.ws.SetPingHandler(func(data string) error {
		_ = l.ws.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		return l.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(l.cfg.WriteTimeout))
	})
	defer l.Close()
	for {
		mt, b, err := l.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		_ = l.ws.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := frame.Parse(b, l.limits)
		if err != nil {
			l.log.Warn().Err(err).Msg("link.Run malformed frame")
			continue
		}
		if err := deliver(ctx, f); err != nil {
			return err
		}
	}
}

func (l *Link) writePump() {
	for {
		select {
		case <-l.done:
			return
		case raw := <-l.send:
			_ = l.ws.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
			if err := l.ws.WriteMessage(websocket.BinaryMessage, raw); err != nil {
				l.log.Debug().Err(err).Msg("link.writePump write failed")
				l.Close()
				return
			}
		}
	}
}

// Close sends a close frame and releases the connection.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = l.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(l.cfg.WriteTimeout))
		err = l.ws.Close()
	})
	return err
}

// DialRetry dials until it succeeds or ctx ends, sleeping per backoff
// between attempts. A nil backoff starts a fresh one from cfg.Backoff; a
// shared one is reset once a dial succeeds, so the next outage starts
// again from the initial delay.
func DialRetry(ctx context.Context, url string, hello session.Hello, cfg session.Config, backoff *session.Backoff) (*Link, error) {
	cfg = cfg.WithDefaults()
	if _, err := cfg.Security.ClientTLS(); err != nil {
		return nil, fmt.Errorf("transport: tls: %w", err)
	}
	log := logging.For("link")
	if backoff == nil {
		backoff = session.NewBackoff(cfg.Backoff, time.Now().UnixNano())
	}
	for {
		l, err := Dial(ctx, url, hello, cfg)
		if err == nil {
			backoff.Reset()
			return l, nil
		}
		delay := backoff.Next()
		log.Warn().Err(err).Int("attempt", backoff.Attempt()).Dur("retry_in", delay).Msg("link.DialRetry failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}
