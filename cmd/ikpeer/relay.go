package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/ikrelay/internal/ikplayer"
	"github.com/danmuck/ikrelay/internal/pose"
	"github.com/danmuck/ikrelay/internal/protocol/frame"
	"github.com/danmuck/ikrelay/internal/protocol/session"
	"github.com/danmuck/ikrelay/internal/transport"
	"github.com/danmuck/ikrelay/internal/world"
	"github.com/rs/zerolog"
)

// relayLink is the session's sender across reconnects. Frames sent while
// no link is up fail with transport.ErrClosed.
type relayLink struct {
	mu   sync.Mutex
	link *transport.Link
}

func (r *relayLink) Send(f frame.Frame) error {
	r.mu.Lock()
	l := r.link
	r.mu.Unlock()
	if l == nil {
		return transport.ErrClosed
	}
	return l.Send(f)
}

func (r *relayLink) set(l *transport.Link) {
	r.mu.Lock()
	r.link = l
	r.mu.Unlock()
}

// reconnector keeps the session attached to the relay. Every connection
// gets a fresh peer id from the relay, so the session is reset and joins
// again under the new id, re-spawning its entities.
type reconnector struct {
	sess *ikplayer.Session
	w    *world.Memory
	out  *relayLink
	dial func(context.Context, *session.Backoff) (*transport.Link, error)
	cfg  session.BackoffConfig
	log  zerolog.Logger
}

func (r *reconnector) run(ctx context.Context) error {
	backoff := session.NewBackoff(r.cfg, time.Now().UnixNano())
	for {
		link, err := r.dial(ctx, backoff)
		if err != nil {
			return err
		}
		welcome := link.Welcome()
		var joinErr error
		err = r.sess.Do(ctx, func(s *ikplayer.Session) {
			s.Reset()
			r.w.Rebase(pose.TargetBase(welcome.PeerID))
			joinErr = s.Join(welcome.PeerID)
		})
		if err == nil {
			err = joinErr
		}
		if err != nil {
			link.Close()
			return err
		}
		r.out.set(link)
		r.log.Info().
			Uint32("peer", welcome.PeerID).
			Str("session", welcome.SessionID).
			Msg("ikpeer.reconnector joined")

		err = link.Run(ctx, r.sess.Deliver)
		r.out.set(nil)
		link.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ikplayer.ErrSessionClosed) {
			return err
		}
		r.log.Warn().Err(err).Uint32("peer", welcome.PeerID).Msg("ikpeer.reconnector link lost")
	}
}
