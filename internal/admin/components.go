package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/ikrelay/internal/ikplayer"
	"github.com/danmuck/ikrelay/internal/transport"
)

const callTimeout = 2 * time.Second

// HubComponent reports relay peers and entities.
type HubComponent struct {
	Hub *transport.Hub
}

func (hc HubComponent) Name() string { return "hub" }

type hubStatus struct {
	Peers    []transport.PeerInfo   `json:"peers"`
	Entities []transport.EntityInfo `json:"entities"`
}

func (hc HubComponent) Status() (any, error) {
	return hubStatus{Peers: hc.Hub.Peers(), Entities: hc.Hub.Entities()}, nil
}

func (hc HubComponent) Actions() map[string]Action {
	return map[string]Action{
		"summary": func() (string, error) {
			return fmt.Sprintf("peers=%d entities=%d", len(hc.Hub.Peers()), len(hc.Hub.Entities())), nil
		},
	}
}

// SessionComponent reports the entities replicated by one peer session.
// Every call runs on the session goroutine.
type SessionComponent struct {
	Session *ikplayer.Session
}

func (sc SessionComponent) Name() string { return "session" }

type sessionStatus struct {
	PeerID   uint32                `json:"peer_id"`
	Host     bool                  `json:"host"`
	Tick     uint64                `json:"tick"`
	Entities []ikplayer.EntityInfo `json:"entities"`
}

func (sc SessionComponent) do(fn func(*ikplayer.Session)) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return sc.Session.Do(ctx, fn)
}

func (sc SessionComponent) Status() (any, error) {
	var st sessionStatus
	err := sc.do(func(s *ikplayer.Session) {
		st = sessionStatus{
			PeerID:   s.PeerID(),
			Host:     s.Host(),
			Tick:     s.TickCount(),
			Entities: s.Entities(),
		}
	})
	return st, err
}

func (sc SessionComponent) Actions() map[string]Action {
	return map[string]Action{
		"resync": func() (string, error) {
			var n int
			err := sc.do(func(s *ikplayer.Session) { n = s.ForceFull() })
			return fmt.Sprintf("full snapshots scheduled for %d entities", n), err
		},
		"disable": func() (string, error) {
			var (
				n    int
				errs []error
			)
			err := sc.do(func(s *ikplayer.Session) {
				for _, p := range s.Players() {
					if !p.Controlled() {
						continue
					}
					ctl, err := p.Controller()
					if err == nil {
						err = ctl.Disable()
					}
					if err != nil {
						errs = append(errs, fmt.Errorf("entity %d: %w", p.ID(), err))
						continue
					}
					n++
				}
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("disabled %d entities", n), errors.Join(errs...)
		},
	}
}
