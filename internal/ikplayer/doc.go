// Package ikplayer drives tracked avatars for one peer session.
//
// Ownership boundary:
// - per-entity Player: calibration state machine, avatar lifecycle,
//   finger curl pipeline and scale upstream
// - Session: the per-peer context that owns players, the scheduler and
//   the outbound link, and routes inbound frames
// - Controller: local (authority) and remote (command sending) control
//
// Everything in a Session runs on its loop goroutine; see Session.Run.
package ikplayer
