// Package session owns peer<->relay session helpers.
//
// Ownership boundary:
// - replication tunables and link timeouts (Config)
// - hello/welcome and peer presence wire helpers
// - command, event and sync frame helpers
// - curl outbox and scale debouncer feeding authority commands
// - reconnect backoff
package session
