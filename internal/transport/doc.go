// Package transport carries frames between peers over websockets.
//
// Hub is the relay every peer connects to. It assigns peer ids, stamps the
// sender on every forwarded frame, routes commands to an entity's authority
// and fans sync and lifecycle frames out to everyone else. It keeps no pose
// state: only which peer spawned which entity, plus the spawn and target
// frames a late joiner needs to catch up.
//
// Link is the peer side of one connection.
package transport
