// Package protocol owns wire contract and parsing primitives.
//
// Ownership boundary:
// - fixed-width little-endian writer/reader for replicated field payloads
// - frame/header primitives (frame)
// - tlv payload primitives (tlv)
// - message schema and validation (schema)
// - session wire helpers (session)
//
// Replicated field payloads are little-endian to stay byte-compatible with
// game-side peers that read the same field stream. Frame headers and tlv fields
// are big-endian.
package protocol
