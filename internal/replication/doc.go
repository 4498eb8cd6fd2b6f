// Package replication owns the replicated pose fields of one tracked entity.
//
// Ownership boundary:
// - field table and wire layouts (canonical and legacy)
// - dirty-bit delta and full-snapshot codec
// - change hooks with per-field reentrancy suppression
//
// A Channel is not safe for concurrent use. Each entity's channel is driven
// from its session's single loop.
package replication
