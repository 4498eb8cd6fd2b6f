package pose

import (
	"errors"
	"fmt"
)

// Entity ids are scoped by peer: the high 16 bits carry the id of the peer
// that allocated it, the low 16 bits a per-peer sequence. Sequences below
// TargetSeqBase name tracked entities, the rest name tracking targets.
const (
	MaxPeerID     = 0xffff
	TargetSeqBase = 0x8000
)

var ErrIDSpaceExhausted = errors.New("pose: entity id space exhausted")

// PeerEntityID returns the tracked entity id seq of peer. seq runs from 1
// to TargetSeqBase-1.
func PeerEntityID(peer, seq uint32) (EntityID, error) {
	if peer == 0 || peer > MaxPeerID {
		return 0, fmt.Errorf("%w: peer id %d out of range", ErrIDSpaceExhausted, peer)
	}
	if seq == 0 || seq >= TargetSeqBase {
		return 0, fmt.Errorf("%w: peer %d entity sequence %d", ErrIDSpaceExhausted, peer, seq)
	}
	return EntityID(peer<<16 | seq), nil
}

// TargetBase is the id just below the first tracking target of peer.
func TargetBase(peer uint32) EntityID {
	return EntityID(peer<<16 | TargetSeqBase)
}

// SameBlock reports whether a and b share their high 16 bits.
func SameBlock(a, b EntityID) bool {
	return a>>16 == b>>16
}
