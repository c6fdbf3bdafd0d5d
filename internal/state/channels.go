package state

import (
	"sync"

	"github.com/fisaks/relexbox/internal/protocol"
)

// ChannelStore is the local shadow of one box's relays and inputs.
// Each live vector has a snapshot that moves in lockstep with it and is
// only used to decide which indices changed.
type ChannelStore struct {
	mu       sync.RWMutex
	live     [2]protocol.ChannelVector
	snapshot [2]protocol.ChannelVector
}

// NewChannelStore starts with everything off until the box reports.
func NewChannelStore() *ChannelStore {
	return &ChannelStore{}
}

func (s *ChannelStore) Get(kind protocol.Kind) protocol.ChannelVector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live[slot(kind)]
}

// ApplyBits stores bits and returns the indices that changed, in ascending
// order. An empty result means no notification must be sent.
func (s *ChannelStore) ApplyBits(kind protocol.Kind, bits protocol.ChannelVector) []int {
	var all [protocol.Channels]bool
	for i := range all {
		all[i] = true
	}
	return s.apply(kind, bits, all)
}

// ApplyFrame is ApplyBits restricted to the frame's valid indices.
func (s *ChannelStore) ApplyFrame(f protocol.Frame) []int {
	return s.apply(f.Kind, f.Bits, f.Valid)
}

func (s *ChannelStore) apply(kind protocol.Kind, bits protocol.ChannelVector, mask [protocol.Channels]bool) []int {
	k := slot(kind)

	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []int
	for i := 0; i < protocol.Channels; i++ {
		if !mask[i] || bits[i] == s.snapshot[k][i] {
			continue
		}
		s.snapshot[k][i] = bits[i]
		s.live[k][i] = bits[i]
		changed = append(changed, i)
	}
	return changed
}

func slot(kind protocol.Kind) int {
	if kind == protocol.Inputs {
		return 1
	}
	return 0
}
