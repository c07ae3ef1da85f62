// Package memory implements the bounded per-voice memory store, the
// reflection cycle, and similarity retrieval.
package memory

import (
	"sort"
	"sync"

	"github.com/quietpage/margins/internal/types"
)

// retentionCaps bound how many records of each type a voice keeps.
var retentionCaps = map[types.MemoryType]int{
	types.MemoryObservation: 20,
	types.MemoryInteraction: 15,
	types.MemoryReflection:  20,
	types.MemoryPattern:     10,
	types.MemorySomatic:     30,
}

// CapFor returns the retention cap for a memory type.
func CapFor(t types.MemoryType) int {
	if limit, ok := retentionCaps[t]; ok {
		return limit
	}
	return 0
}

// Store is an append-only in-memory store with per-voice, per-type retention.
// After any write the store never exceeds a type's cap; the oldest records by
// timestamp are evicted first.
type Store struct {
	mu      sync.Mutex
	byVoice map[string][]types.Memory
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{byVoice: make(map[string][]types.Memory)}
}

// Load seeds the store from persisted records, applying retention.
func (s *Store) Load(mems []types.Memory) {
	for _, mem := range mems {
		s.Append(mem)
	}
}

// Append stores one memory and returns any records evicted to stay within
// the type's cap, oldest first.
func (s *Store) Append(mem types.Memory) []types.Memory {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := append(s.byVoice[mem.VoiceID], mem)

	limit := CapFor(mem.Type)
	if limit <= 0 {
		s.byVoice[mem.VoiceID] = records
		return nil
	}

	count := 0
	for _, m := range records {
		if m.Type == mem.Type {
			count++
		}
	}
	if count <= limit {
		s.byVoice[mem.VoiceID] = records
		return nil
	}

	// evict the oldest records of this type until back at the cap
	sameType := make([]types.Memory, 0, count)
	for _, m := range records {
		if m.Type == mem.Type {
			sameType = append(sameType, m)
		}
	}
	sort.Slice(sameType, func(i, j int) bool {
		return sameType[i].Timestamp.Before(sameType[j].Timestamp)
	})
	evicted := sameType[:count-limit]

	evictedIDs := make(map[string]bool, len(evicted))
	for _, m := range evicted {
		evictedIDs[m.ID] = true
	}
	kept := records[:0]
	for _, m := range records {
		if !evictedIDs[m.ID] {
			kept = append(kept, m)
		}
	}
	s.byVoice[mem.VoiceID] = kept
	return evicted
}

// ByVoice returns a copy of all records for a voice.
func (s *Store) ByVoice(voiceID string) []types.Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.byVoice[voiceID]
	out := make([]types.Memory, len(records))
	copy(out, records)
	return out
}

// ByType returns a copy of a voice's records of one type.
func (s *Store) ByType(voiceID string, t types.MemoryType) []types.Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Memory
	for _, m := range s.byVoice[voiceID] {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}
