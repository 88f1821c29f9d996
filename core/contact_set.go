package core

import (
	"slices"
	"sync"

	"github.com/signalsfoundry/contact-trace/model"
)

const contactSetShards = 32

// ContactSet is a deduplicating set of contacts safe for concurrent use.
// Insert is an atomic insert-if-absent: concurrent inserts of the same
// contact leave exactly one entry and never lose a distinct one.
//
// Enumeration order is unspecified; use Sorted for a deterministic view.
type ContactSet struct {
	shards [contactSetShards]contactShard
}

type contactShard struct {
	mu sync.Mutex
	m  map[model.Contact]struct{}
}

// NewContactSet returns an empty set.
func NewContactSet() *ContactSet {
	s := &ContactSet{}
	for i := range s.shards {
		s.shards[i].m = make(map[model.Contact]struct{})
	}
	return s
}

// Insert adds c and reports whether it was not already present.
func (s *ContactSet) Insert(c model.Contact) bool {
	sh := s.shard(c)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[c]; ok {
		return false
	}
	sh.m[c] = struct{}{}
	return true
}

// Contains reports whether c is in the set.
func (s *ContactSet) Contains(c model.Contact) bool {
	sh := s.shard(c)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.m[c]
	return ok
}

// Len returns the number of distinct contacts.
func (s *ContactSet) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

// Contacts returns a snapshot of the set in unspecified order.
func (s *ContactSet) Contacts() []model.Contact {
	out := make([]model.Contact, 0, s.Len())
	s.Range(func(c model.Contact) bool {
		out = append(out, c)
		return true
	})
	return out
}

// Sorted returns a snapshot ordered by model.Contact.Compare.
func (s *ContactSet) Sorted() []model.Contact {
	out := s.Contacts()
	slices.SortFunc(out, model.Contact.Compare)
	return out
}

// Range calls fn for each contact until fn returns false. Each shard is
// copied before iteration, so fn may call back into the set.
func (s *ContactSet) Range(fn func(model.Contact) bool) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		batch := make([]model.Contact, 0, len(sh.m))
		for c := range sh.m {
			batch = append(batch, c)
		}
		sh.mu.Unlock()

		for _, c := range batch {
			if !fn(c) {
				return
			}
		}
	}
}

func (s *ContactSet) shard(c model.Contact) *contactShard {
	h := uint64(uint32(c.VehicleA))*0x9E3779B97F4A7C15 ^
		uint64(uint32(c.VehicleB))*0xC2B2AE3D27D4EB4F ^
		uint64(c.Start)*0x165667B19E3779F9 ^
		uint64(c.Stop)
	h ^= h >> 29
	return &s.shards[h%contactSetShards]
}
