package kb

import (
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/contact-trace/model"
)

// ErrIndexSealed is returned when inserting into an index that has been
// sealed for reading.
var ErrIndexSealed = errors.New("coordinate index is sealed")

// EventType indicates what kind of change happened in the index.
type EventType int

const (
	// EventRecordInserted fires when a new key enters the index.
	EventRecordInserted EventType = iota
	// EventRecordReplaced fires when an insert overwrote an existing key.
	EventRecordReplaced
)

// Event is emitted to subscribers when a record is stored.
type Event struct {
	Type     EventType
	Record   model.PositionRecord
	Previous model.PositionRecord // set for EventRecordReplaced
}

// CoordinateIndex is an ordered, key-unique collection of position records.
//
// Records are keyed by (timestamp, vehicle). Inserting a key that already
// exists replaces the stored record (last write wins). The ordered view is
// built lazily on first read after an insert and answers range queries by
// binary search, so a forward-window lookup costs O(log N + window size).
//
// The index is safe for concurrent use. Once sealed it rejects inserts and
// reads proceed without contention on the ordered view.
type CoordinateIndex struct {
	mu sync.RWMutex

	records map[model.RecordKey]model.PositionRecord
	ordered []model.RecordKey // nil when stale
	sealed  bool

	subs map[int]func(Event)
	next int
}

// NewCoordinateIndex constructs an empty index.
func NewCoordinateIndex() *CoordinateIndex {
	return &CoordinateIndex{
		records: make(map[model.RecordKey]model.PositionRecord),
		subs:    make(map[int]func(Event)),
	}
}

// Insert stores rec under its key. It reports whether an existing record was
// replaced.
func (ix *CoordinateIndex) Insert(rec model.PositionRecord) (bool, error) {
	key := rec.Key()

	ix.mu.Lock()
	if ix.sealed {
		ix.mu.Unlock()
		return false, ErrIndexSealed
	}
	prev, replaced := ix.records[key]
	ix.records[key] = rec
	if !replaced {
		ix.ordered = nil
	}
	subs := ix.subscribersLocked()
	ix.mu.Unlock()

	event := Event{Type: EventRecordInserted, Record: rec}
	if replaced {
		event.Type = EventRecordReplaced
		event.Previous = prev
	}
	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		sub(event)
	}
	return replaced, nil
}

// Merge inserts every record of other into ix, in other's key order.
func (ix *CoordinateIndex) Merge(other *CoordinateIndex) error {
	for _, rec := range other.All() {
		if _, err := ix.Insert(rec); err != nil {
			return err
		}
	}
	return nil
}

// Seal freezes the index. Further inserts fail with ErrIndexSealed.
func (ix *CoordinateIndex) Seal() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.sealed = true
	ix.ensureOrderedLocked()
}

// Sealed reports whether Seal has been called.
func (ix *CoordinateIndex) Sealed() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.sealed
}

// Len returns the number of distinct keys.
func (ix *CoordinateIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.records)
}

// Get returns the record stored under key.
func (ix *CoordinateIndex) Get(key model.RecordKey) (model.PositionRecord, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	rec, ok := ix.records[key]
	return rec, ok
}

// All returns every record in key order.
func (ix *CoordinateIndex) All() []model.PositionRecord {
	keys := ix.orderedKeys()

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]model.PositionRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, ix.records[k])
	}
	return out
}

// RangeFrom returns the records whose keys lie in (lower, upper], in key
// order.
func (ix *CoordinateIndex) RangeFrom(lower, upper model.RecordKey) []model.PositionRecord {
	if !lower.Less(upper) {
		return nil
	}
	keys := ix.orderedKeys()

	start := sort.Search(len(keys), func(i int) bool {
		return lower.Less(keys[i])
	})
	end := sort.Search(len(keys), func(i int) bool {
		return upper.Less(keys[i])
	})
	if start >= end {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]model.PositionRecord, 0, end-start)
	for _, k := range keys[start:end] {
		out = append(out, ix.records[k])
	}
	return out
}

// ForwardWindow returns every record reported strictly after key and no later
// than window after key's timestamp, across all vehicles.
func (ix *CoordinateIndex) ForwardWindow(key model.RecordKey, window time.Duration) []model.PositionRecord {
	return ix.RangeFrom(key, key.WindowUpperBound(window))
}

// Vehicles returns the number of distinct vehicles in the index.
func (ix *CoordinateIndex) Vehicles() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	seen := make(map[int32]struct{})
	for k := range ix.records {
		seen[k.VehicleID] = struct{}{}
	}
	return len(seen)
}

// Subscribe registers a callback for index events. It returns an unsubscribe
// function.
func (ix *CoordinateIndex) Subscribe(fn func(Event)) (unsubscribe func()) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	id := ix.next
	ix.next++
	ix.subs[id] = fn

	return func() {
		ix.mu.Lock()
		defer ix.mu.Unlock()
		delete(ix.subs, id)
	}
}

func (ix *CoordinateIndex) subscribersLocked() []func(Event) {
	if len(ix.subs) == 0 {
		return nil
	}
	ids := make([]int, 0, len(ix.subs))
	for id := range ix.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		out = append(out, ix.subs[id])
	}
	return out
}

// orderedKeys returns the sorted key slice, rebuilding it if an insert made
// it stale. The returned slice is never mutated afterwards.
func (ix *CoordinateIndex) orderedKeys() []model.RecordKey {
	ix.mu.RLock()
	keys := ix.ordered
	ix.mu.RUnlock()
	if keys != nil || ix.Len() == 0 {
		return keys
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.ensureOrderedLocked()
}

func (ix *CoordinateIndex) ensureOrderedLocked() []model.RecordKey {
	if ix.ordered != nil {
		return ix.ordered
	}
	keys := make([]model.RecordKey, 0, len(ix.records))
	for k := range ix.records {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, model.RecordKey.Compare)
	ix.ordered = keys
	return keys
}
