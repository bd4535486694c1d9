// Package actionstore implements a durable, memory-mirrored set of
// (key, item) pairs where each inserted item is assigned a fresh id at
// insertion time. Writes go to the backing store first and are mirrored
// into memory only after the commit succeeds, so memory never claims an
// item the disk could lose.
package actionstore

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ethereum-mive/tailchain/kv"
)

// Value is an opaque per-action payload.
type Value = []byte

// ItemAndID pairs a stored value with the id it was assigned at
// insertion.
type ItemAndID struct {
	ID    uuid.UUID
	Value Value
}

// Store is the durable action set.
type Store struct {
	db kv.Store

	mu    sync.RWMutex
	items map[string]map[uuid.UUID]Value // key -> id -> value
}

// New returns a Store backed by db. Call Start to hydrate it.
func New(db kv.Store) *Store {
	return &Store{db: db, items: make(map[string]map[uuid.UUID]Value)}
}

func durableKey(key string, id uuid.UUID) []byte {
	return []byte(key + ":" + id.String())
}

// Start hydrates memory from the prefixed sub-space.
func (s *Store) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]map[uuid.UUID]Value)
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key, id, ok := parseDurableKey(iter.Key())
		if !ok {
			continue
		}
		value := append([]byte{}, iter.Value()...)
		set, ok := s.items[key]
		if !ok {
			set = make(map[uuid.UUID]Value)
			s.items[key] = set
		}
		set[id] = value
	}
	return iter.Error()
}

func parseDurableKey(raw []byte) (key string, id uuid.UUID, ok bool) {
	s := string(raw)
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "", uuid.UUID{}, false
	}
	parsed, err := uuid.Parse(s[i+1:])
	if err != nil {
		return "", uuid.UUID{}, false
	}
	return s[:i], parsed, true
}

// Stop is a no-op: there is no in-flight batch state to release between
// calls (each StoreItems/RemoveItem call is its own short-lived batch).
func (s *Store) Stop() {}

// StoreItems assigns a fresh id to each item, writes all of them in one
// atomic batch, and mirrors into memory only after the commit succeeds.
func (s *Store) StoreItems(key string, values []Value) ([]ItemAndID, error) {
	wrapped := make([]ItemAndID, len(values))
	for i, v := range values {
		wrapped[i] = ItemAndID{ID: uuid.New(), Value: v}
	}

	batch := s.db.NewBatch()
	for _, w := range wrapped {
		if err := batch.Put(durableKey(key, w.ID), w.Value); err != nil {
			return nil, err
		}
	}
	if err := batch.Write(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	set, ok := s.items[key]
	if !ok {
		set = make(map[uuid.UUID]Value)
		s.items[key] = set
	}
	for _, w := range wrapped {
		set[w.ID] = w.Value
	}
	s.mu.Unlock()

	return wrapped, nil
}

// GetItems returns every item currently stored under key.
func (s *Store) GetItems(key string) []ItemAndID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.items[key]
	out := make([]ItemAndID, 0, len(set))
	for id, v := range set {
		out = append(out, ItemAndID{ID: id, Value: v})
	}
	return out
}

// RemoveItem deletes from the durable store, then from memory.
func (s *Store) RemoveItem(key string, item ItemAndID) error {
	if err := s.db.Delete(durableKey(key, item.ID)); err != nil {
		return err
	}
	s.mu.Lock()
	if set, ok := s.items[key]; ok {
		delete(set, item.ID)
		if len(set) == 0 {
			delete(s.items, key)
		}
	}
	s.mu.Unlock()
	return nil
}
