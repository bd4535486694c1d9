// Package blockitem implements keyed per-block item storage over a
// (height, hash, item key) composite key, with a strict write
// discipline: every write must happen inside a batch, and at most one
// batch may be open at a time. The in-memory index mirrors the durable
// store; a failed batch leaves memory untrusted, and the recovery path
// is a process restart, which rebuilds memory from durable truth.
package blockitem

import (
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-mive/tailchain/errs"
	"github.com/ethereum-mive/tailchain/internal/lock"
	"github.com/ethereum-mive/tailchain/kv"
)

// Reserved item keys used by the block cache and the machine.
const (
	ItemKeyBlock    = "block"
	ItemKeyAttached = "attached"

	// StateItemKeySuffix marks an item key as component state, e.g.
	// "<component-name>:state"; used by HasAnyAnchorState to detect
	// whether any component has ever recorded state.
	StateItemKeySuffix = ":state"
)

// Value is an opaque per-item payload. Callers serialize/deserialize it
// themselves; the store only moves bytes.
type Value = []byte

type itemRecord struct {
	height   uint64
	hash     string
	itemKey  string
	value    Value
}

// Store is the keyed per-block item store.
type Store struct {
	db kv.Store

	mu         sync.RWMutex
	items      map[string]itemRecord          // "<height>:<hash>:<itemKey>" -> record
	byHeight   map[uint64]map[string]struct{} // height -> set of item composite keys
	byHashKey  map[string]string              // "<hash>:<itemKey>" -> composite key, for hash-only lookups

	hasAnyAnchorState bool

	batchMu    lock.FailFast
	curBatch   kv.Batch
	batchOpen  bool
	batchGuard sync.Mutex // guards curBatch/batchOpen
}

// New returns a Store backed by db. Call Start to hydrate it.
func New(db kv.Store) *Store {
	return &Store{
		db:        db,
		items:     make(map[string]itemRecord),
		byHeight:  make(map[uint64]map[string]struct{}),
		byHashKey: make(map[string]string),
		batchMu:   *lock.NewFailFast(),
	}
}

// compositeKey and durableKey both use the "<height>:<hash>:<itemKey>"
// layout, with height as decimal text so the key stays a simple
// colon-delimited string end to end.
func compositeKey(height uint64, hash, itemKey string) string {
	return strconv.FormatUint(height, 10) + ":" + hash + ":" + itemKey
}

func durableKey(height uint64, hash, itemKey string) []byte {
	return []byte(compositeKey(height, hash, itemKey))
}

// Start loads every item from the backing sub-space into the memory
// index. It is idempotent across process restarts: it always rebuilds
// memory from durable truth.
func (s *Store) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]itemRecord)
	s.byHeight = make(map[uint64]map[string]struct{})
	s.byHashKey = make(map[string]string)
	s.hasAnyAnchorState = false

	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		height, hash, itemKey, ok := parseDurableKey(iter.Key())
		if !ok {
			log.Warn("blockitem: skipping malformed durable key", "key", string(iter.Key()))
			continue
		}
		value := append([]byte{}, iter.Value()...)
		s.index(height, hash, itemKey, value)
	}
	return iter.Error()
}

func parseDurableKey(key []byte) (height uint64, hash, itemKey string, ok bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return 0, "", "", false
	}
	h, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, "", "", false
	}
	return h, parts[1], parts[2], true
}

func (s *Store) index(height uint64, hash, itemKey string, value Value) {
	ck := compositeKey(height, hash, itemKey)
	s.items[ck] = itemRecord{height: height, hash: hash, itemKey: itemKey, value: value}
	set, ok := s.byHeight[height]
	if !ok {
		set = make(map[string]struct{})
		s.byHeight[height] = set
	}
	set[ck] = struct{}{}
	s.byHashKey[hash+":"+itemKey] = ck
	if strings.HasSuffix(itemKey, StateItemKeySuffix) {
		s.hasAnyAnchorState = true
	}
}

func (s *Store) unindex(height uint64, ck string) {
	if rec, ok := s.items[ck]; ok {
		delete(s.byHashKey, rec.hash+":"+rec.itemKey)
	}
	delete(s.items, ck)
	if set, ok := s.byHeight[height]; ok {
		delete(set, ck)
		if len(set) == 0 {
			delete(s.byHeight, height)
		}
	}
}

// Stop releases in-flight batch resources; durable state is untouched.
func (s *Store) Stop() {
	s.batchGuard.Lock()
	defer s.batchGuard.Unlock()
	if s.batchOpen {
		s.curBatch.Reset()
		s.curBatch = nil
		s.batchOpen = false
		s.batchMu.Release()
	}
}

// HasAnyAnchorState reports whether any item key ending in ":state" has
// ever been recorded, used by the machine to detect the first block it
// has ever processed.
func (s *Store) HasAnyAnchorState() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasAnyAnchorState
}

// Batch is the handle passed to WithBatch's callback.
type Batch struct {
	store *Store
	kv    kv.Batch
}

// PutBlockItem stages a write in both the memory index and the pending
// batch. It fails with an ApplicationError if called outside WithBatch.
func (b *Batch) PutBlockItem(height uint64, hash, itemKey string, value Value) error {
	if b == nil || b.kv == nil {
		return errs.Application("PutBlockItem called with no open batch")
	}
	if err := b.kv.Put(durableKey(height, hash, itemKey), value); err != nil {
		return err
	}
	b.store.mu.Lock()
	b.store.index(height, hash, itemKey, append([]byte{}, value...))
	b.store.mu.Unlock()
	return nil
}

// DeleteItemsAtHeight removes every item (memory + pending batch) whose
// height matches. Must be called inside WithBatch.
func (b *Batch) DeleteItemsAtHeight(height uint64) error {
	if b == nil || b.kv == nil {
		return errs.Application("DeleteItemsAtHeight called with no open batch")
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	set, ok := b.store.byHeight[height]
	if !ok {
		return nil
	}
	cks := make([]string, 0, len(set))
	for ck := range set {
		cks = append(cks, ck)
	}
	for _, ck := range cks {
		rec := b.store.items[ck]
		if err := b.kv.Delete(durableKey(rec.height, rec.hash, rec.itemKey)); err != nil {
			return err
		}
	}
	for _, ck := range cks {
		b.store.unindex(height, ck)
	}
	return nil
}

// DeleteItemsForBlock removes every item recorded for (height, hash):
// the block record, its attached flag, and any component state keyed to
// it. Unlike DeleteItemsAtHeight, it leaves other blocks at the same
// height intact; the block cache's pruning uses it to drop individual
// non-ancestor blocks at heights where an ancestor survives. Must be
// called inside WithBatch.
func (b *Batch) DeleteItemsForBlock(height uint64, hash string) error {
	if b == nil || b.kv == nil {
		return errs.Application("DeleteItemsForBlock called with no open batch")
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	var cks []string
	for ck := range b.store.byHeight[height] {
		if rec := b.store.items[ck]; rec.hash == hash {
			cks = append(cks, ck)
		}
	}
	for _, ck := range cks {
		rec := b.store.items[ck]
		if err := b.kv.Delete(durableKey(rec.height, rec.hash, rec.itemKey)); err != nil {
			return err
		}
	}
	for _, ck := range cks {
		b.store.unindex(height, ck)
	}
	return nil
}

// DeleteItem removes a single (height, hash, item_key) record from
// memory and the pending batch. Must be called inside WithBatch.
func (b *Batch) DeleteItem(height uint64, hash, itemKey string) error {
	if b == nil || b.kv == nil {
		return errs.Application("delete_item called with no open batch")
	}
	if err := b.kv.Delete(durableKey(height, hash, itemKey)); err != nil {
		return err
	}
	b.store.mu.Lock()
	b.store.unindex(height, compositeKey(height, hash, itemKey))
	b.store.mu.Unlock()
	return nil
}

// WithBatch acquires the exclusive batch lock, instantiates a pending
// batch, invokes fn, and on success writes the batch atomically; on any
// error the batch is discarded. Memory mutations already applied by
// PutBlockItem/DeleteItemsAtHeight are not rolled back in-process;
// recovery is a process restart, since only then is memory guaranteed
// to reflect durable truth again.
//
// Re-entry while a batch is already open fails fast with an
// ApplicationError; it does not wait.
func WithBatch[T any](s *Store, fn func(*Batch) (T, error)) (T, error) {
	var zero T
	if !s.batchMu.TryAcquire() {
		return zero, errs.Application("a batch is already open")
	}
	defer s.batchMu.Release()

	s.batchGuard.Lock()
	s.curBatch = s.db.NewBatch()
	s.batchOpen = true
	b := &Batch{store: s, kv: s.curBatch}
	s.batchGuard.Unlock()

	result, err := fn(b)

	s.batchGuard.Lock()
	s.batchOpen = false
	batch := s.curBatch
	s.curBatch = nil
	s.batchGuard.Unlock()

	if err != nil {
		return zero, err
	}
	if err := batch.Write(); err != nil {
		return zero, err
	}
	return result, nil
}

// GetItem is a memory read.
func (s *Store) GetItem(hash, itemKey string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ck, ok := s.byHashKey[hash+":"+itemKey]
	if !ok {
		return nil, false
	}
	return s.items[ck].value, true
}

// GetItemAtHeight is GetItem plus a height: it looks the record up by
// its full (height, hash, item key) composite key.
func (s *Store) GetItemAtHeight(height uint64, hash, itemKey string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[compositeKey(height, hash, itemKey)]
	if !ok {
		return nil, false
	}
	return rec.value, true
}

// Heights returns every height that currently has at least one item,
// used by pruning to sweep durable records below the depth bound,
// including those left behind by a previous run of the process.
func (s *Store) Heights() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, 0, len(s.byHeight))
	for h := range s.byHeight {
		out = append(out, h)
	}
	return out
}

// BlockAndAttached pairs a raw block record with its attached flag,
// reported by hash alone (the caller already knows the height it asked
// for).
type BlockAndAttached struct {
	Hash     string
	Block    Value
	Attached bool
}

// GetBlocksAtHeight iterates the set of item keys recorded for that
// height and returns, for every item key of the form hash:"block", the
// pair {block, attached}.
func (s *Store) GetBlocksAtHeight(height uint64) []BlockAndAttached {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []BlockAndAttached
	for ck := range s.byHeight[height] {
		rec := s.items[ck]
		if rec.itemKey != ItemKeyBlock {
			continue
		}
		attached := false
		if av, ok := s.items[compositeKey(height, rec.hash, ItemKeyAttached)]; ok {
			attached = len(av.value) == 1 && av.value[0] == 1
		}
		out = append(out, BlockAndAttached{Hash: rec.hash, Block: rec.value, Attached: attached})
	}
	return out
}
