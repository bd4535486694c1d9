// Package blockcache implements a bounded fork-aware tree of recently
// seen blocks. Every insertion also records the block through
// blockitem.Store under the reserved "block"/"attached" item keys, so a
// block and whatever listeners derive from it commit in one atomic
// batch; the tree itself is rebuilt per process by the block processor
// re-walking the chain from its persisted head, not by reading those
// records back.
package blockcache

import (
	"sync"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/ethereum-mive/tailchain/blockitem"
	"github.com/ethereum-mive/tailchain/chain"
	"github.com/ethereum-mive/tailchain/errs"
)

// AddResult reports what AddBlock did with a block.
type AddResult int

const (
	Added AddResult = iota
	AddedDetached
	NotAddedAlreadyExisted
	NotAddedAlreadyExistedDetached
	NotAddedBlockNumberTooLow
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "added"
	case AddedDetached:
		return "added_detached"
	case NotAddedAlreadyExisted:
		return "not_added_already_existed"
	case NotAddedAlreadyExistedDetached:
		return "not_added_already_existed_detached"
	case NotAddedBlockNumberTooLow:
		return "not_added_block_number_too_low"
	default:
		return "unknown"
	}
}

const decodedCacheLimit = 2048

type node struct {
	block    chain.Block
	attached bool
}

// Cache is the bounded fork-aware block tree.
type Cache struct {
	store    *blockitem.Store
	codec    chain.Codec
	maxDepth uint64

	mu        sync.RWMutex
	nodes     map[chain.Hash]*node
	pending   map[chain.Hash][]chain.Hash // parent hash -> detached children waiting on it
	heights   map[uint64]map[chain.Hash]struct{}
	hasBlocks bool
	maxHeight uint64
	head      chain.Hash
	hasHead   bool

	decoded *lru.Cache[chain.Hash, chain.Block]

	// blockListener, when set, runs synchronously for every attached
	// block inside the same batch that attached it, so derived state
	// written by the machine commits atomically with the block itself.
	// It is invoked after c.mu has been released, so it may call the
	// Cache's read methods; it runs inside the caller's open batch, so
	// anything that opens a batch of its own (SetHead) fails with the
	// item store's re-entry error.
	blockListener func(*blockitem.Batch, chain.Block) error

	feed  event.Feed
	scope event.SubscriptionScope

	sizeGauge metrics.Gauge
}

// SetBlockListener registers the single synchronous listener invoked for
// every attached block, in emission order, before AddBlock returns. Used
// by the machine to compute and persist derived state inside the same
// batch. Only one listener is supported; pass nil to clear it.
func (c *Cache) SetBlockListener(fn func(*blockitem.Batch, chain.Block) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockListener = fn
}

// New returns a Cache that prunes blocks more than maxDepth heights
// below its highest block, except those on the head's ancestry chain,
// which SetHead keeps at any depth. store must already be started.
func New(store *blockitem.Store, codec chain.Codec, maxDepth uint64) *Cache {
	return &Cache{
		store:     store,
		codec:     codec,
		maxDepth:  maxDepth,
		nodes:     make(map[chain.Hash]*node),
		pending:   make(map[chain.Hash][]chain.Hash),
		heights:   make(map[uint64]map[chain.Hash]struct{}),
		decoded:   lru.NewCache[chain.Hash, chain.Block](decodedCacheLimit),
		sizeGauge: metrics.NewRegisteredGauge("tailchain/blockcache/size", nil),
	}
}

func hashHex(h chain.Hash) string { return h.Hex() }

// BlockAndAttached pairs a decoded block with its attached flag.
type BlockAndAttached struct {
	Block    chain.Block
	Attached bool
}

// BlocksAtHeight returns every block recorded at height in the backing
// store together with its attached flag. Unlike the rest of the Cache's
// read surface this also covers records written by a previous run of the
// process (the in-memory tree only holds blocks added since startup);
// those are decoded through the codec and memoized in the decoded-block
// LRU.
func (c *Cache) BlocksAtHeight(height uint64) ([]BlockAndAttached, error) {
	var out []BlockAndAttached
	for _, ba := range c.store.GetBlocksAtHeight(height) {
		hash := chain.HexToHash(ba.Hash)

		c.mu.RLock()
		n, live := c.nodes[hash]
		c.mu.RUnlock()
		if live {
			out = append(out, BlockAndAttached{Block: n.block, Attached: ba.Attached})
			continue
		}
		if block, ok := c.decoded.Get(hash); ok {
			out = append(out, BlockAndAttached{Block: block, Attached: ba.Attached})
			continue
		}
		block, err := c.codec.Decode(ba.Block)
		if err != nil {
			return nil, errs.Application("blockcache: decoding block at height %d hash %s: %v", height, ba.Hash, err)
		}
		c.decoded.Add(hash, block)
		out = append(out, BlockAndAttached{Block: block, Attached: ba.Attached})
	}
	return out, nil
}

func (c *Cache) addToHeightIndexLocked(height uint64, hash chain.Hash) {
	set, ok := c.heights[height]
	if !ok {
		set = make(map[chain.Hash]struct{})
		c.heights[height] = set
	}
	set[hash] = struct{}{}
}

// minHeightLocked computes max(0, maxHeight - maxDepth). It is a
// derived bound, not the lowest height physically present: SetHead's
// pruning keeps the head's ancestry chain even when it falls below this
// threshold.
func (c *Cache) minHeightLocked() uint64 {
	if !c.hasBlocks || c.maxHeight < c.maxDepth {
		return 0
	}
	return c.maxHeight - c.maxDepth
}

func attachedBytes(attached bool) []byte {
	if attached {
		return []byte{1}
	}
	return []byte{0}
}

// AddBlock inserts block into the cache. It must run inside an open
// blockitem batch (typically the same batch the processor opened for
// the block's item writes), so that the block/attached records and any
// cascading re-attachments commit atomically together.
func (c *Cache) AddBlock(b *blockitem.Batch, block chain.Block) (AddResult, error) {
	result, notify, err := c.addBlockLocked(b, block)
	if err != nil {
		return 0, err
	}
	if len(notify) > 0 {
		if err := c.dispatch(b, notify); err != nil {
			return 0, err
		}
	}
	return result, nil
}

// addBlockLocked performs the insertion state transition under c.mu and
// returns the blocks (in emission order) that the caller must dispatch
// once the lock is released.
func (c *Cache) addBlockLocked(b *blockitem.Batch, block chain.Block) (AddResult, []chain.Block, error) {
	stub := block.Stub()

	c.mu.Lock()
	defer c.mu.Unlock()

	minHeight := c.minHeightLocked()
	if c.hasBlocks && stub.Number < minHeight {
		return NotAddedBlockNumberTooLow, nil, nil
	}
	if existing, ok := c.nodes[stub.Hash]; ok {
		if existing.attached {
			return NotAddedAlreadyExisted, nil, nil
		}
		return NotAddedAlreadyExistedDetached, nil, nil
	}

	// A block at or below the minimum height is accepted as a root
	// regardless of its parent (it sits at the depth boundary, so its
	// own ancestry is out of scope). The very first block ever seeds the
	// cache the same way, since the bound isn't meaningful yet.
	attached := !c.hasBlocks || stub.Number <= minHeight
	if parent, ok := c.nodes[stub.ParentHash]; ok && parent.attached {
		attached = true
	}

	encoded, err := c.codec.Encode(block)
	if err != nil {
		return 0, nil, err
	}
	if err := b.PutBlockItem(stub.Number, hashHex(stub.Hash), blockitem.ItemKeyBlock, encoded); err != nil {
		return 0, nil, err
	}
	if err := b.PutBlockItem(stub.Number, hashHex(stub.Hash), blockitem.ItemKeyAttached, attachedBytes(attached)); err != nil {
		return 0, nil, err
	}

	c.nodes[stub.Hash] = &node{block: block, attached: attached}
	c.addToHeightIndexLocked(stub.Number, stub.Hash)
	c.hasBlocks = true
	c.decoded.Add(stub.Hash, block)
	c.sizeGauge.Update(int64(len(c.nodes)))

	if !attached {
		c.pending[stub.ParentHash] = append(c.pending[stub.ParentHash], stub.Hash)
		return AddedDetached, nil, nil
	}

	if stub.Number > c.maxHeight {
		c.maxHeight = stub.Number
	}
	cascaded, err := c.attachPendingChildrenLocked(b, stub.Hash)
	if err != nil {
		return 0, nil, err
	}
	notify := append([]chain.Block{block}, cascaded...)
	return Added, notify, nil
}

// NewBlockEvent is posted for every block as it attaches.
type NewBlockEvent struct {
	Block chain.Block
}

// dispatch runs after c.mu has been released: it broadcasts each block
// on the async feed and, if set, invokes the synchronous batch listener
// in order (parent before child).
func (c *Cache) dispatch(b *blockitem.Batch, blocks []chain.Block) error {
	for _, blk := range blocks {
		c.feed.Send(NewBlockEvent{Block: blk})
		if c.blockListener != nil {
			if err := c.blockListener(b, blk); err != nil {
				return err
			}
		}
	}
	return nil
}

// attachPendingChildrenLocked cascades attachment breadth-first so every
// parent's event fires before its children's. Must be called with c.mu
// held; returns
// the cascaded blocks in emission order for the caller to dispatch after
// unlocking.
func (c *Cache) attachPendingChildrenLocked(b *blockitem.Batch, parent chain.Hash) ([]chain.Block, error) {
	var emitted []chain.Block
	queue := c.pending[parent]
	delete(c.pending, parent)
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		n, ok := c.nodes[h]
		if !ok {
			continue
		}
		n.attached = true
		stub := n.block.Stub()
		if stub.Number > c.maxHeight {
			c.maxHeight = stub.Number
		}
		if err := b.PutBlockItem(stub.Number, hashHex(h), blockitem.ItemKeyAttached, attachedBytes(true)); err != nil {
			return nil, err
		}
		emitted = append(emitted, n.block)
		queue = append(queue, c.pending[h]...)
		delete(c.pending, h)
	}
	return emitted, nil
}

// CanAttachBlock reports whether block would be accepted as a new root
// (its height is at or below the minimum height) or has a known parent.
func (c *Cache) CanAttachBlock(block chain.Block) bool {
	stub := block.Stub()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if stub.Number <= c.minHeightLocked() {
		return true
	}
	_, ok := c.nodes[stub.ParentHash]
	return ok
}

// HasBlock reports whether hash is present. allowDetached controls
// whether a present-but-detached block counts.
func (c *Cache) HasBlock(hash chain.Hash, allowDetached bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[hash]
	if !ok {
		return false
	}
	return allowDetached || n.attached
}

// AttachedHashesAtHeight returns the hashes at height currently marked
// attached in the in-memory tree, a convenience for tests and property
// checks. Unlike BlocksAtHeight it does not include records left in the
// store by a previous run of the process.
func (c *Cache) AttachedHashesAtHeight(height uint64) []chain.Hash {
	return c.hashesAtHeightWhere(height, true)
}

// DetachedHashesAtHeight is AttachedHashesAtHeight's complement.
func (c *Cache) DetachedHashesAtHeight(height uint64) []chain.Hash {
	return c.hashesAtHeightWhere(height, false)
}

func (c *Cache) hashesAtHeightWhere(height uint64, attached bool) []chain.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []chain.Hash
	for hash := range c.heights[height] {
		if n, ok := c.nodes[hash]; ok && n.attached == attached {
			out = append(out, hash)
		}
	}
	return out
}

// GetBlock returns the block for hash. It fails with an ApplicationError
// if hash is absent.
func (c *Cache) GetBlock(hash chain.Hash) (chain.Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[hash]
	if !ok {
		return nil, errs.Application("GetBlock: %x is not in the cache", hash)
	}
	return n.block, nil
}

// AncestryIter walks a block and its ancestors, oldest stopping when the
// chain runs out of the cache.
type AncestryIter struct {
	cache *Cache
	cur   chain.Hash
	done  bool
}

// Ancestry returns an iterator starting at hash itself.
func (c *Cache) Ancestry(hash chain.Hash) *AncestryIter {
	return &AncestryIter{cache: c, cur: hash}
}

// Next returns the next block in the walk, or false once the chain
// leaves the cache.
func (it *AncestryIter) Next() (chain.Block, bool) {
	if it.done {
		return nil, false
	}
	it.cache.mu.RLock()
	n, ok := it.cache.nodes[it.cur]
	it.cache.mu.RUnlock()
	if !ok {
		it.done = true
		return nil, false
	}
	it.cur = n.block.Stub().ParentHash
	return n.block, true
}

// FindAncestor walks hash's ancestry (inclusive) for the first block
// matching pred, stopping early once it walks below minHeight.
func (c *Cache) FindAncestor(hash chain.Hash, minHeight uint64, pred func(chain.Block) bool) (chain.Block, bool) {
	it := c.Ancestry(hash)
	for {
		block, ok := it.Next()
		if !ok {
			return nil, false
		}
		if pred(block) {
			return block, true
		}
		if block.Stub().Number <= minHeight {
			return nil, false
		}
	}
}

// GetOldestAncestorInCache walks hash's ancestry and returns the last
// block still present in the cache. It fails with an ArgumentError if
// hash itself is absent.
func (c *Cache) GetOldestAncestorInCache(hash chain.Hash) (chain.Block, error) {
	var last chain.Block
	found := false
	it := c.Ancestry(hash)
	for {
		block, ok := it.Next()
		if !ok {
			break
		}
		last, found = block, true
	}
	if !found {
		return nil, errs.Argument("GetOldestAncestorInCache: %x is not in the cache", hash)
	}
	return last, nil
}

// SetHead marks hash (which must already be an attached block) as the
// current head and prunes every height below
// max(maxHeight, head number) - maxDepth, except blocks on the head's
// own ancestry chain, which are retained so that Ancestry(head) stays
// traversable across the full depth. The head pointer itself is not
// persisted: on restart the block processor re-derives it from its own
// durable checkpoint, which is what guarantees the last head is
// processed again after a crash.
func (c *Cache) SetHead(hash chain.Hash) error {
	_, err := blockitem.WithBatch(c.store, func(b *blockitem.Batch) (struct{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		n, ok := c.nodes[hash]
		if !ok || !n.attached {
			return struct{}{}, errs.Argument("SetHead: %x is not an attached block in the cache", hash)
		}
		c.head = hash
		c.hasHead = true

		headHeight := n.block.Stub().Number
		threshold := headHeight
		if c.maxHeight > threshold {
			threshold = c.maxHeight
		}
		return struct{}{}, c.pruneLocked(b, threshold)
	})
	return err
}

// ancestryHexesLocked returns the hex-keyed set of hashes on head's
// ancestry chain, as far back as still present in the cache.
func (c *Cache) ancestryHexesLocked() map[string]struct{} {
	keep := make(map[string]struct{})
	if !c.hasHead {
		return keep
	}
	cur := c.head
	for {
		n, ok := c.nodes[cur]
		if !ok {
			break
		}
		keep[hashHex(cur)] = struct{}{}
		cur = n.block.Stub().ParentHash
	}
	return keep
}

// pruneLocked sweeps every durable record below the new minimum height,
// not just blocks the in-memory tree knows about, so leftovers from a
// previous run of the process age out the same way live blocks do. All
// item keys for a pruned block go together, including any component
// state recorded against it.
func (c *Cache) pruneLocked(b *blockitem.Batch, threshold uint64) error {
	if c.maxDepth == 0 || threshold <= c.maxDepth {
		return nil
	}
	newMin := threshold - c.maxDepth
	keep := c.ancestryHexesLocked()

	for _, h := range c.store.Heights() {
		if h >= newMin {
			continue
		}
		anyKept := false
		var removedHexes []string
		for _, ba := range c.store.GetBlocksAtHeight(h) {
			if _, ancestor := keep[ba.Hash]; ancestor {
				anyKept = true
				continue
			}
			removedHexes = append(removedHexes, ba.Hash)
		}
		if !anyKept {
			if err := b.DeleteItemsAtHeight(h); err != nil {
				return err
			}
		} else {
			for _, hex := range removedHexes {
				if err := b.DeleteItemsForBlock(h, hex); err != nil {
					return err
				}
			}
		}
		for _, hex := range removedHexes {
			hash := chain.HexToHash(hex)
			if set, ok := c.heights[h]; ok {
				delete(set, hash)
				if len(set) == 0 {
					delete(c.heights, h)
				}
			}
			delete(c.nodes, hash)
			delete(c.pending, hash)
			c.decoded.Remove(hash)
		}
	}
	c.sizeGauge.Update(int64(len(c.nodes)))
	return nil
}

// MaxHeight returns the highest height present in the cache.
func (c *Cache) MaxHeight() (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxHeight, c.hasBlocks
}

// MinHeight returns max(0, maxHeight - maxDepth).
func (c *Cache) MinHeight() (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.minHeightLocked(), c.hasBlocks
}

// Head returns the current head block, if one has been set.
func (c *Cache) Head() (chain.Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasHead {
		return nil, false
	}
	n, ok := c.nodes[c.head]
	if !ok {
		return nil, false
	}
	return n.block, true
}

// IsEmpty reports whether the cache holds no blocks at all.
func (c *Cache) IsEmpty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes) == 0
}

// SubscribeNewBlock registers ch to receive every block as it attaches
// (including cascaded re-attachments), in parent-before-child order.
func (c *Cache) SubscribeNewBlock(ch chan<- NewBlockEvent) event.Subscription {
	return c.scope.Track(c.feed.Subscribe(ch))
}

// Close unsubscribes every listener registered via SubscribeNewBlock.
func (c *Cache) Close() {
	c.scope.Close()
}
