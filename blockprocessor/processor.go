// Package blockprocessor implements the chain follower: it turns
// provider notifications into cache updates, back-fills ancestry across
// gaps larger than the cache depth, and advances a durable head
// checkpoint only after the batch that produced it has committed.
package blockprocessor

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/ethereum-mive/tailchain/blockcache"
	"github.com/ethereum-mive/tailchain/blockitem"
	"github.com/ethereum-mive/tailchain/chain"
	"github.com/ethereum-mive/tailchain/errs"
	"github.com/ethereum-mive/tailchain/internal/lock"
	"github.com/ethereum-mive/tailchain/kv"
)

var (
	slicesMeter     = metrics.NewRegisteredMeter("tailchain/blockprocessor/slices", nil)
	notifyMeter     = metrics.NewRegisteredMeter("tailchain/blockprocessor/notifications", nil)
	fetchErrorMeter = metrics.NewRegisteredMeter("tailchain/blockprocessor/fetch_errors", nil)
	headGauge       = metrics.NewRegisteredGauge("tailchain/blockprocessor/head", nil)
	observedGauge   = metrics.NewRegisteredGauge("tailchain/blockprocessor/observed", nil)
)

const headKey = "head"

// SyncStatus reports liveness relative to the provider's observed chain
// height.
type SyncStatus struct {
	Head               uint64
	Observed           uint64
	BlockSyncThreshold uint64
}

// Synced reports whether the processor is within BlockSyncThreshold
// blocks of the provider's most recently observed height.
func (s SyncStatus) Synced() bool {
	if s.Observed <= s.Head {
		return true
	}
	return s.Observed-s.Head <= s.BlockSyncThreshold
}

// Processor drives the block cache from provider notifications and
// checkpoints the last fully processed head.
type Processor struct {
	provider           chain.Provider
	cache              *blockcache.Cache
	store              *blockitem.Store
	headStore          kv.Store
	maxDepth           uint64
	blockSyncThreshold uint64

	procLock lock.Serial

	observed atomic.Uint64

	// newHeadListener runs synchronously inside the batch opened for a
	// new head, before the head checkpoint is persisted. The machine is
	// not registered here (it listens on the cache's block listener),
	// but external state that must commit atomically with head
	// advancement can hook in through it.
	newHeadListener func(*blockitem.Batch, chain.Block) error

	feed  event.Feed // NewHeadEvent, broadcast only, outside any batch
	scope event.SubscriptionScope

	sub     chain.Subscription
	started bool
	mu      sync.Mutex
}

// New returns a Processor. headStore should already be a prefixed
// sub-space ("block-processor"); it holds exactly one key. store is the
// same item store backing cache, so block insertion and the new-head
// batch share its write discipline.
func New(provider chain.Provider, cache *blockcache.Cache, store *blockitem.Store, headStore kv.Store, maxDepth, blockSyncThreshold uint64) *Processor {
	return &Processor{
		provider:           provider,
		cache:              cache,
		store:              store,
		headStore:          headStore,
		maxDepth:           maxDepth,
		blockSyncThreshold: blockSyncThreshold,
	}
}

// SetNewHeadListener registers the synchronous listener invoked inside
// the new-head batch, before the head checkpoint is persisted.
func (p *Processor) SetNewHeadListener(fn func(*blockitem.Batch, chain.Block) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newHeadListener = fn
}

func (p *Processor) persistedHead() (uint64, bool) {
	raw, err := p.headStore.Get([]byte(headKey))
	if err != nil || len(raw) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(raw), true
}

func (p *Processor) persistHead(n uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return p.headStore.Put([]byte(headKey), buf[:])
}

// Start reads the persisted head (or, absent one, the provider's current
// number), processes it synchronously once, then subscribes to provider
// notifications. Because the head checkpoint is only advanced after its
// batch commits, the synchronous pass re-processes the last head after
// every restart: its NewHeadEvent fires again, and listeners whose work
// the crash interrupted get another chance at it.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()

	head, ok := p.persistedHead()
	if !ok {
		n, err := p.provider.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
	}

	if err := p.processBlockNumber(ctx, head); err != nil {
		return err
	}

	sub, err := p.provider.SubscribeNewBlock(ctx, func(n uint64) {
		notifyMeter.Mark(1)
		if err := p.processBlockNumber(ctx, n); err != nil {
			log.Error("blockprocessor: processing notification failed", "number", n, "err", err)
		}
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.sub = sub
	p.mu.Unlock()
	return nil
}

// Stop unsubscribes from the provider and blocks only until the current
// critical section releases; it does not abort mid-batch.
func (p *Processor) Stop() {
	p.mu.Lock()
	sub := p.sub
	p.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	p.procLock.Lock()
	p.procLock.Unlock()
	p.scope.Close()
}

// NewHeadEvent is posted once the batch for a new head has committed.
type NewHeadEvent struct {
	Block chain.Block
}

// SubscribeNewHead registers ch to receive the pivot block each time a
// new head commits, after the batch containing it has been written.
func (p *Processor) SubscribeNewHead(ch chan<- NewHeadEvent) event.Subscription {
	return p.scope.Track(p.feed.Subscribe(ch))
}

// Status reports SyncStatus using the highest observed provider height
// and the cache's current head.
func (p *Processor) Status() SyncStatus {
	head, _ := p.cache.Head()
	var headHeight uint64
	if head != nil {
		headHeight = head.Stub().Number
	}
	return SyncStatus{
		Head:               headHeight,
		Observed:           p.observed.Load(),
		BlockSyncThreshold: p.blockSyncThreshold,
	}
}

func isFetchingError(err error) bool {
	_, ok := err.(*errs.BlockFetchingError)
	return ok
}

func (p *Processor) fetchByNumber(ctx context.Context, n uint64) (chain.Block, error) {
	block, err := p.provider.BlockByNumber(ctx, n)
	if err != nil {
		fetchErrorMeter.Mark(1)
	}
	return block, err
}

func (p *Processor) fetchParent(ctx context.Context, cur chain.Block) (chain.Block, error) {
	stub := cur.Stub()
	if parent, err := p.cache.GetBlock(stub.ParentHash); err == nil {
		return parent, nil
	}
	block, err := p.provider.BlockByHash(ctx, stub.ParentHash)
	if err != nil {
		fetchErrorMeter.Mark(1)
	}
	return block, err
}

// processBlockNumber is the single entry point driving cache updates
// and head advancement from an observed provider height. It walks
// forward in maxDepth-sized slices, fetching each slice's pivot block
// and back-filling its ancestry until it attaches.
func (p *Processor) processBlockNumber(ctx context.Context, observed uint64) error {
	p.procLock.Lock()
	defer p.procLock.Unlock()

	if p.observed.Load() < observed {
		p.observed.Store(observed)
	}
	observedGauge.Update(int64(observed))

	wasEmpty := p.cache.IsEmpty()
	var processing uint64
	if head, hasHead := p.cache.Head(); hasHead {
		processing = head.Stub().Number
	} else {
		processing = observed
	}

	var pivot chain.Block
	shouldProcessHead := false
	first := true

	for first || processing < observed {
		first = false
		next := processing + p.maxDepth
		if next > observed {
			next = observed
		}
		if next == processing && pivot != nil {
			break
		}
		processing = next

		fetched, err := p.fetchByNumber(ctx, processing)
		if err != nil {
			if isFetchingError(err) {
				log.Warn("blockprocessor: pivot unavailable, waiting for next notification", "number", processing, "err", err)
				return nil
			}
			return err
		}
		pivot = fetched
		slicesMeter.Mark(1)

		cur := pivot
	innerLoop:
		for {
			result, err := p.addBlockInBatch(cur)
			if err != nil {
				return err
			}
			switch result {
			case blockcache.Added:
				shouldProcessHead = true
				break innerLoop
			case blockcache.AddedDetached, blockcache.NotAddedAlreadyExistedDetached:
				parent, err := p.fetchParent(ctx, cur)
				if err != nil {
					if isFetchingError(err) {
						log.Warn("blockprocessor: ancestor unavailable, leaving chain detached", "err", err)
						return nil
					}
					return err
				}
				cur = parent
			case blockcache.NotAddedAlreadyExisted, blockcache.NotAddedBlockNumberTooLow:
				break innerLoop
			}
		}
	}

	if shouldProcessHead || wasEmpty {
		return p.processNewHead(pivot)
	}
	return nil
}

func (p *Processor) addBlockInBatch(block chain.Block) (blockcache.AddResult, error) {
	return blockitem.WithBatch(p.store, func(b *blockitem.Batch) (blockcache.AddResult, error) {
		return p.cache.AddBlock(b, block)
	})
}

// processNewHead designates pivot as the cache head, runs the new-head
// batch, and only then persists the head checkpoint.
func (p *Processor) processNewHead(pivot chain.Block) error {
	if err := p.cache.SetHead(pivot.Stub().Hash); err != nil {
		return err
	}

	p.mu.Lock()
	started := p.started
	listener := p.newHeadListener
	p.mu.Unlock()

	if started {
		_, err := blockitem.WithBatch(p.store, func(b *blockitem.Batch) (struct{}, error) {
			if listener != nil {
				if err := listener(b, pivot); err != nil {
					return struct{}{}, err
				}
			}
			return struct{}{}, nil
		})
		if err != nil {
			return err
		}
		p.feed.Send(NewHeadEvent{Block: pivot})
	}

	if err := p.persistHead(pivot.Stub().Number); err != nil {
		return err
	}
	headGauge.Update(int64(pivot.Stub().Number))
	return nil
}
