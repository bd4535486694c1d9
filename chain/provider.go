package chain

import "context"

// Provider serves blocks by height or hash and notifies on new block
// numbers. Implementations
// must map recoverable failures (a null result, or the provider's own
// notion of "unknown block") to an *errs.BlockFetchingError so the
// block processor can classify them.
type Provider interface {
	// BlockByNumber returns the block at number n, or a
	// *errs.BlockFetchingError if the provider doesn't have it (yet).
	BlockByNumber(ctx context.Context, n uint64) (Block, error)
	// BlockByHash returns the block with the given hash, or a
	// *errs.BlockFetchingError if the provider doesn't have it.
	BlockByHash(ctx context.Context, hash Hash) (Block, error)
	// BlockNumber returns the provider's current chain height.
	BlockNumber(ctx context.Context) (uint64, error)
	// SubscribeNewBlock registers cb to be called with each new block
	// number the provider observes. The returned Subscription's
	// Unsubscribe stops delivery.
	SubscribeNewBlock(ctx context.Context, cb func(uint64)) (Subscription, error)
}

// Subscription is the handle returned by SubscribeNewBlock.
type Subscription interface {
	Unsubscribe()
}
