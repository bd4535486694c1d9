// Package chain defines the block data model and the block provider
// capability: the minimal shape every block-following component in this
// module needs, independent of any particular chain client.
package chain

import "github.com/ethereum/go-ethereum/common"

// Hash is an opaque block hash. It reuses go-ethereum's common.Hash so
// comparisons are exact-byte and hex parsing is case-insensitive.
type Hash = common.Hash

// HexToHash parses a hex string (with or without 0x prefix, any case)
// into a Hash.
func HexToHash(s string) Hash { return common.HexToHash(s) }

// Stub is the required shape of a block: just enough to place it in the
// fork-aware tree. Block implementations carry a Stub plus whatever
// extra data (transactions, logs, receipts) the embedding program needs.
type Stub struct {
	Number     uint64
	Hash       Hash
	ParentHash Hash
}

// Block is any value that can report its own Stub. Blocks are immutable
// once constructed; implementations must not mutate Number/Hash/ParentHash
// after they're handed to the block cache.
type Block interface {
	Stub() Stub
}

// stubBlock is the minimal Block implementation, used when no richer
// block type is needed (tests, and any provider that only cares about
// the header chain).
type stubBlock struct {
	stub Stub
}

// NewStub wraps a Stub as a Block.
func NewStub(number uint64, hash, parentHash Hash) Block {
	return stubBlock{Stub{Number: number, Hash: hash, ParentHash: parentHash}}
}

func (b stubBlock) Stub() Stub { return b.stub }
