// Package ethprovider implements chain.Provider over go-ethereum's
// ethclient.
package ethprovider

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-mive/tailchain/chain"
	"github.com/ethereum-mive/tailchain/errs"
)

// Provider adapts an ethclient.Client into a chain.Provider.
type Provider struct {
	client *ethclient.Client
}

// Dial connects to the given RPC endpoint (http(s):// or ws(s)://) and
// returns a Provider backed by it.
func Dial(rawurl string) (*Provider, error) {
	client, err := ethclient.Dial(rawurl)
	if err != nil {
		return nil, err
	}
	return &Provider{client: client}, nil
}

// New adapts an already-dialed ethclient.Client.
func New(client *ethclient.Client) *Provider {
	return &Provider{client: client}
}

// ethBlock wraps a go-ethereum header as a chain.Block, keeping the full
// header available to callers that need more than the stub shape.
type ethBlock struct {
	header *types.Header
}

func (b ethBlock) Stub() chain.Stub {
	return chain.Stub{
		Number:     b.header.Number.Uint64(),
		Hash:       b.header.Hash(),
		ParentHash: b.header.ParentHash,
	}
}

// Header returns the underlying go-ethereum header.
func (b ethBlock) Header() *types.Header { return b.header }

// isTransient reports whether err is a recoverable provider hiccup: a
// not-found result, or an error whose message is exactly a lagging
// node's "unknown block".
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if err == ethereum.NotFound {
		return true
	}
	return err.Error() == "unknown block"
}

func (p *Provider) BlockByNumber(ctx context.Context, n uint64) (chain.Block, error) {
	header, err := p.client.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
	if err != nil {
		if isTransient(err) {
			return nil, errs.BlockFetching(err, "block %d not available", n)
		}
		return nil, err
	}
	if header == nil {
		return nil, errs.BlockFetching(nil, "block %d not available", n)
	}
	return ethBlock{header: header}, nil
}

func (p *Provider) BlockByHash(ctx context.Context, hash chain.Hash) (chain.Block, error) {
	header, err := p.client.HeaderByHash(ctx, hash)
	if err != nil {
		if isTransient(err) {
			return nil, errs.BlockFetching(err, "block %x not available", hash)
		}
		return nil, err
	}
	if header == nil {
		return nil, errs.BlockFetching(nil, "block %x not available", hash)
	}
	return ethBlock{header: header}, nil
}

func (p *Provider) BlockNumber(ctx context.Context) (uint64, error) {
	return p.client.BlockNumber(ctx)
}

func (p *Provider) SubscribeNewBlock(ctx context.Context, cb func(uint64)) (chain.Subscription, error) {
	headers := make(chan *types.Header, 16)
	sub, err := p.client.SubscribeNewHead(ctx, headers)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case header := <-headers:
				cb(header.Number.Uint64())
			case err := <-sub.Err():
				if err != nil {
					log.Warn("provider subscription ended", "err", err)
				}
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return &subscription{sub: sub, done: done}, nil
}

type subscription struct {
	sub  ethereum.Subscription
	done chan struct{}
}

func (s *subscription) Unsubscribe() {
	s.sub.Unsubscribe()
	<-s.done
}
