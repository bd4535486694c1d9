package machine

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethereum-mive/tailchain/actionstore"
	"github.com/ethereum-mive/tailchain/blockcache"
	"github.com/ethereum-mive/tailchain/blockitem"
	"github.com/ethereum-mive/tailchain/chain"
	"github.com/ethereum-mive/tailchain/kv/memorydb"
)

func hash(n byte) chain.Hash { return common.BytesToHash([]byte{n}) }

func stub(n uint64, h, parent byte) chain.Block {
	return chain.NewStub(n, hash(h), hash(parent))
}

func encodeCount(n uint64) State {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return buf[:]
}

func decodeCount(s State) uint64 {
	if len(s) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(s)
}

// counterComponent's state counts the blocks reduced since its initial
// state (0 on the first block); every reduce raises one action carrying
// the new count.
type counterComponent struct {
	applied chan uint64
}

func (c *counterComponent) Name() string { return "counter" }

func (c *counterComponent) GetInitialState(block chain.Block) (State, error) {
	return encodeCount(0), nil
}

func (c *counterComponent) Reduce(prev State, block chain.Block) (State, error) {
	return encodeCount(decodeCount(prev) + 1), nil
}

func (c *counterComponent) DetectChanges(prev, next State) ([]Action, error) {
	return []Action{encodeCount(decodeCount(next))}, nil
}

func (c *counterComponent) ApplyAction(action Action) error {
	c.applied <- decodeCount(action)
	return nil
}

func newTestMachine(t *testing.T) (*Machine, *blockitem.Store, *blockcache.Cache, *actionstore.Store) {
	t.Helper()
	db := memorydb.New()
	store := blockitem.New(db)
	if err := store.Start(); err != nil {
		t.Fatalf("store.Start: %v", err)
	}
	cache := blockcache.New(store, chain.NewTaggedCodec(), 10)
	actions := actionstore.New(memorydb.New())
	if err := actions.Start(); err != nil {
		t.Fatalf("actions.Start: %v", err)
	}
	m := New(store, actions, cache)
	return m, store, cache, actions
}

func addBlock(t *testing.T, store *blockitem.Store, cache *blockcache.Cache, block chain.Block) blockcache.AddResult {
	t.Helper()
	result, err := blockitem.WithBatch(store, func(b *blockitem.Batch) (blockcache.AddResult, error) {
		return cache.AddBlock(b, block)
	})
	if err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	return result
}

func recvWithTimeout(t *testing.T, ch chan uint64) uint64 {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for action to be applied")
		return 0
	}
}

// TestDuplicateComponentRejected covers the ArgumentError half of the
// registration contract.
func TestDuplicateComponentRejected(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	c := &counterComponent{applied: make(chan uint64, 8)}
	if err := m.Register(c); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := m.Register(c); err == nil {
		t.Fatal("expected duplicate component name to be rejected")
	}
}

// TestReducerConsistencyAndActions: the first block gets initial state
// with no change detection, every subsequent block's state is
// reduce(parent, block), and each reduce raises exactly one action that
// gets applied.
func TestReducerConsistencyAndActions(t *testing.T) {
	m, store, cache, _ := newTestMachine(t)
	c := &counterComponent{applied: make(chan uint64, 8)}
	if err := m.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	addBlock(t, store, cache, stub(1, 1, 0))
	// First block ever: initial state recorded, no action raised.
	state, ok := store.GetItem(hash(1).Hex(), stateKey(c.Name()))
	if !ok {
		t.Fatal("expected state recorded for block 1")
	}
	if decodeCount(state) != 0 {
		t.Fatalf("block 1 state = %d, want 0 (initial)", decodeCount(state))
	}

	addBlock(t, store, cache, stub(2, 2, 1))
	if got := recvWithTimeout(t, c.applied); got != 1 {
		t.Fatalf("action for block 2 = %d, want 1", got)
	}
	state, ok = store.GetItem(hash(2).Hex(), stateKey(c.Name()))
	if !ok || decodeCount(state) != 1 {
		t.Fatalf("block 2 state = %v, %v; want 1, true", state, ok)
	}

	addBlock(t, store, cache, stub(3, 3, 2))
	if got := recvWithTimeout(t, c.applied); got != 2 {
		t.Fatalf("action for block 3 = %d, want 2", got)
	}
	state, ok = store.GetItem(hash(3).Hex(), stateKey(c.Name()))
	if !ok || decodeCount(state) != 2 {
		t.Fatalf("block 3 state = %v, %v; want 2, true", state, ok)
	}
}

// TestExistingActionsReplayedOnStart: an action left durably recorded
// by a previous run (simulating a crash between persisting it and
// applying it) must be replayed the next time the machine starts.
func TestExistingActionsReplayedOnStart(t *testing.T) {
	m, _, _, actions := newTestMachine(t)
	c := &counterComponent{applied: make(chan uint64, 8)}
	if err := m.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := actions.StoreItems(actionKey(c.Name()), []actionstore.Value{encodeCount(41)}); err != nil {
		t.Fatalf("seeding pending action: %v", err)
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := recvWithTimeout(t, c.applied); got != 41 {
		t.Fatalf("replayed action = %d, want 41", got)
	}
	// The action is removed by the applying goroutine once ApplyAction
	// returns, so give it a moment to get there.
	deadline := time.Now().Add(2 * time.Second)
	for len(actions.GetItems(actionKey(c.Name()))) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if items := actions.GetItems(actionKey(c.Name())); len(items) != 0 {
		t.Fatalf("expected replayed action to be removed, got %d remaining", len(items))
	}
}

// TestActionFilterSuppressesSideEffects: a component excluded by the
// action filter still has its state reduced and recorded, but raises no
// actions; and a malformed filter expression is rejected up front.
func TestActionFilterSuppressesSideEffects(t *testing.T) {
	m, store, cache, actions := newTestMachine(t)
	c := &counterComponent{applied: make(chan uint64, 8)}
	if err := m.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.SetActionFilter(`component != "counter"`); err != nil {
		t.Fatalf("SetActionFilter: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	addBlock(t, store, cache, stub(1, 1, 0))
	addBlock(t, store, cache, stub(2, 2, 1))

	state, ok := store.GetItem(hash(2).Hex(), stateKey(c.Name()))
	if !ok || decodeCount(state) != 1 {
		t.Fatalf("block 2 state = %v, %v; want 1 (reduction is not filtered)", state, ok)
	}
	if items := actions.GetItems(actionKey(c.Name())); len(items) != 0 {
		t.Fatalf("filtered component persisted %d actions, want 0", len(items))
	}
	select {
	case v := <-c.applied:
		t.Fatalf("filtered component applied an action: %d", v)
	default:
	}

	if err := m.SetActionFilter(`component ==`); err == nil {
		t.Fatal("expected a malformed filter expression to be rejected")
	}
}

// TestRestartReducesFromHydratedState covers the restart half of the
// head-replay contract: the processor re-processes the checkpointed head
// after a crash, the cache is empty again, and the machine, hydrated
// from the durable anchor states, must reduce the replayed block from
// its parent's recorded state rather than re-running first-block
// initialization, re-raising the block's actions (at-least-once).
func TestRestartReducesFromHydratedState(t *testing.T) {
	itemDB := memorydb.New()
	actionDB := memorydb.New()

	store := blockitem.New(itemDB)
	if err := store.Start(); err != nil {
		t.Fatalf("store.Start: %v", err)
	}
	cache := blockcache.New(store, chain.NewTaggedCodec(), 10)
	actions := actionstore.New(actionDB)
	if err := actions.Start(); err != nil {
		t.Fatalf("actions.Start: %v", err)
	}
	m := New(store, actions, cache)
	c := &counterComponent{applied: make(chan uint64, 8)}
	if err := m.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addBlock(t, store, cache, stub(1, 1, 0))
	addBlock(t, store, cache, stub(2, 2, 1))
	recvWithTimeout(t, c.applied)

	// Restart: fresh store, cache and machine over the same databases.
	store2 := blockitem.New(itemDB)
	if err := store2.Start(); err != nil {
		t.Fatalf("store2.Start: %v", err)
	}
	cache2 := blockcache.New(store2, chain.NewTaggedCodec(), 10)
	actions2 := actionstore.New(actionDB)
	if err := actions2.Start(); err != nil {
		t.Fatalf("actions2.Start: %v", err)
	}
	m2 := New(store2, actions2, cache2)
	c2 := &counterComponent{applied: make(chan uint64, 8)}
	if err := m2.Register(c2); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m2.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The replayed head re-attaches as a root of the empty cache.
	addBlock(t, store2, cache2, stub(2, 2, 1))

	if got := recvWithTimeout(t, c2.applied); got != 1 {
		t.Fatalf("replayed action = %d, want 1", got)
	}
	state, ok := store2.GetItem(hash(2).Hex(), stateKey("counter"))
	if !ok || decodeCount(state) != 1 {
		t.Fatalf("replayed block state = %v, %v; want 1 (reduced from block 1's hydrated state, not re-initialized)", state, ok)
	}
}

// TestOrphanedParentFallsBackToInitialState covers the branch where a
// block's parent state is absent because the reorg that produced it
// exceeded the cache depth. The component should not panic or
// misreport, and should fall back to initial state without raising an
// action.
func TestOrphanedParentFallsBackToInitialState(t *testing.T) {
	m, store, cache, _ := newTestMachine(t)
	c := &counterComponent{applied: make(chan uint64, 8)}
	if err := m.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Block 1 seeds "first block ever" bookkeeping; block 2 attaches
	// normally and raises one action. Then block 2's own recorded state
	// is removed directly, standing in for a reorg deep enough that the
	// component's per-block state fell out of the cache depth while the
	// block itself (fetched fresh from the provider) did not.
	addBlock(t, store, cache, stub(1, 1, 0))
	addBlock(t, store, cache, stub(2, 2, 1))
	recvWithTimeout(t, c.applied)

	if _, err := blockitem.WithBatch(store, func(b *blockitem.Batch) (struct{}, error) {
		return struct{}{}, b.DeleteItem(2, hash(2).Hex(), stateKey(c.Name()))
	}); err != nil {
		t.Fatalf("removing block 2 state: %v", err)
	}

	addBlock(t, store, cache, stub(3, 3, 2))

	state, ok := store.GetItem(hash(3).Hex(), stateKey(c.Name()))
	if !ok {
		t.Fatal("expected fallback initial state for block with orphaned parent state")
	}
	if decodeCount(state) != 0 {
		t.Fatalf("orphaned-parent block state = %d, want 0 (initial)", decodeCount(state))
	}

	select {
	case v := <-c.applied:
		t.Fatalf("unexpected action applied for orphaned-parent block: %d", v)
	default:
	}
}
