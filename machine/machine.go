// Package machine computes derived, per-component state for every
// attached block the cache emits and executes change-detected actions
// through a durable action queue. Components are registered by name;
// each carries a reducer, a change detector and an action applier.
package machine

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/go-bexpr"

	"github.com/ethereum-mive/tailchain/actionstore"
	"github.com/ethereum-mive/tailchain/blockcache"
	"github.com/ethereum-mive/tailchain/blockitem"
	"github.com/ethereum-mive/tailchain/chain"
	"github.com/ethereum-mive/tailchain/errs"
	"github.com/ethereum-mive/tailchain/internal/lock"
)

// State is an opaque per-component, per-block value. Components marshal
// and unmarshal their own state; the machine only moves bytes, the same
// discipline blockitem.Value and actionstore.Value already follow.
type State = []byte

// Action is an opaque unit of work a component wants performed once,
// persisted durably until ApplyAction succeeds.
type Action = []byte

// Component is one named unit of derived state plus the actions it
// raises when that state changes. A single type implementing this
// interface bundles the reducer, change-detection and action-applier
// roles; MappedReducer in mapped.go is one way to build the reducer
// half of it compositionally.
type Component interface {
	// Name must be unique across every component registered with a
	// Machine; duplicates are rejected at Register time.
	Name() string
	// GetInitialState computes state for a block with no recorded
	// parent state, either because it is the first block ever processed
	// or because the reorg that produced it exceeded the cache depth.
	GetInitialState(block chain.Block) (State, error)
	// Reduce computes this block's state from its parent's.
	Reduce(prev State, block chain.Block) (State, error)
	// DetectChanges compares consecutive states and returns the actions
	// that should run as a result, if any.
	DetectChanges(prev, next State) ([]Action, error)
	// ApplyAction performs one action. It must be safe to call
	// concurrently with itself and with other components' ApplyAction.
	ApplyAction(action Action) error
}

// Machine drives every registered component over the blocks the cache
// attaches.
type Machine struct {
	store   *blockitem.Store
	actions *actionstore.Store
	cache   *blockcache.Cache

	registerMu   sync.Mutex
	components   []Component
	byName       map[string]Component
	started      bool
	actionFilter *bexpr.Evaluator

	handlerLock lock.Serial
}

// actionScope is the datum an action filter expression is evaluated
// against, one field per selector the expression may reference.
type actionScope struct {
	Component string `bexpr:"component"`
}

// New returns a Machine. Register every component before calling Start.
func New(store *blockitem.Store, actions *actionstore.Store, cache *blockcache.Cache) *Machine {
	return &Machine{
		store:   store,
		actions: actions,
		cache:   cache,
		byName:  make(map[string]Component),
	}
}

// Register adds a component. It fails with an ArgumentError on a
// duplicate name or if called after Start, so a late registration
// cannot silently miss the first-block bookkeeping.
func (m *Machine) Register(c Component) error {
	m.registerMu.Lock()
	defer m.registerMu.Unlock()

	if m.started {
		return errs.Argument("machine: cannot register component %q after Start", c.Name())
	}
	if _, exists := m.byName[c.Name()]; exists {
		return errs.Argument("machine: duplicate component name %q", c.Name())
	}
	m.byName[c.Name()] = c
	m.components = append(m.components, c)
	return nil
}

// SetActionFilter installs a boolean expression selecting the
// components whose side effects may run, evaluated against
// {component: <name>}. Components that do not match still have their
// state reduced and recorded, but change detection is skipped and their
// persisted actions are not replayed; those actions stay durable and
// are replayed by a later Start under a filter that admits the
// component. An empty expression clears the filter.
func (m *Machine) SetActionFilter(expression string) error {
	m.registerMu.Lock()
	defer m.registerMu.Unlock()

	if expression == "" {
		m.actionFilter = nil
		return nil
	}
	eval, err := bexpr.CreateEvaluator(expression)
	if err != nil {
		return errs.Argument("machine: invalid action filter %q: %v", expression, err)
	}
	m.actionFilter = eval
	return nil
}

// actionsEnabled reports whether c's side effects pass the action
// filter. An expression that fails to evaluate fails open, so a bad
// filter cannot silently stop every component.
func (m *Machine) actionsEnabled(c Component) bool {
	m.registerMu.Lock()
	filter := m.actionFilter
	m.registerMu.Unlock()
	if filter == nil {
		return true
	}
	match, err := filter.Evaluate(actionScope{Component: c.Name()})
	if err != nil {
		log.Error("machine: evaluating action filter failed", "component", c.Name(), "err", err)
		return true
	}
	return match
}

func stateKey(name string) string {
	return name + blockitem.StateItemKeySuffix
}

func actionKey(name string) string {
	return "machine-action-" + name
}

// Start registers the machine's handler with the cache as its
// synchronous block listener, then replays any actions left
// outstanding from a previous run.
func (m *Machine) Start() error {
	m.registerMu.Lock()
	m.started = true
	m.registerMu.Unlock()

	m.cache.SetBlockListener(m.setStateAndDetectChanges)
	m.executeExistingActions()
	return nil
}

// executeExistingActions re-runs every action still durably recorded,
// for every component, concurrently. Delivery is at-least-once;
// components are responsible for tolerating a redundant re-apply.
func (m *Machine) executeExistingActions() {
	for _, c := range m.components {
		if !m.actionsEnabled(c) {
			continue
		}
		for _, item := range m.actions.GetItems(actionKey(c.Name())) {
			go m.applyAndRemove(c, item)
		}
	}
}

func (m *Machine) applyAndRemove(c Component, item actionstore.ItemAndID) {
	if err := c.ApplyAction(item.Value); err != nil {
		log.Error("machine: applying action failed", "component", c.Name(), "action", item.ID, "err", err)
		return
	}
	if err := m.actions.RemoveItem(actionKey(c.Name()), item); err != nil {
		log.Error("machine: removing completed action failed", "component", c.Name(), "action", item.ID, "err", err)
	}
}

// setStateAndDetectChanges is registered as the cache's synchronous
// block listener, so it runs inside the same blockitem batch the
// processor opened around the block's insertion, after the cache's own
// internal lock has been released.
func (m *Machine) setStateAndDetectChanges(b *blockitem.Batch, block chain.Block) error {
	m.handlerLock.Lock()
	defer m.handlerLock.Unlock()

	stub := block.Stub()
	hash := stub.Hash.Hex()
	parentHash := stub.ParentHash.Hex()

	// first is decided once for the whole block, before any of this
	// block's own state gets written: recomputing it per component would
	// have the first component's write flip HasAnyAnchorState for every
	// component after it, even though this is still the first block ever
	// for all of them.
	first := !m.store.HasAnyAnchorState()

	for _, c := range m.components {
		parentState, hasParent := m.store.GetItem(parentHash, stateKey(c.Name()))

		switch {
		case first:
			newState, err := c.GetInitialState(block)
			if err != nil {
				return fmt.Errorf("machine: component %q initial state: %w", c.Name(), err)
			}
			if err := b.PutBlockItem(stub.Number, hash, stateKey(c.Name()), newState); err != nil {
				return err
			}

		case hasParent:
			newState, err := c.Reduce(parentState, block)
			if err != nil {
				return fmt.Errorf("machine: component %q reduce: %w", c.Name(), err)
			}
			if err := b.PutBlockItem(stub.Number, hash, stateKey(c.Name()), newState); err != nil {
				return err
			}
			if m.actionsEnabled(c) {
				actions, err := c.DetectChanges(parentState, newState)
				if err != nil {
					return fmt.Errorf("machine: component %q change detection: %w", c.Name(), err)
				}
				if len(actions) > 0 {
					m.raiseActions(c, actions)
				}
			}

		default:
			log.Error("machine: parent state missing, reorg exceeded cache depth", "component", c.Name(), "block", hash, "parent", parentHash)
			newState, err := c.GetInitialState(block)
			if err != nil {
				return fmt.Errorf("machine: component %q initial state (orphaned parent): %w", c.Name(), err)
			}
			if err := b.PutBlockItem(stub.Number, hash, stateKey(c.Name()), newState); err != nil {
				return err
			}
		}
	}
	return nil
}

// raiseActions persists actions durably, then executes each
// concurrently and fire-and-forget; a durable action is removed only
// once its ApplyAction completes successfully.
func (m *Machine) raiseActions(c Component, actions []Action) {
	values := make([]actionstore.Value, len(actions))
	copy(values, actions)
	items, err := m.actions.StoreItems(actionKey(c.Name()), values)
	if err != nil {
		log.Error("machine: persisting actions failed", "component", c.Name(), "err", err)
		return
	}
	for _, item := range items {
		go m.applyAndRemove(c, item)
	}
}
