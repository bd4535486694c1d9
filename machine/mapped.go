package machine

import (
	"encoding/json"

	"github.com/ethereum-mive/tailchain/chain"
	"github.com/ethereum-mive/tailchain/errs"
)

// SubReducer computes per-item state the same way a top-level reducer
// computes per-block state, scoped to one element of a dynamic iterable.
type SubReducer[T any, S any] interface {
	GetInitialState(item T) (S, error)
	Reduce(prev S, item T) (S, error)
}

// MappedReducer maintains a map of per-item sub-states by re-deriving
// the iterable of sub-objects from the block on every call, diffing
// against the id set it already has state for. Ids no longer present
// are simply absent from the returned map; they are dropped, not
// carried forward.
type MappedReducer[T any, ID comparable, S any] struct {
	// Items returns the dynamic iterable of sub-objects present at block.
	Items func(block chain.Block) []T
	// ID selects the stable identity of an item.
	ID func(item T) ID
	// SubReducerFor returns the reducer responsible for id. Most callers
	// return the same stateless value for every id; the factory shape
	// exists so an id's reducer can itself depend on the id.
	SubReducerFor func(id ID) SubReducer[T, S]
}

func (r *MappedReducer[T, ID, S]) GetInitialState(block chain.Block) (map[ID]S, error) {
	return r.reduce(nil, block)
}

func (r *MappedReducer[T, ID, S]) Reduce(prev map[ID]S, block chain.Block) (map[ID]S, error) {
	return r.reduce(prev, block)
}

func (r *MappedReducer[T, ID, S]) reduce(prev map[ID]S, block chain.Block) (map[ID]S, error) {
	items := r.Items(block)
	next := make(map[ID]S, len(items))
	for _, item := range items {
		id := r.ID(item)
		sr := r.SubReducerFor(id)
		if prevSub, ok := prev[id]; ok {
			s, err := sr.Reduce(prevSub, item)
			if err != nil {
				return nil, err
			}
			next[id] = s
		} else {
			s, err := sr.GetInitialState(item)
			if err != nil {
				return nil, err
			}
			next[id] = s
		}
	}
	return next, nil
}

// MappedComponent adapts a MappedReducer into a machine.Component by
// JSON-marshaling its id-to-sub-state map into the opaque State bytes
// the machine moves around, the same encoding discipline
// chain.TaggedCodec uses for blocks.
// ID must marshal as a JSON object key: a string, an integer, or a type
// implementing encoding.TextMarshaler/TextUnmarshaler (chain.Hash
// qualifies, via common.Hash's hex text methods).
type MappedComponent[T any, ID comparable, S any] struct {
	ComponentName string
	Reducer       *MappedReducer[T, ID, S]
	// Detect is DetectChanges, given the decoded previous and next
	// id-to-sub-state maps. May be nil if this component raises no
	// actions.
	Detect func(prev, next map[ID]S) ([]Action, error)
	// Apply is ApplyAction. May be nil if Detect never returns actions.
	Apply func(action Action) error
}

func (m *MappedComponent[T, ID, S]) Name() string { return m.ComponentName }

func (m *MappedComponent[T, ID, S]) GetInitialState(block chain.Block) (State, error) {
	states, err := m.Reducer.GetInitialState(block)
	if err != nil {
		return nil, err
	}
	return json.Marshal(states)
}

func (m *MappedComponent[T, ID, S]) Reduce(prev State, block chain.Block) (State, error) {
	prevMap, err := decodeMap[ID, S](prev)
	if err != nil {
		return nil, err
	}
	next, err := m.Reducer.Reduce(prevMap, block)
	if err != nil {
		return nil, err
	}
	return json.Marshal(next)
}

func (m *MappedComponent[T, ID, S]) DetectChanges(prev, next State) ([]Action, error) {
	if m.Detect == nil {
		return nil, nil
	}
	prevMap, err := decodeMap[ID, S](prev)
	if err != nil {
		return nil, err
	}
	nextMap, err := decodeMap[ID, S](next)
	if err != nil {
		return nil, err
	}
	return m.Detect(prevMap, nextMap)
}

func (m *MappedComponent[T, ID, S]) ApplyAction(action Action) error {
	if m.Apply == nil {
		return nil
	}
	return m.Apply(action)
}

func decodeMap[ID comparable, S any](raw []byte) (map[ID]S, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[ID]S
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.Application("machine: decoding mapped state: %v", err)
	}
	return m, nil
}
