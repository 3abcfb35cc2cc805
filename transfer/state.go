package transfer

import (
	"errors"
	"fmt"
	"sync"
)

// State is a step of the asset lifecycle.
type State uint8

const (
	// StateIssued marks a contract created by this wallet.
	StateIssued State = iota + 1

	// StateBlinded marks a concealed seal handed out by the receiver.
	StateBlinded

	// StateTransferred marks a consignment built and anchored by the
	// sender.
	StateTransferred

	// StateValidated marks a consignment that passed validation. It is
	// informational; acceptance validates again.
	StateValidated

	// StateAccepted marks a consignment whose endpoint was revealed into
	// the stash.
	StateAccepted

	// StateRejected marks a consignment that failed validation. It is
	// terminal.
	StateRejected
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateIssued:
		return "Issued"
	case StateBlinded:
		return "Blinded"
	case StateTransferred:
		return "Transferred"
	case StateValidated:
		return "Validated"
	case StateAccepted:
		return "Accepted"
	case StateRejected:
		return "Rejected"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

var (
	// ErrStateNotFound is returned by a StateStore for unknown keys.
	ErrStateNotFound = errors.New("no state recorded")

	// ErrInvalidStateTransition is returned when a lifecycle step is not
	// allowed from the recorded state.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrRejected is returned for consignments previously rejected.
	ErrRejected = errors.New("consignment was rejected")

	// ErrAlreadyAccepted is returned when accepting a consignment twice.
	ErrAlreadyAccepted = errors.New("consignment already accepted")
)

// transitions lists the states reachable from each state. A key without a
// recorded state may enter any state.
var transitions = map[State][]State{
	StateIssued:      nil,
	StateBlinded:     {StateAccepted},
	StateTransferred: {StateValidated, StateAccepted, StateRejected},
	StateValidated:   {StateValidated, StateAccepted, StateRejected},
	StateAccepted:    nil,
	StateRejected:    nil,
}

// CanTransition reports whether a record in state from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// StateStore records the lifecycle state of contracts, concealed seals and
// consignments, keyed by their textual id.
type StateStore interface {
	// FetchState returns the state recorded for key, or
	// ErrStateNotFound.
	FetchState(key string) (State, error)

	// PutState records the state of key.
	PutState(key string, s State) error
}

// fetchState returns the recorded state of key, if any.
func fetchState(store StateStore, key string) (State, bool, error) {
	s, err := store.FetchState(key)
	switch {
	case errors.Is(err, ErrStateNotFound):
		return 0, false, nil

	case err != nil:
		return 0, false, err
	}

	return s, true, nil
}

// advance moves key to state to, checking the transition is allowed.
func advance(store StateStore, key string, to State) error {
	from, ok, err := fetchState(store, key)
	if err != nil {
		return err
	}
	if ok && !CanTransition(from, to) {
		return fmt.Errorf("%w: %v from %v to %v",
			ErrInvalidStateTransition, key, from, to)
	}

	if err := store.PutState(key, to); err != nil {
		return err
	}

	log.Debugf("%v: %v", key, to)

	return nil
}

// MemStateStore is a StateStore held in memory.
type MemStateStore struct {
	mu     sync.Mutex
	states map[string]State
}

// A compile time check to ensure MemStateStore implements StateStore.
var _ StateStore = (*MemStateStore)(nil)

// NewMemStateStore creates an empty in-memory state store.
func NewMemStateStore() *MemStateStore {
	return &MemStateStore{
		states: make(map[string]State),
	}
}

// FetchState returns the state recorded for key.
func (m *MemStateStore) FetchState(key string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[key]
	if !ok {
		return 0, ErrStateNotFound
	}

	return s, nil
}

// PutState records the state of key.
func (m *MemStateStore) PutState(key string, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states[key] = s

	return nil
}
