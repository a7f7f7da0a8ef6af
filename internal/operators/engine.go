// Package operators gates privileged wallet transitions behind an M-of-N
// operator approval scheme. A pending action is identified by the digest of
// its full argument tuple; the operator set and threshold that govern it are
// snapshotted when the action is created, so a reconfiguration never
// invalidates approvals already in flight.
package operators

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/DJ3N/sms-wallet/pkg/reqhash"
)

var (
	ErrUnknownOperator       = errors.New("operator is not in the action's operator set")
	ErrUnknownAction         = errors.New("no pending action with that id")
	ErrActionAlreadyExecuted = errors.New("action has already been executed")
	ErrThresholdNotMet       = errors.New("operator threshold not met")
)

// Snapshot is the slice of wallet configuration an action is governed by.
type Snapshot struct {
	Threshold int
	Operators []common.Address
}

type pendingAction struct {
	threshold int
	operators map[common.Address]struct{}
	approvals map[common.Address]struct{}
	executed  bool
}

// Engine tracks pending privileged actions and their approvals.
type Engine struct {
	mu      sync.Mutex
	actions map[common.Hash]*pendingAction
}

func New() *Engine {
	return &Engine{actions: make(map[common.Hash]*pendingAction)}
}

// ActionID derives the identifier of a privileged action from its full
// argument tuple. Identical tuples always map to the same pending action.
func ActionID(tuple any) (common.Hash, error) {
	id, _, err := reqhash.Sum(tuple)
	return id, err
}

// Propose registers a pending action under the given configuration snapshot.
// Proposing an id that is already pending is a no-op, so concurrent relays
// and operator approvals of the same instruction share one approval set and
// the snapshot taken by whichever proposal came first.
func (e *Engine) Propose(id common.Hash, snap Snapshot) error {
	if snap.Threshold < 1 || snap.Threshold > len(snap.Operators) {
		return fmt.Errorf("invalid snapshot: threshold %d with %d operators", snap.Threshold, len(snap.Operators))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.actions[id]; exists {
		return nil
	}
	ops := make(map[common.Address]struct{}, len(snap.Operators))
	for _, op := range snap.Operators {
		ops[op] = struct{}{}
	}
	e.actions[id] = &pendingAction{
		threshold: snap.Threshold,
		operators: ops,
		approvals: make(map[common.Address]struct{}),
	}
	return nil
}

// Approve records operator's approval of the pending action. A repeat
// approval by the same operator is a no-op and never counts twice. The
// returned flag reports whether the threshold is met after this call.
func (e *Engine) Approve(operator common.Address, actionID common.Hash) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.actions[actionID]
	if !ok {
		return false, ErrUnknownAction
	}
	if a.executed {
		return false, ErrActionAlreadyExecuted
	}
	if _, ok := a.operators[operator]; !ok {
		return false, ErrUnknownOperator
	}
	a.approvals[operator] = struct{}{}
	return len(a.approvals) >= a.threshold, nil
}

// Approvals reports how many distinct operators have approved the action.
func (e *Engine) Approvals(actionID common.Hash) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.actions[actionID]
	if !ok {
		return 0, ErrUnknownAction
	}
	return len(a.approvals), nil
}

// Executable reports, without claiming, whether the action could be released
// right now. Callers that validate an expensive transition before claiming
// use this first and TakeRelease after; approvals only ever accumulate, so a
// positive answer cannot turn negative in between.
func (e *Engine) Executable(actionID common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.actions[actionID]
	if !ok {
		return ErrUnknownAction
	}
	if a.executed {
		return ErrActionAlreadyExecuted
	}
	if len(a.approvals) < a.threshold {
		return ErrThresholdNotMet
	}
	return nil
}

// TakeRelease atomically claims the action for execution. It succeeds exactly
// once, on the first call after the threshold is met. Before the threshold it
// returns ErrThresholdNotMet; after a successful claim it returns
// ErrActionAlreadyExecuted forever.
func (e *Engine) TakeRelease(actionID common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.actions[actionID]
	if !ok {
		return ErrUnknownAction
	}
	if a.executed {
		return ErrActionAlreadyExecuted
	}
	if len(a.approvals) < a.threshold {
		return ErrThresholdNotMet
	}
	a.executed = true
	return nil
}
