package coordinator

import (
	"context"

	"github.com/google/uuid"
	"github.com/iotaledger/hive.go/ierrors"
	"go.uber.org/atomic"

	"github.com/threadloom/loom/resource"
)

// region Request //////////////////////////////////////////////////////////////////////////////////////////////////////

// Mutation is the client-supplied callback of a Request. It runs with exclusive access to all resources the Request
// named and returns the value that is published to the Request's topic.
//
// The captured state of a Mutation must be either immutable or itself registry-owned: the callback runs on a worker
// goroutine, so capturing a mutable local without synchronization is a data race.
type Mutation[V any] func(locked map[resource.ID]*resource.Resource[V]) (value any, err error)

// Request describes a single mutation of a set of resources.
type Request[V any] struct {
	// Topic names the channel the Request's Result is published to. An empty Topic suppresses publication; the
	// outcome is then only observable through the Handle.
	Topic string

	// ResourceIDs are the identities of the resources the Mutation needs exclusive access to.
	ResourceIDs []resource.ID

	// Mutate is the callback that is invoked with all named resources locked.
	Mutate Mutation[V]
}

// endregion ///////////////////////////////////////////////////////////////////////////////////////////////////////////

// region Result ///////////////////////////////////////////////////////////////////////////////////////////////////////

// Result is the message published to a Request's topic after the Request reached a terminal state. Failed requests
// publish a Result carrying the error, so consumers are never left waiting for a request that silently disappeared.
type Result struct {
	// RequestID is the identity of the Request this Result belongs to.
	RequestID uuid.UUID

	// Topic is the name of the topic this Result was published to.
	Topic string

	// Value is the value returned by the Mutation (nil for failed requests).
	Value any

	// Err is the error the Request failed with (nil for successful requests).
	Err error
}

// endregion ///////////////////////////////////////////////////////////////////////////////////////////////////////////

// region State ////////////////////////////////////////////////////////////////////////////////////////////////////////

// State is the stage of a Request in its lifecycle.
type State int8

const (
	// StateSubmitted marks a Request that was accepted but not picked up by a worker yet.
	StateSubmitted State = iota

	// StateLocksAcquiring marks a Request that is waiting for the locks of its resources.
	StateLocksAcquiring

	// StateMutating marks a Request whose Mutation is currently running.
	StateMutating

	// StatePublishing marks a Request whose Result is being published to its topic.
	StatePublishing

	// StateCompleted marks a Request that was executed and published successfully (terminal).
	StateCompleted

	// StateFailed marks a Request whose Mutation or publication failed (terminal).
	StateFailed

	// StateCancelled marks a Request that was canceled or timed out before its Mutation ran (terminal).
	StateCancelled
)

// IsTerminal returns true if no further state transitions can happen.
func (s State) IsTerminal() (isTerminal bool) {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// String returns a human-readable representation of the State.
func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "Submitted"
	case StateLocksAcquiring:
		return "LocksAcquiring"
	case StateMutating:
		return "Mutating"
	case StatePublishing:
		return "Publishing"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// endregion ///////////////////////////////////////////////////////////////////////////////////////////////////////////

// region Handle ///////////////////////////////////////////////////////////////////////////////////////////////////////

// Handle tracks the lifecycle of a submitted Request and lets the submitter await its terminal state.
type Handle struct {
	// id is the identity assigned to the Request at submission.
	id uuid.UUID

	// state holds the current State of the Request.
	state atomic.Int32

	// err is the error of a failed or canceled Request (written once before done is closed).
	err error

	// done is closed when the Request reaches a terminal state.
	done chan struct{}
}

// newHandle creates a Handle for a freshly submitted Request.
func newHandle() *Handle {
	return &Handle{
		id:   uuid.New(),
		done: make(chan struct{}),
	}
}

// ID returns the identity that was assigned to the Request.
func (h *Handle) ID() (id uuid.UUID) {
	return h.id
}

// State returns the current State of the Request.
func (h *Handle) State() (state State) {
	return State(h.state.Load())
}

// Done returns a channel that is closed when the Request reaches a terminal state.
func (h *Handle) Done() (done <-chan struct{}) {
	return h.done
}

// Err returns the error of a failed or canceled Request. It returns nil while the Request is still in flight and for
// requests that completed successfully.
func (h *Handle) Err() (err error) {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Await blocks until the Request reaches a terminal state (returning its error, if any) or the given context is
// canceled (returning the wrapped context error).
func (h *Handle) Await(ctx context.Context) (err error) {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ierrors.Wrap(ctx.Err(), "await aborted")
	}
}

// transition advances the Request to the given non-terminal state.
func (h *Handle) transition(state State) {
	h.state.Store(int32(state))
}

// finish records the terminal state and error of the Request and releases all waiters.
func (h *Handle) finish(state State, err error) {
	h.err = err
	h.state.Store(int32(state))
	close(h.done)
}

// endregion ///////////////////////////////////////////////////////////////////////////////////////////////////////////
