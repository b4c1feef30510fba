package coordinator

import (
	"context"
	"sync/atomic"
	"time"

	"cartsync/internal/model"
)

// State of a mutation: Idle → OptimisticApplied → {Confirmed | Failed}.
type State int32

const (
	Idle State = iota
	OptimisticApplied
	Confirmed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OptimisticApplied:
		return "optimistic_applied"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Op names a cart operation.
type Op string

const (
	OpAdd    Op = "add"
	OpUpdate Op = "update_quantity"
	OpRemove Op = "remove"
	OpClear  Op = "clear"
)

// Mutation tracks one optimistic change from local application to
// remote confirmation.
type Mutation struct {
	ID        string
	Op        Op
	Key       model.Key // zero for OpClear
	CreatedAt time.Time

	seq        uint64
	state      atomic.Int32
	superseded atomic.Bool
	settledAt  atomic.Int64
	err        error // written once before done is closed
	done       chan struct{}
}

func newMutation(id string, op Op, key model.Key, now time.Time) *Mutation {
	return &Mutation{
		ID:        id,
		Op:        op,
		Key:       key,
		CreatedAt: now,
		done:      make(chan struct{}),
	}
}

// State returns the current state.
func (m *Mutation) State() State {
	return State(m.state.Load())
}

// Done is closed once the mutation is Confirmed or Failed.
func (m *Mutation) Done() <-chan struct{} {
	return m.done
}

// Settled reports whether the mutation has reached a final state.
func (m *Mutation) Settled() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Err returns the failure of a Failed mutation, a *model.NotConfirmedError.
// It is nil while the mutation is pending or when it was confirmed.
func (m *Mutation) Err() error {
	if !m.Settled() {
		return nil
	}
	return m.err
}

// Wait blocks until the mutation settles or ctx is done.
// It returns the mutation's error, or ctx.Err() if ctx ended first.
func (m *Mutation) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Superseded reports whether the remote call succeeded but its response was
// not applied because a later mutation of the same line was issued first.
func (m *Mutation) Superseded() bool {
	return m.superseded.Load()
}

// SettledAt returns when the mutation settled, or the zero time.
func (m *Mutation) SettledAt() time.Time {
	ns := m.settledAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (m *Mutation) settle(state State, err error, now time.Time) {
	m.err = err
	m.settledAt.Store(now.UnixNano())
	m.state.Store(int32(state))
	close(m.done)
}
