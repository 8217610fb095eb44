// Package status tracks the lifecycle of a merge engine.
package status

import (
	"errors"
	"sync/atomic"
)

//nolint:recvcheck // String() uses value receiver (called on State values), Get/Set use pointer receivers (atomic ops)
type State int32

// ErrIllegalTransition is returned when an engine is asked to move to a
// state it cannot reach from its current one, i.e. executing twice.
var ErrIllegalTransition = errors.New("illegal engine state transition")

const (
	Created State = iota
	Executing
	Completed
	Failed
	Disposed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Executing:
		return "executing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Disposed:
		return "disposed"
	}
	return "unknown"
}

// IsTerminal returns true once the engine has stopped executing.
func (s State) IsTerminal() bool {
	return s == Completed || s == Failed || s == Disposed
}

func (s *State) Get() State {
	return State(atomic.LoadInt32((*int32)(s)))
}

func (s *State) Set(newState State) {
	atomic.StoreInt32((*int32)(s), int32(newState))
}

// Transition moves from one state to another atomically. It fails if the
// current state is not from.
func (s *State) Transition(from, to State) error {
	if !atomic.CompareAndSwapInt32((*int32)(s), int32(from), int32(to)) {
		return ErrIllegalTransition
	}
	return nil
}
