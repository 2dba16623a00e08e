package session

import (
	"errors"
	"sync/atomic"
)

// ErrShutdown is returned for operations attempted after shutdown began
var ErrShutdown = errors.New("server is shutting down")

// Shutdown message sent to every open connection
const ShutdownMessage = "Server is shutting down"

// State is a lifecycle state. Transitions only move forward.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Coordinator holds the Running -> Draining -> Closed state machine
type Coordinator struct {
	state atomic.Int32
}

// State returns the current state
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// BeginDrain moves Running to Draining. Only the first caller gets true.
func (c *Coordinator) BeginDrain() bool {
	return c.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
}

// Finish moves to Closed
func (c *Coordinator) Finish() {
	c.state.Store(int32(StateClosed))
}

// Check returns ErrShutdown unless running
func (c *Coordinator) Check() error {
	if c.State() != StateRunning {
		return ErrShutdown
	}
	return nil
}
