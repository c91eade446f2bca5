package engine

import (
	"context"
	"log/slog"
	"sync"
)

// State is the readiness of the engine subprocess.
type State int

const (
	StateInit State = iota
	StateLoading
	StateReady
	StateRunning
	StateDown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateLoading:
		return "LOADING"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateDown:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

// StateMachine tracks engine readiness. Only the engine's output reader and
// its supervisor move it; everything else reads.
type StateMachine struct {
	mu      sync.Mutex
	state   State
	changed chan struct{} // closed and replaced on every transition
	logger  *slog.Logger
}

// NewStateMachine returns a machine in StateInit.
func NewStateMachine(logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{
		state:   StateInit,
		changed: make(chan struct{}),
		logger:  logger,
	}
}

// Current returns the current state.
func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Wait blocks until the machine reaches want, enters StateDown, or ctx ends.
// It returns the state observed on return.
func (m *StateMachine) Wait(ctx context.Context, want State) (State, error) {
	for {
		m.mu.Lock()
		state, changed := m.state, m.changed
		m.mu.Unlock()

		if state == want || state == StateDown {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-changed:
		}
	}
}

func allowed(from, to State) bool {
	if from == StateDown {
		return false
	}
	switch to {
	case StateLoading:
		return from == StateInit
	case StateReady:
		return from == StateInit || from == StateLoading || from == StateRunning
	case StateRunning:
		return from == StateReady
	case StateDown:
		return true
	}
	return false
}

// transition moves to the given state if the move is legal and reports
// whether the state changed.
func (m *StateMachine) transition(to State) bool {
	m.mu.Lock()
	from := m.state
	if from == to || !allowed(from, to) {
		m.mu.Unlock()
		if from != to {
			m.logger.Debug("ignoring engine state transition", "from", from.String(), "to", to.String())
		}
		return false
	}
	m.state = to
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	switch {
	case to == StateDown:
		m.logger.Error("engine state changed", "from", from.String(), "to", to.String())
	case to == StateRunning, from == StateRunning:
		// once per request
		m.logger.Debug("engine state changed", "from", from.String(), "to", to.String())
	default:
		m.logger.Info("engine state changed", "from", from.String(), "to", to.String())
	}
	return true
}
