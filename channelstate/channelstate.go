// Package channelstate implements the channel deployment/run state machine:
// a validTransitions adjacency map plus an IsValidTransition helper, and a
// mutex-guarded Machine per channel.
package channelstate

import (
	"sync"

	"github.com/jeeves-cluster-organization/channelengine/ceerrors"
)

// State is one node of the channel lifecycle. The three DEPLOYED
// substates (STOPPED, STARTED, PAUSED) are modeled as distinct States
// rather than a nested field, since every transition table entry differs
// per substate anyway.
type State string

const (
	StateUndeployed      State = "UNDEPLOYED"
	StateDeploying       State = "DEPLOYING"
	StateDeployedStopped State = "DEPLOYED_STOPPED"
	StateDeployedStarted State = "DEPLOYED_STARTED"
	StateDeployedPaused  State = "DEPLOYED_PAUSED"
	StateHalting         State = "HALTING"
	StateUndeploying     State = "UNDEPLOYING"
)

// IsDeployed reports whether s is any of the three DEPLOYED substates.
func (s State) IsDeployed() bool {
	switch s {
	case StateDeployedStopped, StateDeployedStarted, StateDeployedPaused:
		return true
	default:
		return false
	}
}

// validTransitions is the lifecycle adjacency map: deploy moves a
// channel from UNDEPLOYED through DEPLOYING into its configured initial
// DEPLOYED substate; start/stop/pause/resume move within the DEPLOYED
// substates; undeploy exits back to UNDEPLOYED, while halt skips the
// graceful drain and lands in DEPLOYED_STOPPED (or in UNDEPLOYED when the
// halt is part of an undeploy).
var validTransitions = map[State]map[State]bool{
	StateUndeployed: {
		StateDeploying: true,
	},
	StateDeploying: {
		StateDeployedStopped: true,
		StateDeployedStarted: true,
		StateDeployedPaused:  true,
		StateUndeployed:      true, // deploy failed
	},
	StateDeployedStopped: {
		StateDeployedStarted: true,
		StateHalting:         true,
		StateUndeploying:     true,
	},
	StateDeployedStarted: {
		StateDeployedStopped: true,
		StateDeployedPaused:  true,
		StateHalting:         true,
		StateUndeploying:     true,
	},
	StateDeployedPaused: {
		StateDeployedStarted: true,
		StateDeployedStopped: true,
		StateHalting:         true,
		StateUndeploying:     true,
	},
	StateHalting: {
		StateDeployedStopped: true, // halt leaves the channel deployed but stopped
		StateUndeployed:      true, // halt issued as part of an undeploy
	},
	StateUndeploying: {
		StateUndeployed: true,
	},
}

// IsValidTransition reports whether moving from `from` to `to` is legal.
func IsValidTransition(from, to State) bool {
	if targets, ok := validTransitions[from]; ok {
		return targets[to]
	}
	return false
}

// Listener is notified after every successful transition, while the
// transition lock is still held, so listeners for two racing transitions
// fire in transition order. A Listener must be quick and must not call
// back into the Machine; the engine controller's listener only records a
// metric and enqueues the StateChanged event on the channel's event bus.
type Listener func(channelID string, from, to State)

// Machine is a mutex-guarded state holder for one channel.
type Machine struct {
	mu        sync.Mutex
	channelID string
	state     State
	listeners []Listener
}

// New returns a Machine starting in UNDEPLOYED.
func New(channelID string) *Machine {
	return &Machine{channelID: channelID, state: StateUndeployed}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AddListener registers a Listener invoked (synchronously) after each
// successful Transition.
func (m *Machine) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Transition moves the machine to `to` if legal from the current state,
// the single-mutator discipline (only the engine controller calls this,
// never a connector or script directly).
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	if !IsValidTransition(from, to) {
		return ceerrors.NewState("channel %s: invalid transition %s -> %s", m.channelID, from, to)
	}
	m.state = to
	for _, l := range m.listeners {
		l(m.channelID, from, to)
	}
	return nil
}
