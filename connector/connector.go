// Package connector is the shared source/destination lifecycle framework:
// concrete transports (mllp, httpconn, dicom, fileconn) implement Source
// or Destination and get start/stop/halt/pause/resume bookkeeping,
// statistics hooks, and panic-safe dispatch for free.
package connector

import (
	"context"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/channelengine/ceerrors"
)

// State is a connector's own running state, independent of (but
// constrained by) the owning channel's ChannelState: a
// connector can only be STARTED while its channel is DEPLOYED.
type State string

const (
	StateStopped State = "STOPPED"
	StateStarted State = "STARTED"
	StatePaused  State = "PAUSED"
)

// RawMessage is what a Source hands to the pipeline engine: the inbound
// bytes plus whatever transport metadata (remote address, MLLP facility,
// association AE title) the connector wants recorded in the source map.
type RawMessage struct {
	Data         []byte
	SourceMap    map[string]any
	ReceivedAt   time.Time
}

// Response is what a Destination returns after a send attempt:
// Status drives terminal/non-terminal classification, StatusCode is a
// transport-specific code (HTTP status, MLLP ack code, DIMSE status) used
// by queueOnResponseStatus.
type Response struct {
	Status     string
	Message    string
	StatusCode int
}

// Source is implemented by inbound transports. The connector's own accept
// or poll loop hands each inbound unit to the pipeline engine, which it
// reaches only through the Dispatcher the engine wires in with
// SetDispatcher.
type Source interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Name() string
}

// Dispatcher is supplied by the engine to a Source so the source package
// never imports the pipeline package directly.
type Dispatcher func(ctx context.Context, msg RawMessage) error

// Destination is implemented by outbound transports.
type Destination interface {
	Send(ctx context.Context, body string, connectorMap map[string]any) (Response, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Name() string
}

// StatisticsHook is invoked after every send/dispatch attempt so the
// engine's store/metrics layers stay in sync without connectors importing
// them directly.
type StatisticsHook func(status string)

// Lifecycle tracks one connector's State with the start/stop/halt/pause/
// resume verbs, guarded by a mutex since channel
// lifecycle events and connector accept loops run on different goroutines.
type Lifecycle struct {
	mu    sync.RWMutex
	state State
}

// NewLifecycle returns a Lifecycle in StateStopped.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateStopped}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Start transitions STOPPED -> STARTED.
func (l *Lifecycle) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStopped {
		return ceerrors.NewState("connector: cannot start from state %s", l.state)
	}
	l.state = StateStarted
	return nil
}

// Stop transitions STARTED or PAUSED -> STOPPED.
func (l *Lifecycle) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStarted && l.state != StatePaused {
		return ceerrors.NewState("connector: cannot stop from state %s", l.state)
	}
	l.state = StateStopped
	return nil
}

// Pause transitions STARTED -> PAUSED: the source stops accepting new
// inbound work but the connector does not disconnect.
func (l *Lifecycle) Pause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStarted {
		return ceerrors.NewState("connector: cannot pause from state %s", l.state)
	}
	l.state = StatePaused
	return nil
}

// Resume transitions PAUSED -> STARTED.
func (l *Lifecycle) Resume() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StatePaused {
		return ceerrors.NewState("connector: cannot resume from state %s", l.state)
	}
	l.state = StateStarted
	return nil
}

// Halt forces STOPPED regardless of current state, for the channel
// HALTING path where connectors must give up without waiting
// for in-flight work to drain.
func (l *Lifecycle) Halt() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateStopped
}

// IsAccepting reports whether a source should currently accept new inbound
// work: true only while STARTED (not PAUSED, not STOPPED).
func (l *Lifecycle) IsAccepting() bool {
	return l.State() == StateStarted
}
