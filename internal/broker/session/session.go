// Package session tracks one live analyzer connection per instrument: its
// protocol kind, connection state and the last native sequence received.
// Sessions are owned by their transport listener; everything here is safe
// for the concurrent snapshot reads the service exposes to operators.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/drblury/labflow/internal/broker/ids"
	"github.com/drblury/labflow/internal/broker/protocol"
)

// State is the connection state of an instrument session.
type State string

const (
	// StateConnected means the transport accepted the connection and is
	// waiting for the instrument to start a transfer.
	StateConnected State = "connected"
	// StateReceiving means a transfer is in progress (ASTM established
	// phase, or an MLLP frame being assembled).
	StateReceiving State = "receiving"
	// StateDisconnected means the session ended; it only lingers in
	// snapshots taken before the registry dropped it.
	StateDisconnected State = "disconnected"
)

// TimeoutError reports that a session was torn down after its idle timeout
// expired. Nothing framed is lost; the instrument retransmits on reconnect.
type TimeoutError struct {
	InstrumentID string
	Idle         time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("labflow: session for %s timed out after %v idle", e.InstrumentID, e.Idle)
}

// Session is the mutable state of one analyzer connection.
type Session struct {
	id           string
	instrumentID string
	kind         protocol.Kind
	remoteAddr   string
	opened       time.Time

	mu           sync.Mutex
	state        State
	lastSequence string
	lastActivity time.Time
	frames       int
	rejected     int
}

// New creates a session in the connected state. The session id is a fresh
// ULID, distinct across reconnects of the same instrument.
func New(instrumentID string, kind protocol.Kind, remoteAddr string) *Session {
	now := time.Now()
	return &Session{
		id:           ids.CreateULID(),
		instrumentID: instrumentID,
		kind:         kind,
		remoteAddr:   remoteAddr,
		opened:       now,
		state:        StateConnected,
		lastActivity: now,
	}
}

// ID returns the unique session id.
func (s *Session) ID() string { return s.id }

// InstrumentID returns the configured instrument identifier.
func (s *Session) InstrumentID() string { return s.instrumentID }

// Kind returns the session's protocol.
func (s *Session) Kind() protocol.Kind { return s.kind }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the session. Disconnected is terminal.
func (s *Session) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return
	}
	s.state = state
	s.lastActivity = time.Now()
}

// Touch records transport activity without a state change, for idle timeout
// accounting.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// FrameReceived records a completed frame and the native sequence it
// carried.
func (s *Session) FrameReceived(nativeSequence string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	if nativeSequence != "" {
		s.lastSequence = nativeSequence
	}
	s.lastActivity = time.Now()
}

// FrameRejected records a frame that was NAKed or rejected.
func (s *Session) FrameRejected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected++
	s.lastActivity = time.Now()
}

// IdleSince returns how long the session has been without activity.
func (s *Session) IdleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// Snapshot is a point-in-time copy of a session for introspection.
type Snapshot struct {
	ID             string        `json:"id"`
	InstrumentID   string        `json:"instrument_id"`
	Protocol       protocol.Kind `json:"protocol"`
	RemoteAddr     string        `json:"remote_addr,omitempty"`
	State          State         `json:"state"`
	LastSequence   string        `json:"last_sequence,omitempty"`
	FramesReceived int           `json:"frames_received"`
	FramesRejected int           `json:"frames_rejected"`
	Opened         time.Time     `json:"opened"`
	LastActivity   time.Time     `json:"last_activity"`
}

// Snapshot copies the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:             s.id,
		InstrumentID:   s.instrumentID,
		Protocol:       s.kind,
		RemoteAddr:     s.remoteAddr,
		State:          s.state,
		LastSequence:   s.lastSequence,
		FramesReceived: s.frames,
		FramesRejected: s.rejected,
		Opened:         s.opened,
		LastActivity:   s.lastActivity,
	}
}
