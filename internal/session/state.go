// Package session owns the device's connection to the session authority:
// connect, resume, heartbeat and disconnect, with an offline fallback to
// the last cached session.
package session

import (
	"errors"
	"time"
)

// State of the session state machine
type State string

const (
	StateUninitialized State = "uninitialized"
	StateConnecting    State = "connecting"
	StateActive        State = "active"
	StateStale         State = "stale"
	StateDisconnecting State = "disconnecting"
	StateTerminated    State = "terminated"
)

var (
	// ErrOffline means the authority is unreachable and nothing is cached for this device
	ErrOffline = errors.New("offline and no cached session for this device")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("session manager closed")
	// ErrNoSession is returned by callers that need a usable session when there is none
	ErrNoSession = errors.New("no active session")
)

// Status is the observable view of the manager
type Status struct {
	State           State     `json:"state"`
	IsConnected     bool      `json:"isConnected"`
	DeviceID        string    `json:"deviceId,omitempty"`
	SessionID       string    `json:"sessionId,omitempty"`
	ConnectedAt     time.Time `json:"connectedAt,omitzero"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt,omitzero"`
	// Resumed is true when the current session was picked up rather than created
	Resumed bool `json:"resumed"`
}

// HasSession reports whether a session is usable (possibly optimistically)
func (s Status) HasSession() bool {
	return s.SessionID != "" && (s.State == StateActive || s.State == StateStale)
}

// Connect outcomes, recorded as a metric attribute
const (
	outcomeCreated = "created"
	outcomeResumed = "resumed"
	outcomeOffline = "offline"
	outcomeFailed  = "failed"
)
