package domain

import (
	"fmt"
	"time"
)

// SessionState is the lifecycle state of a viewer session.
type SessionState int

const (
	StateNegotiating SessionState = iota
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Terminal reports whether no further transition may leave s.
func (s SessionState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// TransportState is a connection-state transition reported by a transport.
type TransportState int

const (
	TransportConnecting TransportState = iota
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return fmt.Sprintf("TransportState(%d)", int(s))
	}
}

// SessionKey identifies one incarnation of a session id. Gen is assigned by the
// registry and increases every time an id is created, so events addressed to a
// previous holder of the id never match the current one.
type SessionKey struct {
	ID  string
	Gen uint64
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s#%d", k.ID, k.Gen)
}

// TransportEvent is delivered to the signaling service's event loop.
type TransportEvent struct {
	Key   SessionKey
	State TransportState
	Err   error
	At    time.Time

	// GraceExpired marks synthetic events raised when a disconnected
	// session did not recover in time.
	GraceExpired bool
}

// MediaSample is one timestamped unit produced by a FrameSource. Data is shared
// between every sink and must not be modified.
type MediaSample struct {
	Data      []byte
	Timestamp time.Time
	Duration  time.Duration
}
