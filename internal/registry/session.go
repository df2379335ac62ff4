package registry

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrDuplicateSession = errors.New("registry: session already registered")
	ErrEmptySessionID   = errors.New("registry: empty session id")
)

// Transport is the outbound half of a peer connection.
//
// Send must not block on a slow peer; it either hands the frame off or fails.
// Open reports whether the channel currently accepts writes.
type Transport interface {
	Send(frame []byte) error
	Open() bool
	Close(reason string) error
}

type State int

const (
	StateAccepted State = iota
	StateIdentified
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one live transport connection.
type Session struct {
	id         string
	remoteAddr string
	acceptedAt time.Time
	transport  Transport

	mu        sync.Mutex
	logicalID string
	lastSeen  time.Time
	closed    bool
}

func (s *Session) ID() string            { return s.id }
func (s *Session) RemoteAddr() string    { return s.remoteAddr }
func (s *Session) AcceptedAt() time.Time { return s.acceptedAt }

// LogicalID returns the peer-announced identity and whether it has been set.
func (s *Session) LogicalID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logicalID, s.logicalID != ""
}

func (s *Session) LastSeenAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return StateClosed
	case s.logicalID != "":
		return StateIdentified
	default:
		return StateAccepted
	}
}

// Open reports whether frames can currently be delivered to the session.
func (s *Session) Open() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	return !closed && s.transport != nil && s.transport.Open()
}

// Send hands frame to the session's transport.
func (s *Session) Send(frame []byte) error {
	return s.transport.Send(frame)
}

// Close asks the transport to shut down. Registry removal happens when the
// transport reports the closure back to its owner.
func (s *Session) Close(reason string) error {
	return s.transport.Close(reason)
}

// assignLogicalID sets the logical ID if unset and reports whether it did.
func (s *Session) assignLogicalID(logicalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logicalID != "" || s.closed {
		return false
	}
	s.logicalID = logicalID
	return true
}

func (s *Session) hasLogicalID(logicalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logicalID == logicalID
}

func (s *Session) touch(at time.Time) {
	s.mu.Lock()
	if at.After(s.lastSeen) {
		s.lastSeen = at
	}
	s.mu.Unlock()
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
