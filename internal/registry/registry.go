package registry

import (
	"iter"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry maps session IDs to live sessions. All methods are safe for
// concurrent use and each is individually atomic.
type Registry struct {
	now func() time.Time

	mu       sync.RWMutex
	sessions *orderedmap.OrderedMap[string, *Session]
}

func New() *Registry {
	return NewWithClock(time.Now)
}

// NewWithClock is New with an injectable time source for accept and
// last-seen timestamps.
func NewWithClock(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		now:      now,
		sessions: orderedmap.New[string, *Session](),
	}
}

// Register inserts a new, unidentified session.
func (r *Registry) Register(sessionID string, transport Transport, remoteAddr string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	now := r.now()
	sess := &Session{
		id:         sessionID,
		remoteAddr: remoteAddr,
		acceptedAt: now,
		transport:  transport,
		lastSeen:   now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions.Get(sessionID); ok {
		return nil, ErrDuplicateSession
	}
	r.sessions.Set(sessionID, sess)
	return sess, nil
}

// Remove deletes the session if present. Removing an absent session is a
// no-op, so duplicate close and error notifications are harmless.
func (r *Registry) Remove(sessionID string) (*Session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions.Delete(sessionID)
	r.mu.Unlock()
	if ok {
		sess.markClosed()
	}
	return sess, ok
}

// AssignLogicalID sets the session's logical ID if it has none yet. It
// reports whether this call performed the assignment; later calls for the
// same session are no-ops.
func (r *Registry) AssignLogicalID(sessionID, logicalID string) bool {
	if logicalID == "" {
		return false
	}
	sess, ok := r.Get(sessionID)
	if !ok {
		return false
	}
	return sess.assignLogicalID(logicalID)
}

// Touch records activity on the session.
func (r *Registry) Touch(sessionID string, at time.Time) bool {
	sess, ok := r.Get(sessionID)
	if !ok {
		return false
	}
	if at.IsZero() {
		at = r.now()
	}
	sess.touch(at)
	return true
}

func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions.Get(sessionID)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions.Len()
}

// AllExcept yields every registered session other than sessionID.
func (r *Registry) AllExcept(sessionID string) iter.Seq[*Session] {
	return func(yield func(*Session) bool) {
		for _, sess := range r.snapshot() {
			if sess.id == sessionID {
				continue
			}
			if !yield(sess) {
				return
			}
		}
	}
}

// All yields every registered session.
func (r *Registry) All() iter.Seq[*Session] {
	return r.AllExcept("")
}

// FindByLogicalID returns the earliest registered session carrying
// logicalID.
func (r *Registry) FindByLogicalID(logicalID string) (*Session, bool) {
	if logicalID == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for pair := r.sessions.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.hasLogicalID(logicalID) {
			return pair.Value, true
		}
	}
	return nil, false
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, r.sessions.Len())
	for pair := r.sessions.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}
