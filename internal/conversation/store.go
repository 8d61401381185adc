package conversation

import (
	"log"
	"sync"
	"time"
)

// DefaultSessionTTL is how long an abandoned flow is kept.
const DefaultSessionTTL = 10 * time.Minute

// Session is a user's pending flow.
type Session struct {
	Flow      State
	CreatedAt time.Time
}

// Store holds at most one Session per user. Idle users have no entry.
type Store struct {
	mu       sync.Mutex
	sessions map[int64]Session

	// TTL is the age after which a session is treated as abandoned. Zero
	// disables expiry.
	TTL time.Duration

	now func() time.Time
}

// NewStore creates an empty store with the given TTL.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		sessions: make(map[int64]Session),
		TTL:      ttl,
		now:      time.Now,
	}
}

// Get returns the user's current state. Expired sessions read as Idle and
// are removed.
func (s *Store) Get(userID int64) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return Idle
	}
	if s.expiredLocked(sess) {
		delete(s.sessions, userID)
		return Idle
	}
	return sess.Flow
}

// Set starts or replaces the user's flow. Setting Idle removes the entry.
func (s *Store) Set(userID int64, flow State) {
	if flow == Idle {
		s.Delete(userID)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[userID] = Session{Flow: flow, CreatedAt: s.now()}
}

// Delete removes the user's session, if any.
func (s *Store) Delete(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
}

// Lookup returns the raw session for userID without applying expiry.
func (s *Store) Lookup(userID int64) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	return sess, ok
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep removes sessions older than TTL and returns how many it removed.
// Should be called periodically.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if s.expiredLocked(sess) {
			log.Printf("[conversation] expiring %s flow of user %d (started %s)",
				sess.Flow, id, sess.CreatedAt.Format(time.RFC3339))
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *Store) expiredLocked(sess Session) bool {
	return s.TTL > 0 && s.now().Sub(sess.CreatedAt) > s.TTL
}
