package session

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultIdleTTL is how long a session survives without activity.
const DefaultIdleTTL = 3600 * time.Second

// DefaultContextBudget is the per-session buffer budget in characters.
const DefaultContextBudget = 32000

// Session is one tenant conversation. The commit mutex serializes task
// commits so concurrent requests against the same session cannot
// interleave buffer writes.
type Session struct {
	ID        string
	CreatedAt time.Time
	Buffer    *ContextBuffer

	mu sync.Mutex

	// Mode-specific side state, guarded by the commit mutex.
	Mode         string
	LastAnalysis json.RawMessage // structured result of the last analyze run
	LastTemplate string          // last generated template, for revisions
	WorkingSpec  string          // accumulated requirements text

	lastTouch time.Time // guarded by the owning store's mutex
}

// Lock acquires the session's commit mutex.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session's commit mutex.
func (s *Session) Unlock() { s.mu.Unlock() }

// Store manages sessions with idle-TTL eviction. A background sweeper
// removes sessions that have not been touched within the TTL.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	budget   int
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewStore creates a session store and starts its eviction sweeper.
// ttl <= 0 uses DefaultIdleTTL; budget <= 0 uses DefaultContextBudget.
func NewStore(ttl time.Duration, budget int) *Store {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	if budget <= 0 {
		budget = DefaultContextBudget
	}
	st := &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		budget:   budget,
		done:     make(chan struct{}),
	}
	st.wg.Add(1)
	go st.sweep()
	return st
}

// GetOrCreate returns the session for id, creating it when absent. An
// empty id mints a fresh UUID. The second return is true when a new
// session was created. Lookup-or-create is atomic: two concurrent calls
// with the same id observe the same session.
func (s *Store) GetOrCreate(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if sess, ok := s.sessions[id]; ok {
			sess.lastTouch = time.Now()
			return sess, false
		}
	} else {
		id = uuid.NewString()
	}

	now := time.Now()
	sess := &Session{
		ID:        id,
		CreatedAt: now,
		Buffer:    NewContextBuffer(s.budget),
		lastTouch: now,
	}
	s.sessions[id] = sess
	log.Printf("[Session] Created %s (ttl=%v)", id, s.ttl)
	return sess, true
}

// Get returns an existing session without creating one.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Touch resets a session's idle clock.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.lastTouch = time.Now()
	}
}

// Delete removes a session. Removing a missing id is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		delete(s.sessions, id)
		log.Printf("[Session] Deleted %s", id)
	}
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close stops the eviction sweeper. Sessions remain readable.
func (s *Store) Close() {
	close(s.done)
	s.wg.Wait()
}

// sweep evicts idle sessions at half-TTL cadence.
func (s *Store) sweep() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictIdle()
		}
	}
}

func (s *Store) evictIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.ttl)
	for id, sess := range s.sessions {
		if sess.lastTouch.Before(cutoff) {
			delete(s.sessions, id)
			log.Printf("[Session] Evicted %s (idle > %v)", id, s.ttl)
		}
	}
}
