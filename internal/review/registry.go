package review

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/generations"
)

const defaultSessionTTL = time.Hour

type sessionKey struct {
	userID       string
	generationID int64
}

type session struct {
	machine   *Machine
	expiresAt time.Time
}

// RegistryConfig configures session lifetime.
type RegistryConfig struct {
	TTL   time.Duration
	Clock func() time.Time
}

// Registry keeps open review sessions in memory, keyed by owner and generation.
type Registry struct {
	mu       sync.Mutex
	ttl      time.Duration
	clock    func() time.Time
	sessions map[sessionKey]*session
}

// NewRegistry builds an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{ttl: ttl, clock: clock, sessions: make(map[sessionKey]*session)}
}

// Open starts a review session, replacing any earlier one for the same generation.
func (r *Registry) Open(userID string, generationID int64, proposals []generations.Proposal) *Machine {
	machine := NewMachine(userID, generationID, proposals)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	r.sessions[sessionKey{userID: userID, generationID: generationID}] = &session{
		machine:   machine,
		expiresAt: r.clock().Add(r.ttl),
	}
	return machine
}

// Get returns the open session and extends its lifetime.
func (r *Registry) Get(userID string, generationID int64) (*Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	entry, ok := r.sessions[sessionKey{userID: userID, generationID: generationID}]
	if !ok {
		return nil, ErrSessionNotFound
	}
	entry.expiresAt = r.clock().Add(r.ttl)
	return entry.machine, nil
}

// Discard drops the session, if any.
func (r *Registry) Discard(userID string, generationID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionKey{userID: userID, generationID: generationID}
	_, ok := r.sessions[key]
	delete(r.sessions, key)
	return ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	return len(r.sessions)
}

func (r *Registry) sweepLocked() {
	now := r.clock()
	for key, entry := range r.sessions {
		if !now.Before(entry.expiresAt) {
			delete(r.sessions, key)
		}
	}
}
