package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Identity is a minted participant identity, handed to the credential gate
// for token issuance. IsHost is fixed at creation and never transferred.
type Identity struct {
	UserID   string
	Username string
	IsHost   bool
}

// Registry owns the code -> Session mapping.
//
// The registry lock guards only the map; it is never held while a session
// lock is taken, so registry and per-session serialization cannot deadlock.
type Registry struct {
	log    *slog.Logger
	limits Limits

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs a Registry with the given limits (zero fields fall
// back to defaults).
func NewRegistry(log *slog.Logger, limits Limits) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		limits:   limits.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

// Limits returns the effective limits.
func (r *Registry) Limits() Limits { return r.limits }

// Create validates the host display name, mints a unique code and a host
// identity, and registers a new Active session.
func (r *Registry) Create(hostName string, now time.Time) (*Session, Identity, error) {
	if err := r.validateName(hostName); err != nil {
		return nil, Identity{}, err
	}

	host := Identity{
		UserID:   uuid.NewString(),
		Username: hostName,
		IsHost:   true,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < r.limits.CodeAttempts; attempt++ {
		code, err := newCode()
		if err != nil {
			return nil, Identity{}, err
		}
		if _, taken := r.sessions[code]; taken {
			continue
		}

		s := newSession(r.log, code, host.UserID, hostName, r.limits, now)
		r.sessions[code] = s

		metricSessionsCreated.Inc()
		metricSessionsActive.Inc()
		r.log.Info("session.create", "code", code, "host", hostName)
		return s, host, nil
	}

	return nil, Identity{}, ErrCodeExhausted
}

// Join validates the request against the session's current state and mints a
// non-host identity bound to the code. It does not attach a connection.
func (r *Registry) Join(code, username string) (*Session, Identity, error) {
	if err := r.validateName(username); err != nil {
		return nil, Identity{}, err
	}

	s, ok := r.Lookup(code)
	if !ok {
		return nil, Identity{}, ErrNotFound
	}
	if err := s.admit(); err != nil {
		return nil, Identity{}, err
	}

	return s, Identity{
		UserID:   uuid.NewString(),
		Username: username,
		IsHost:   false,
	}, nil
}

// Lookup returns the session for a code, if present.
func (r *Registry) Lookup(code string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[code]
	return s, ok
}

// Delete removes a session from the registry. Idempotent: the metrics and
// timer teardown run exactly once per session no matter how many callers
// race the removal.
func (r *Registry) Delete(code, reason string) bool {
	r.mu.Lock()
	s, ok := r.sessions[code]
	if ok {
		delete(r.sessions, code)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	s.mu.Lock()
	s.deleted = true
	s.cancelCleanupLocked()
	s.mu.Unlock()

	metricSessionsActive.Dec()
	metricSessionsDeleted.WithLabelValues(reason).Inc()
	r.log.Info("session.delete", "code", code, "reason", reason)
	return true
}

// Snapshot returns the current sessions without holding the map lock during
// per-session work.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// validateName enforces the display name rule: 1..MaxNameChars runes from
// [A-Za-z0-9 _-].
func (r *Registry) validateName(name string) error {
	runes := []rune(name)
	if len(runes) == 0 || len(runes) > r.limits.MaxNameChars {
		return ErrInvalidName
	}
	for _, c := range runes {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == ' ' || c == '_' || c == '-':
		default:
			return ErrInvalidName
		}
	}
	return nil
}
