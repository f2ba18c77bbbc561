package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"filestream/internal/backend"
)

// Sessions caches one backend session per handle. Sessions are created on
// first use and live as long as the process.
type Sessions struct {
	pool   *backend.Pool
	logger *slog.Logger

	group    singleflight.Group
	mu       sync.RWMutex
	sessions map[backend.Handle]backend.Session
}

// NewSessions returns an empty cache over pool.
func NewSessions(pool *backend.Pool, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		pool:     pool,
		logger:   logger,
		sessions: make(map[backend.Handle]backend.Session, pool.Len()),
	}
}

// GetOrCreate returns the session for h, creating it exactly once even when
// many requests ask concurrently. Creation failures are not cached.
func (s *Sessions) GetOrCreate(ctx context.Context, h backend.Handle) (backend.Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[h]
	s.mu.RUnlock()
	if ok {
		return session, nil
	}

	created, err, _ := s.group.Do(strconv.Itoa(int(h)), func() (any, error) {
		s.mu.RLock()
		existing, ok := s.sessions[h]
		s.mu.RUnlock()
		if ok {
			return existing, nil
		}
		client, err := s.pool.Client(h)
		if err != nil {
			return nil, err
		}
		// Waiters share this creation, so one caller going away must not
		// fail it for the others.
		session, err := client.NewSession(context.WithoutCancel(ctx))
		if err != nil {
			return nil, fmt.Errorf("create session for %s: %w", client.Name(), err)
		}
		s.mu.Lock()
		s.sessions[h] = session
		s.mu.Unlock()
		s.logger.Debug("created backend session", "backend", h.Label(), "client", client.Name())
		return session, nil
	})
	if err != nil {
		return nil, err
	}
	return created.(backend.Session), nil
}

// Len reports how many sessions exist.
func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
