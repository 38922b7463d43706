package events

import (
	"context"
	"sync"

	"github.com/haasonsaas/sessiond/pkg/models"
)

// MemoryStore is an in-memory Store for tests and ephemeral sessions.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]models.Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]models.Event)}
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append(s.sessions[sessionID], *event)
	return nil
}

func (s *MemoryStore) Read(_ context.Context, sessionID string, start, end int64) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Event
	for _, e := range s.sessions[sessionID] {
		if e.ID < start {
			continue
		}
		if end > 0 && e.ID > end {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) LastID(_ context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.sessions[sessionID]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].ID, nil
}

func (s *MemoryStore) Close() error { return nil }
