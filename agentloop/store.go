package agentloop

import (
	"context"
	"fmt"
	"sync"
)

// SessionStore is the persistence contract. The core writes committed
// turns through it and never touches storage directly.
type SessionStore interface {
	AppendTurn(ctx context.Context, sessionID string, turn Turn) error
	LoadSession(ctx context.Context, sessionID string) ([]Turn, error)
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Turn
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Turn)}
}

func (s *MemoryStore) AppendTurn(ctx context.Context, sessionID string, turn Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append(s.sessions[sessionID], turn)
	return nil
}

func (s *MemoryStore) LoadSession(ctx context.Context, sessionID string) ([]Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return append([]Turn(nil), turns...), nil
}

// ResumeSession loads a stored session into a fresh history.
func ResumeSession(ctx context.Context, store SessionStore, sessionID string) (*History, error) {
	turns, err := store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("resuming session %s: %w", sessionID, err)
	}
	return NewHistory(turns...), nil
}
