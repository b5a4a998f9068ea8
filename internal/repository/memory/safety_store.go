package memory

import (
	"context"
	"sync"

	"github.com/xela07ax/treasury-gate/internal/domain"
)

type SafetyStore struct {
	mu     sync.RWMutex
	paused bool
	owners map[string]domain.OwnerSafety
}

func NewSafetyStore() *SafetyStore {
	return &SafetyStore{owners: map[string]domain.OwnerSafety{}}
}

func (s *SafetyStore) GlobalPaused(_ context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused, nil
}

func (s *SafetyStore) SetGlobalPaused(_ context.Context, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
	return nil
}

func (s *SafetyStore) OwnerSafety(_ context.Context, ownerID string) (domain.OwnerSafety, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if owner, ok := s.owners[ownerID]; ok {
		return owner, nil
	}
	// Новый владелец получает дефолты: Safe Mode включен
	return domain.OwnerSafety{SafeModeEnabled: true}, nil
}

func (s *SafetyStore) SetOwnerSafety(_ context.Context, ownerID string, owner domain.OwnerSafety) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[ownerID] = owner
	return nil
}

func (s *SafetyStore) ListSafeModeOwners(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var owners []string
	for id, owner := range s.owners {
		if owner.SafeModeEnabled {
			owners = append(owners, id)
		}
	}
	return owners, nil
}
