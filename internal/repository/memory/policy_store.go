// Package memory — in-memory реализация хранилищ. Используется в тестах
// и в демо-режиме (storage: memory), когда поднимать Postgres негде.
// Контракты идентичны postgres-репозиториям.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/treasury-gate/internal/domain"
)

type PolicyStore struct {
	mu       sync.RWMutex
	policies map[string]domain.Policy
}

func NewPolicyStore() *PolicyStore {
	return &PolicyStore{policies: map[string]domain.Policy{}}
}

func (s *PolicyStore) Create(_ context.Context, p *domain.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.policies[p.ID] = clonePolicy(*p)
	return nil
}

func (s *PolicyStore) GetByID(_ context.Context, ownerID, id string) (*domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok || p.OwnerID != ownerID {
		return nil, nil
	}
	out := clonePolicy(p)
	return &out, nil
}

func (s *PolicyStore) ListByOwner(_ context.Context, ownerID string) ([]domain.Policy, error) {
	return s.listFiltered(ownerID, false), nil
}

func (s *PolicyStore) ListEnabledByOwner(_ context.Context, ownerID string) ([]domain.Policy, error) {
	return s.listFiltered(ownerID, true), nil
}

func (s *PolicyStore) Update(_ context.Context, p *domain.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.policies[p.ID]
	if !ok || existing.OwnerID != p.OwnerID {
		return domain.ErrPolicyNotFound
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now()
	s.policies[p.ID] = clonePolicy(*p)
	return nil
}

func (s *PolicyStore) Delete(_ context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[id]
	if !ok || p.OwnerID != ownerID {
		return domain.ErrPolicyNotFound
	}
	delete(s.policies, id)
	return nil
}

func (s *PolicyStore) listFiltered(ownerID string, enabledOnly bool) []domain.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Policy
	for _, p := range s.policies {
		if p.OwnerID != ownerID {
			continue
		}
		if enabledOnly && !p.Enabled {
			continue
		}
		out = append(out, clonePolicy(p))
	}
	// Как в postgres: политики в порядке создания
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func clonePolicy(p domain.Policy) domain.Policy {
	rules := make([]domain.Rule, len(p.Rules))
	copy(rules, p.Rules)
	p.Rules = rules
	return p
}
