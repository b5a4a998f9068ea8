package safety

/*
Файл manager.go — предохранители платежного контура.

Два уровня:
  - Глобальный kill switch (paymentsPaused): мгновенно останавливает ВСЕ
    платежи процесса, не доходя до политик.
  - Per-owner Safe Mode: первый автономный платеж владельца требует
    явного одноразового подтверждения; после него гейт открыт навсегда
    (пока approval не сбросят).

Состояние персистентно в Store, в рантайме проверки идут только по RAM
(Hot Path). Несколько инстансов шлюза синхронизируются через Redis
Pub/Sub: локальный кэш владельца просто инвалидируется по сигналу,
следующий платеж перечитает флаги из Store. Redis опционален (nil) —
тогда работаем в пределах одного процесса.
*/

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/treasury-gate/internal/domain"
	"github.com/xela07ax/treasury-gate/internal/infra"
)

// Store — персистентное хранилище флагов безопасности.
type Store interface {
	GlobalPaused(ctx context.Context) (bool, error)
	SetGlobalPaused(ctx context.Context, paused bool) error
	OwnerSafety(ctx context.Context, ownerID string) (domain.OwnerSafety, error)
	SetOwnerSafety(ctx context.Context, ownerID string, s domain.OwnerSafety) error
	ListSafeModeOwners(ctx context.Context) ([]string, error)
}

type Manager struct {
	mu     sync.RWMutex
	paused bool
	owners map[string]domain.OwnerSafety // L1 кэш

	store  Store
	rdb    *redis.Client // nil = single-instance режим
	logger *zap.Logger
}

func NewManager(store Store, rdb *redis.Client, logger *zap.Logger) *Manager {
	return &Manager{
		owners: make(map[string]domain.OwnerSafety),
		store:  store,
		rdb:    rdb,
		logger: logger.With(zap.String("mod", "safety")),
	}
}

// Init загружает глобальный флаг при старте сервиса.
// Кэш владельцев греется лениво, по первому платежу.
func (m *Manager) Init(ctx context.Context) error {
	paused, err := m.store.GlobalPaused(ctx)
	if err != nil {
		return fmt.Errorf("safety: load global pause flag: %w", err)
	}

	m.mu.Lock()
	m.paused = paused
	m.mu.Unlock()
	return nil
}

// StartListener подписывается на сигналы других инстансов.
func (m *Manager) StartListener(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	ListenStateResilient(ctx, m.rdb, m.logger, infra.RedisChanSafety,
		func() error { return m.Init(ctx) }, // Переподключение = пересинхронизация
		func(id string, status bool) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if id == signalGlobal {
				m.paused = status
				return
			}
			// Для владельца достаточно сбросить кэш: следующий платеж
			// перечитает актуальные флаги из Store
			delete(m.owners, id)
		},
	)
}

// PaymentsPaused — максимально быстрая проверка в Hot Path.
func (m *Manager) PaymentsPaused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

// SetPaused включает/выключает глобальный kill switch.
func (m *Manager) SetPaused(ctx context.Context, paused bool) error {
	if err := m.store.SetGlobalPaused(ctx, paused); err != nil {
		return err
	}

	m.mu.Lock()
	m.paused = paused
	m.mu.Unlock()

	if m.rdb != nil {
		flag := "0"
		if paused {
			flag = "1"
		}
		if err := m.rdb.Set(ctx, infra.RedisKeyPaymentsPaused, flag, 0).Err(); err != nil {
			m.logger.Error("failed to mirror pause flag to redis", zap.Error(err))
		}
	}

	m.publish(ctx, signalGlobal, paused)
	m.logger.Warn("payments pause flag changed", zap.Bool("paused", paused))
	return nil
}

// Owner возвращает флаги владельца (RAM, при промахе — Store).
func (m *Manager) Owner(ctx context.Context, ownerID string) (domain.OwnerSafety, error) {
	m.mu.RLock()
	s, ok := m.owners[ownerID]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := m.store.OwnerSafety(ctx, ownerID)
	if err != nil {
		return domain.OwnerSafety{}, fmt.Errorf("safety: load owner state: %w", err)
	}

	m.mu.Lock()
	m.owners[ownerID] = s
	m.mu.Unlock()
	return s, nil
}

// SetSafeMode включает/выключает гейт одобрения для владельца.
func (m *Manager) SetSafeMode(ctx context.Context, ownerID string, enabled bool) error {
	if err := m.mutateOwner(ctx, ownerID, func(s *domain.OwnerSafety) {
		s.SafeModeEnabled = enabled
	}); err != nil {
		return err
	}

	// Зеркалим множество владельцев в Redis для быстрого старта соседей
	if m.rdb != nil {
		var err error
		if enabled {
			err = m.rdb.SAdd(ctx, infra.RedisKeySafeModeOwners, ownerID).Err()
		} else {
			err = m.rdb.SRem(ctx, infra.RedisKeySafeModeOwners, ownerID).Err()
		}
		if err != nil {
			m.logger.Error("failed to mirror safe mode set to redis", zap.String("owner_id", ownerID), zap.Error(err))
		}
	}
	return nil
}

// SetAutoBudget переключает флаг автоматического бюджетирования.
func (m *Manager) SetAutoBudget(ctx context.Context, ownerID string, enabled bool) error {
	return m.mutateOwner(ctx, ownerID, func(s *domain.OwnerSafety) {
		s.AutoBudgetEnabled = enabled
	})
}

// RecordApproval фиксирует одноразовое подтверждение: последующие
// платежи владельца проходят Safe Mode без переспрашивания.
func (m *Manager) RecordApproval(ctx context.Context, ownerID string) error {
	return m.mutateOwner(ctx, ownerID, func(s *domain.OwnerSafety) {
		s.HasApprovedOnce = true
	})
}

// ResetApproval возвращает владельца к состоянию "нужно подтверждение".
func (m *Manager) ResetApproval(ctx context.Context, ownerID string) error {
	return m.mutateOwner(ctx, ownerID, func(s *domain.OwnerSafety) {
		s.HasApprovedOnce = false
	})
}

const signalGlobal = "global"

func (m *Manager) mutateOwner(ctx context.Context, ownerID string, apply func(*domain.OwnerSafety)) error {
	s, err := m.store.OwnerSafety(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("safety: load owner state: %w", err)
	}

	apply(&s)

	if err := m.store.SetOwnerSafety(ctx, ownerID, s); err != nil {
		return fmt.Errorf("safety: save owner state: %w", err)
	}

	m.mu.Lock()
	m.owners[ownerID] = s
	m.mu.Unlock()

	m.publish(ctx, ownerID, true)
	return nil
}

func (m *Manager) publish(ctx context.Context, id string, status bool) {
	if m.rdb == nil {
		return
	}
	payload := id + ":off"
	if status {
		payload = id + ":on"
	}
	if err := m.rdb.Publish(ctx, infra.RedisChanSafety, payload).Err(); err != nil {
		m.logger.Error("failed to publish safety signal", zap.String("payload", payload), zap.Error(err))
	}
}
