package ledger

/*
Файл ledger.go — учет средств кастодиального кошелька.

Резервирование существует потому, что settlement асинхронный: между
решением "платим" и подтверждением провайдера проходят секунды. Без
резерва два конкурентных платежа оба увидят достаточный баланс и оба
пройдут — овердрафт. Поэтому Reserve атомарно проверяет и двигает
сумму из available в reserved под мьютексом.

Важное ограничение по конкурентности: лок держится только вокруг
check-and-mutate. Сетевые вызовы к провайдеру (refresh баланса)
выполняются вне лока, иначе один медленный HTTP-запрос заморозит все
платежи процесса.

Учет резерва глобальный на кошелек, а не per-owner: кошелек у
провайдера один на всех арендаторов, и крупный платеж одного владельца
временно уменьшает видимую доступность остальных. Это осознанное
упрощение, шардировать можно только вместе с кошельками провайдера.
*/

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xela07ax/treasury-gate/internal/domain"
)

// BalanceSource — то, что леджеру нужно от settlement-провайдера.
type BalanceSource interface {
	Balance(ctx context.Context) (decimal.Decimal, error)
}

type Ledger struct {
	mu        sync.Mutex
	total     decimal.Decimal
	reserved  decimal.Decimal
	fetchedAt time.Time

	currency string
	ttl      time.Duration
	source   BalanceSource
	logger   *zap.Logger
}

func New(source BalanceSource, currency string, ttl time.Duration, logger *zap.Logger) *Ledger {
	return &Ledger{
		source:   source,
		currency: currency,
		ttl:      ttl,
		logger:   logger.Named("ledger"),
	}
}

// Balance возвращает текущее состояние. Если кэш протух (или force),
// сначала подтягиваем total у провайдера. Резерв при refresh не трогаем:
// он отражает наши собственные незавершенные платежи.
func (l *Ledger) Balance(ctx context.Context, force bool) (domain.Balance, error) {
	l.mu.Lock()
	stale := force || l.fetchedAt.IsZero() || time.Since(l.fetchedAt) > l.ttl
	l.mu.Unlock()

	if stale {
		if err := l.Refresh(ctx); err != nil {
			l.mu.Lock()
			neverFetched := l.fetchedAt.IsZero()
			l.mu.Unlock()
			if neverFetched {
				return domain.Balance{}, err
			}
			// Есть прошлое значение — отдаем его, refresh попробуем в следующий раз
			l.logger.Warn("balance refresh failed, serving cached value", zap.Error(err))
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked(), nil
}

// Refresh синхронно забирает баланс у провайдера. Вызов сети — ВНЕ лока.
func (l *Ledger) Refresh(ctx context.Context) error {
	total, err := l.source.Balance(ctx)
	if err != nil {
		return fmt.Errorf("ledger: fetch provider balance: %w", err)
	}

	l.mu.Lock()
	l.total = total
	l.fetchedAt = time.Now()
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.logger.Debug("balance refreshed",
		zap.String("total", snap.Total.String()),
		zap.String("reserved", snap.Reserved.String()),
	)
	return nil
}

// Reserve атомарно удерживает amount, если available хватает.
// false = резерв не взят, состояние не изменилось.
func (l *Ledger) Reserve(amount decimal.Decimal) bool {
	if !amount.IsPositive() {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	available := l.total.Sub(l.reserved)
	if amount.GreaterThan(available) {
		return false
	}
	l.reserved = l.reserved.Add(amount)
	return true
}

// Release возвращает удержание в available. Идемпотентна к пере-release:
// резерв никогда не уходит ниже нуля.
func (l *Ledger) Release(amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if amount.GreaterThan(l.reserved) {
		amount = l.reserved
	}
	l.reserved = l.reserved.Sub(amount)
}

// Reserved — текущее удержание (для метрик и тестов).
func (l *Ledger) Reserved() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved
}

func (l *Ledger) snapshotLocked() domain.Balance {
	return domain.Balance{
		Total:     l.total,
		Reserved:  l.reserved,
		Available: l.total.Sub(l.reserved),
		Currency:  l.currency,
		FetchedAt: l.fetchedAt,
	}
}
