package policy

/*
Файл engine.go — Policy Engine, точка принятия решения по платежу.

Порядок проверок фиксированный и дешевый-сначала:
 1. Глобальный kill switch — RAM-проверка, политики не читаем вообще.
 2. Safe Mode владельца — одноразовое явное подтверждение первого
    автономного платежа.
 3. Все включенные политики владельца, правила внутри политики строго
    по порядку списка: первое упавшее правило закрывает политику,
    остальные ее правила не считаем. Решение — AND по всем политикам,
    но после первой упавшей мы продолжаем прогонять остальные ради
    полной картины в results (observability).

Fail Closed: неизвестный тип правила или битые параметры валят правило
с конфигурационной причиной, а не пропускают платеж.
*/

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xela07ax/treasury-gate/internal/domain"
)

// PolicyStore — что движку нужно от хранилища политик.
type PolicyStore interface {
	ListEnabledByOwner(ctx context.Context, ownerID string) ([]domain.Policy, error)
}

// HistoryReader — агрегация подтвержденных трат по окну времени.
// Окно считается по confirmed_at (fallback created_at); category="" = все.
type HistoryReader interface {
	SumConfirmed(ctx context.Context, ownerID string, since time.Time, category string) (decimal.Decimal, error)
}

// SafetyGate — process-wide и per-owner предохранители.
type SafetyGate interface {
	PaymentsPaused() bool
	Owner(ctx context.Context, ownerID string) (domain.OwnerSafety, error)
	RecordApproval(ctx context.Context, ownerID string) error
}

type Engine struct {
	policies PolicyStore
	history  HistoryReader
	safety   SafetyGate
	logger   *zap.Logger

	// now подменяется в тестах для детерминированных окон
	now func() time.Time
}

func NewEngine(policies PolicyStore, history HistoryReader, safety SafetyGate, logger *zap.Logger) *Engine {
	return &Engine{
		policies: policies,
		history:  history,
		safety:   safety,
		logger:   logger.Named("policy-engine"),
		now:      time.Now,
	}
}

// ValidatePayment прогоняет платеж через гейты и политики.
// error — только инфраструктурные сбои (БД недоступна); отказ политики
// или гейта — это нормальный результат, а не ошибка.
func (e *Engine) ValidatePayment(ctx context.Context, vc domain.ValidationContext) (domain.ValidationSummary, error) {
	// 1. Kill Switch: платежи остановлены целиком, политики не читаем
	if e.safety.PaymentsPaused() {
		return domain.ValidationSummary{
			Approved:  false,
			Results:   []domain.PolicyCheck{},
			BlockedBy: domain.BlockedByKillSwitch,
		}, nil
	}

	// 2. Safe Mode: первый автономный платеж требует явного approved-флага
	owner, err := e.safety.Owner(ctx, vc.OwnerID)
	if err != nil {
		return domain.ValidationSummary{}, err
	}

	approvalPending := owner.SafeModeEnabled && !owner.HasApprovedOnce
	if approvalPending && !vc.Approved {
		return domain.ValidationSummary{
			Approved:  false,
			Results:   []domain.PolicyCheck{},
			BlockedBy: domain.BlockedBySafeMode,
		}, nil
	}

	// 3. Политики владельца, в порядке выдачи стора
	list, err := e.policies.ListEnabledByOwner(ctx, vc.OwnerID)
	if err != nil {
		return domain.ValidationSummary{}, fmt.Errorf("policy engine: list policies: %w", err)
	}

	summary := domain.ValidationSummary{
		Approved: true,
		Results:  make([]domain.PolicyCheck, 0, len(list)),
	}

	for _, p := range list {
		check, err := e.evalPolicy(ctx, p, vc)
		if err != nil {
			return domain.ValidationSummary{}, err
		}

		summary.Results = append(summary.Results, check)
		if !check.Passed && summary.Approved {
			// Первая упавшая политика определяет BlockedBy,
			// но остальные продолжаем считать для results
			summary.Approved = false
			summary.BlockedBy = p.Name
		}
	}

	// Одобрение состоялось — фиксируем одноразовый approval Safe Mode
	if summary.Approved && approvalPending {
		if err := e.safety.RecordApproval(ctx, vc.OwnerID); err != nil {
			return domain.ValidationSummary{}, fmt.Errorf("policy engine: record approval: %w", err)
		}
		e.logger.Info("safe mode approval recorded", zap.String("owner_id", vc.OwnerID))
	}

	if !summary.Approved {
		e.logger.Info("payment blocked",
			zap.String("owner_id", vc.OwnerID),
			zap.String("blocked_by", summary.BlockedBy),
			zap.String("amount", vc.Amount.String()),
		)
	}

	return summary, nil
}

// evalPolicy прогоняет правила политики по порядку до первого отказа.
func (e *Engine) evalPolicy(ctx context.Context, p domain.Policy, vc domain.ValidationContext) (domain.PolicyCheck, error) {
	check := domain.PolicyCheck{
		PolicyID:   p.ID,
		PolicyName: p.Name,
		Passed:     true,
	}

	for _, rule := range p.Rules {
		passed, reason, err := e.evalRule(ctx, rule, vc)
		if err != nil {
			return domain.PolicyCheck{}, fmt.Errorf("policy %q rule %s: %w", p.Name, rule.Type, err)
		}
		if !passed {
			check.Passed = false
			check.FailedRule = rule.Type
			check.Reason = reason
			break // short-circuit: остальные правила этой политики не считаем
		}
	}

	return check, nil
}
