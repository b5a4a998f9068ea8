package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xela07ax/treasury-gate/internal/domain"
)

// evalRule диспатчит правило по типу. Возвращаемая error — только
// инфраструктура (история недоступна); невалидная конфигурация правила
// дает passed=false с причиной (Fail Closed).
func (e *Engine) evalRule(ctx context.Context, rule domain.Rule, vc domain.ValidationContext) (bool, string, error) {
	switch rule.Type {
	case domain.RuleMaxPerTransaction:
		return e.evalMaxPerTransaction(rule, vc)
	case domain.RuleDailyLimit:
		return e.evalDailyLimit(ctx, rule, vc)
	case domain.RuleMonthlyBudget:
		return e.evalMonthlyBudget(ctx, rule, vc)
	case domain.RuleVendorWhitelist:
		return e.evalVendorWhitelist(rule, vc)
	case domain.RuleCategoryLimit:
		return e.evalCategoryLimit(ctx, rule, vc)
	default:
		// Неизвестный тип правила блокирует, а не пропускает
		return false, fmt.Sprintf("Unknown rule type %q", rule.Type), nil
	}
}

func (e *Engine) evalMaxPerTransaction(rule domain.Rule, vc domain.ValidationContext) (bool, string, error) {
	if rule.Params.Max == nil {
		return false, "Rule maxPerTransaction is missing the max parameter", nil
	}
	max := *rule.Params.Max
	if vc.Amount.GreaterThan(max) {
		return false, fmt.Sprintf("Amount $%s exceeds max per transaction limit of $%s",
			vc.Amount.StringFixed(2), max.StringFixed(2)), nil
	}
	return true, "", nil
}

func (e *Engine) evalDailyLimit(ctx context.Context, rule domain.Rule, vc domain.ValidationContext) (bool, string, error) {
	if rule.Params.Limit == nil {
		return false, "Rule dailyLimit is missing the limit parameter", nil
	}
	limit := *rule.Params.Limit

	spent, err := e.history.SumConfirmed(ctx, vc.OwnerID, startOfDay(e.now()), "")
	if err != nil {
		return false, "", fmt.Errorf("sum daily spend: %w", err)
	}
	if spent.Add(vc.Amount).GreaterThan(limit) {
		return false, fmt.Sprintf("Would exceed daily limit of $%s (already spent $%s today)",
			limit.StringFixed(2), spent.StringFixed(2)), nil
	}
	return true, "", nil
}

func (e *Engine) evalMonthlyBudget(ctx context.Context, rule domain.Rule, vc domain.ValidationContext) (bool, string, error) {
	if rule.Params.Budget == nil {
		return false, "Rule monthlyBudget is missing the budget parameter", nil
	}
	budget := *rule.Params.Budget

	spent, err := e.history.SumConfirmed(ctx, vc.OwnerID, startOfMonth(e.now()), "")
	if err != nil {
		return false, "", fmt.Errorf("sum monthly spend: %w", err)
	}
	if spent.Add(vc.Amount).GreaterThan(budget) {
		return false, fmt.Sprintf("Would exceed monthly budget of $%s (already spent $%s this month)",
			budget.StringFixed(2), spent.StringFixed(2)), nil
	}
	return true, "", nil
}

func (e *Engine) evalVendorWhitelist(rule domain.Rule, vc domain.ValidationContext) (bool, string, error) {
	// Пустой whitelist запрещает всех получателей
	if len(rule.Params.Addresses) == 0 {
		return false, "Vendor whitelist is empty, all recipients are blocked", nil
	}
	for _, addr := range rule.Params.Addresses {
		if strings.EqualFold(addr, vc.Recipient) {
			return true, "", nil
		}
	}
	return false, fmt.Sprintf("Recipient %s is not in the vendor whitelist", vc.Recipient), nil
}

func (e *Engine) evalCategoryLimit(ctx context.Context, rule domain.Rule, vc domain.ValidationContext) (bool, string, error) {
	// Категория без лимита проходит: правило ограничивает только то,
	// что в нем перечислено. Пустая map — нет ни одного ограничения,
	// ValidateRules такой конфиг через API не пропустит
	limit, ok := rule.Params.Limits[vc.Category]
	if !ok {
		return true, "", nil
	}

	spent, err := e.history.SumConfirmed(ctx, vc.OwnerID, startOfMonth(e.now()), vc.Category)
	if err != nil {
		return false, "", fmt.Errorf("sum category spend: %w", err)
	}
	if spent.Add(vc.Amount).GreaterThan(limit) {
		return false, fmt.Sprintf("Would exceed %s category limit of $%s (already spent $%s this month)",
			vc.Category, limit.StringFixed(2), spent.StringFixed(2)), nil
	}
	return true, "", nil
}

// Окна считаем в локальной таймзоне процесса: календарный день и
// календарный месяц, не скользящие 24h/30d.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

// ValidateRules проверяет конфиг политики до сохранения: типы правил
// известны, обязательные параметры заданы и положительны.
func ValidateRules(rules []domain.Rule) error {
	if len(rules) == 0 {
		return fmt.Errorf("policy must contain at least one rule")
	}
	for i, rule := range rules {
		if err := validateRule(rule); err != nil {
			return fmt.Errorf("rule %d (%s): %w", i, rule.Type, err)
		}
	}
	return nil
}

func validateRule(rule domain.Rule) error {
	requirePositive := func(name string, v *decimal.Decimal) error {
		if v == nil {
			return fmt.Errorf("missing %s parameter", name)
		}
		if !v.IsPositive() {
			return fmt.Errorf("%s must be positive, got %s", name, v.String())
		}
		return nil
	}

	switch rule.Type {
	case domain.RuleMaxPerTransaction:
		return requirePositive("max", rule.Params.Max)
	case domain.RuleDailyLimit:
		return requirePositive("limit", rule.Params.Limit)
	case domain.RuleMonthlyBudget:
		return requirePositive("budget", rule.Params.Budget)
	case domain.RuleVendorWhitelist:
		if len(rule.Params.Addresses) == 0 {
			return fmt.Errorf("addresses list is empty")
		}
		for _, a := range rule.Params.Addresses {
			if strings.TrimSpace(a) == "" {
				return fmt.Errorf("addresses list contains an empty entry")
			}
		}
		return nil
	case domain.RuleCategoryLimit:
		if len(rule.Params.Limits) == 0 {
			return fmt.Errorf("limits map is empty")
		}
		for cat, limit := range rule.Params.Limits {
			if !limit.IsPositive() {
				return fmt.Errorf("limit for category %q must be positive, got %s", cat, limit.String())
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown rule type")
	}
}
