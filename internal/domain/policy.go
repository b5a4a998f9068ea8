package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuleKind — закрытое множество типов правил. Новый тип правила добавляется
// сюда и в evaluator; неизвестный тип на входе — это ошибка конфигурации,
// а не "молчаливый пропуск" (Fail Closed).
type RuleKind string

const (
	RuleMaxPerTransaction RuleKind = "maxPerTransaction"
	RuleDailyLimit        RuleKind = "dailyLimit"
	RuleMonthlyBudget     RuleKind = "monthlyBudget"
	RuleVendorWhitelist   RuleKind = "vendorWhitelist"
	RuleCategoryLimit     RuleKind = "categoryLimit"
)

// RuleParams — параметры правила. Заполняются поля только своего типа,
// остальные остаются nil. Суммы храним как decimal, чтобы сравнение
// с лимитом не плыло на float64.
type RuleParams struct {
	Max       *decimal.Decimal           `json:"max,omitempty"`       // maxPerTransaction
	Limit     *decimal.Decimal           `json:"limit,omitempty"`     // dailyLimit
	Budget    *decimal.Decimal           `json:"budget,omitempty"`    // monthlyBudget
	Addresses []string                   `json:"addresses,omitempty"` // vendorWhitelist
	Limits    map[string]decimal.Decimal `json:"limits,omitempty"`    // categoryLimit: категория -> лимит за месяц
}

// Rule — одно ограничение внутри политики. Значение неизменяемое:
// правило живет и умирает вместе со своей политикой.
type Rule struct {
	Type   RuleKind   `json:"type"`
	Params RuleParams `json:"params"`
}

// Policy — именованный набор правил одного владельца (tenant).
// Платеж одобряется, только если ВСЕ включенные политики владельца прошли.
type Policy struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	Rules       []Rule    `json:"rules"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PolicyCheck — результат прогона одной политики (для observability
// сохраняем результат каждой, даже когда решение уже "отказ").
type PolicyCheck struct {
	PolicyID   string   `json:"policy_id"`
	PolicyName string   `json:"policy_name"`
	Passed     bool     `json:"passed"`
	FailedRule RuleKind `json:"failed_rule,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// ValidationSummary — итоговое решение Policy Engine по платежу.
type ValidationSummary struct {
	Approved  bool          `json:"approved"`
	Results   []PolicyCheck `json:"results"`
	BlockedBy string        `json:"blocked_by,omitempty"` // имя политики либо "Kill Switch"/"Safe Mode"
}

// Имена системных гейтов в BlockedBy. Это не политики из БД,
// а process-wide предохранители.
const (
	BlockedByKillSwitch = "Kill Switch"
	BlockedBySafeMode   = "Safe Mode"
)
