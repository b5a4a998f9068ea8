package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Статусы State Machine транзакции
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// PolicyTrace — слепок решения Policy Engine на момент резервирования.
// Сохраняется в транзакции для аудита ("почему этот платеж пропустили").
type PolicyTrace struct {
	Approved        bool     `json:"approved"`
	AppliedPolicies []string `json:"applied_policies,omitempty"`
	BlockedBy       string   `json:"blocked_by,omitempty"`
}

// Transaction — запись в append-only журнале казначейства.
// Создается в статусе pending в момент резервирования средств,
// дальше переходит только в confirmed или failed. Инвариант:
// ConfirmedAt != nil <=> Status == confirmed.
type Transaction struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id"`
	From         string          `json:"from"`
	To           string          `json:"to"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Status       TxStatus        `json:"status"`
	Category     string          `json:"category,omitempty"`
	Description  string          `json:"description,omitempty"`
	PolicyResult *PolicyTrace    `json:"policy_result,omitempty"`
	TxHash       string          `json:"tx_hash,omitempty"` // proof от settlement-провайдера
	CreatedAt    time.Time       `json:"created_at"`
	ConfirmedAt  *time.Time      `json:"confirmed_at,omitempty"`
}

// Balance — состояние кастодиального кошелька.
// Инвариант: Available = Total - Reserved, оба неотрицательные.
type Balance struct {
	Total     decimal.Decimal `json:"total"`
	Reserved  decimal.Decimal `json:"reserved"`
	Available decimal.Decimal `json:"available"`
	Currency  string          `json:"currency"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// HistoryFilter — выборка из журнала транзакций.
type HistoryFilter struct {
	OwnerID  string
	Status   TxStatus // пустой = любой
	Category string   // пустой = любая
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// SpendingAnalytics — агрегаты расходов владельца (для /api/treasury/analytics).
type SpendingAnalytics struct {
	SpentToday     decimal.Decimal            `json:"spent_today"`
	SpentThisMonth decimal.Decimal            `json:"spent_this_month"`
	ByCategory     map[string]decimal.Decimal `json:"by_category"` // текущий месяц
	TxConfirmed    int                        `json:"tx_confirmed"`
	TxFailed       int                        `json:"tx_failed"`
}
