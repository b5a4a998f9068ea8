package domain

import (
	"github.com/shopspring/decimal"
)

// FailureKind — таксономия отказов. Это не исключения: каждая категория
// возвращается клиенту как структурированный результат, чтобы фронт
// мог отличить "политика не пустила" от "провайдер упал".
type FailureKind string

const (
	FailValidation     FailureKind = "validation_error"
	FailPolicyBlocked  FailureKind = "policy_blocked"
	FailSafetyPaused   FailureKind = "safety_paused"
	FailApprovalNeeded FailureKind = "approval_required"
	FailInsufficient   FailureKind = "insufficient_funds"
	FailWalletMissing  FailureKind = "wallet_uninitialized"
	FailTransfer       FailureKind = "transfer_failed"
	FailChallengeParse FailureKind = "challenge_parse_error"
	FailProtocol       FailureKind = "protocol_error"
)

// ValidationContext — вход Policy Engine: что за платеж проверяем.
type ValidationContext struct {
	OwnerID     string
	Amount      decimal.Decimal
	Recipient   string
	Category    string
	Description string
	// Approved — одноразовое явное подтверждение для Safe Mode.
	Approved bool
}

// PaymentRequest — запрос на исполнение платежа.
type PaymentRequest struct {
	OwnerID     string            `json:"owner_id"`
	Recipient   string            `json:"recipient"`
	Amount      decimal.Decimal   `json:"amount"`
	Category    string            `json:"category,omitempty"`
	Description string            `json:"description,omitempty"`
	Approved    bool              `json:"approved,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PaymentStatus — итог попытки платежа.
type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// PaymentResult — структурированный итог Payment Executor.
// Ошибки доменного уровня (политика, лимиты, провайдер) живут здесь,
// а не в error: error оставляем для инфраструктурных сбоев.
type PaymentResult struct {
	Status        PaymentStatus      `json:"status"`
	TransactionID string             `json:"transaction_id,omitempty"`
	TxHash        string             `json:"tx_hash,omitempty"`
	Amount        decimal.Decimal    `json:"amount"`
	Recipient     string             `json:"recipient,omitempty"`
	Failure       FailureKind        `json:"failure,omitempty"`
	Error         string             `json:"error,omitempty"`
	Policy        *ValidationSummary `json:"policy,omitempty"`
}

// OwnerSafety — per-owner флаги безопасности.
type OwnerSafety struct {
	SafeModeEnabled   bool `json:"safe_mode_enabled"`
	HasApprovedOnce   bool `json:"has_approved_once"`
	AutoBudgetEnabled bool `json:"auto_budget_enabled"`
}

// SafetyStatus — полное состояние предохранителей, отдается в /api/treasury/safety.
type SafetyStatus struct {
	PaymentsPaused bool        `json:"payments_paused"`
	Owner          OwnerSafety `json:"owner"`
}
