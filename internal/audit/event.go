package audit

import "time"

// PaymentEvent — одно событие платежного аудита.
// Это observability-журнал ("кто, что, почему пропустили/заблокировали"),
// он дополняет append-only журнал транзакций, а не заменяет его.
type PaymentEvent struct {
	ID      string `json:"id"`       // UUID события
	TraceID string `json:"trace_id"` // Сквозной ID запроса
	OwnerID string `json:"owner_id"` // Чей платеж

	// Параметры платежа
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"` // decimal как строка
	Currency  string `json:"currency"`
	Category  string `json:"category,omitempty"`

	// Результат
	Status     string    `json:"status"`               // "COMPLETED", "FAILED", "BLOCKED"
	BlockedBy  string    `json:"blocked_by,omitempty"` // политика или системный гейт
	TxHash     string    `json:"tx_hash,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}
