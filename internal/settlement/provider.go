package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// WalletInfo — реквизиты кастодиального кошелька у провайдера.
type WalletInfo struct {
	Address  string `json:"address"`
	Currency string `json:"currency"`
}

// TransferRequest — поручение на перевод средств.
type TransferRequest struct {
	To       string          `json:"to"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	// IdempotencyKey защищает от двойного списания при ретраях:
	// повторная отправка с тем же ключом не создает второй перевод.
	IdempotencyKey string `json:"idempotency_key"`
}

// TransferReceipt — подтверждение исполненного перевода (proof).
type TransferReceipt struct {
	Hash        string    `json:"hash"` // on-chain hash или внутренний ID провайдера
	ProviderRef string    `json:"provider_ref,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Provider — контракт внешнего settlement-провайдера. Ядру все равно,
// что за ним: блокчейн, кастодиальный API или mock. Требования:
// перевел — отдай proof, не смог — отдай ошибку (включая TransferError
// со структурированной причиной).
type Provider interface {
	Wallet(ctx context.Context) (*WalletInfo, error)
	Balance(ctx context.Context) (decimal.Decimal, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error)
}
