package settlement

import (
	"context"
	"math/rand/v2" // Используем v2 для Go 1.25
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MockProvider имитирует кастодиального провайдера для локальной
// разработки, демо и тестов. Ведет собственный баланс, помнит ключи
// идемпотентности и умеет "падать" на специальных адресах получателя.
type MockProvider struct {
	mu       sync.Mutex
	wallet   WalletInfo
	balance  decimal.Decimal
	seen     map[string]*TransferReceipt // idempotency_key -> receipt
	latency  time.Duration               // 0 = случайная задержка 10-60мс
	walletOK bool
}

func NewMockProvider(address, currency string, initial decimal.Decimal) *MockProvider {
	return &MockProvider{
		wallet:   WalletInfo{Address: address, Currency: currency},
		balance:  initial,
		seen:     make(map[string]*TransferReceipt),
		walletOK: address != "",
	}
}

// SetLatency фиксирует задержку переводов (для детерминированных тестов).
func (m *MockProvider) SetLatency(d time.Duration) { m.latency = d }

func (m *MockProvider) Wallet(_ context.Context) (*WalletInfo, error) {
	if !m.walletOK {
		return nil, ErrWalletUninitialized
	}
	w := m.wallet
	return &w, nil
}

func (m *MockProvider) Balance(_ context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}

func (m *MockProvider) Transfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error) {
	if !m.walletOK {
		return nil, ErrWalletUninitialized
	}

	// Имитируем сетевую задержку провайдера
	latency := m.latency
	if latency == 0 {
		latency = time.Duration(10+rand.IntN(50)) * time.Millisecond
	}
	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Специальные адреса для отработки сценариев отказа
	lower := strings.ToLower(req.To)
	switch {
	case strings.Contains(lower, "dead"):
		return nil, &TransferError{Code: "recipient_rejected", Message: "recipient address rejected the transfer"}
	case strings.Contains(lower, "slow"):
		// Висим до таймаута вызывающей стороны
		<-ctx.Done()
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Идемпотентность: повторный перевод с тем же ключом не списывает второй раз
	if req.IdempotencyKey != "" {
		if receipt, ok := m.seen[req.IdempotencyKey]; ok {
			r := *receipt
			return &r, nil
		}
	}

	if req.Amount.GreaterThan(m.balance) {
		return nil, &TransferError{Code: "insufficient_balance", Message: "provider balance is too low"}
	}

	m.balance = m.balance.Sub(req.Amount)
	receipt := &TransferReceipt{
		Hash:        "0x" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		ProviderRef: uuid.New().String(),
		CompletedAt: time.Now(),
	}
	if req.IdempotencyKey != "" {
		m.seen[req.IdempotencyKey] = receipt
	}
	return receipt, nil
}
