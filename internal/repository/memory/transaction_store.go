package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xela07ax/treasury-gate/internal/domain"
)

type TransactionStore struct {
	mu  sync.RWMutex
	txs map[string]domain.Transaction
}

func NewTransactionStore() *TransactionStore {
	return &TransactionStore{txs: map[string]domain.Transaction{}}
}

func (s *TransactionStore) Record(_ context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.ID] = *tx
	return nil
}

func (s *TransactionStore) Confirm(_ context.Context, id, txHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok || tx.Status != domain.TxPending {
		return domain.ErrTransactionNotFound
	}
	tx.Status = domain.TxConfirmed
	tx.TxHash = txHash
	tx.ConfirmedAt = &at
	s.txs[id] = tx
	return nil
}

func (s *TransactionStore) MarkFailed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok || tx.Status != domain.TxPending {
		return domain.ErrTransactionNotFound
	}
	tx.Status = domain.TxFailed
	s.txs[id] = tx
	return nil
}

func (s *TransactionStore) GetByID(_ context.Context, ownerID, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txs[id]
	if !ok || tx.OwnerID != ownerID {
		return nil, nil
	}
	return &tx, nil
}

func (s *TransactionStore) History(_ context.Context, f domain.HistoryFilter) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Transaction
	for _, tx := range s.txs {
		if tx.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != "" && tx.Status != f.Status {
			continue
		}
		if f.Category != "" && tx.Category != f.Category {
			continue
		}
		if !f.Since.IsZero() && tx.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !tx.CreatedAt.Before(f.Until) {
			continue
		}
		out = append(out, tx)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *TransactionStore) SumConfirmed(_ context.Context, ownerID string, since time.Time, category string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := decimal.Zero
	for _, tx := range s.txs {
		if tx.OwnerID != ownerID || tx.Status != domain.TxConfirmed {
			continue
		}
		if category != "" && tx.Category != category {
			continue
		}
		if effectiveTime(tx).Before(since) {
			continue
		}
		sum = sum.Add(tx.Amount)
	}
	return sum, nil
}

func (s *TransactionStore) Analytics(_ context.Context, ownerID string, dayStart, monthStart time.Time) (domain.SpendingAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := domain.SpendingAnalytics{ByCategory: map[string]decimal.Decimal{}}
	for _, tx := range s.txs {
		if tx.OwnerID != ownerID {
			continue
		}
		switch tx.Status {
		case domain.TxFailed:
			out.TxFailed++
			continue
		case domain.TxConfirmed:
			out.TxConfirmed++
		default:
			continue
		}

		at := effectiveTime(tx)
		if at.Before(monthStart) {
			continue
		}
		out.SpentThisMonth = out.SpentThisMonth.Add(tx.Amount)
		if !at.Before(dayStart) {
			out.SpentToday = out.SpentToday.Add(tx.Amount)
		}
		if tx.Category != "" {
			out.ByCategory[tx.Category] = out.ByCategory[tx.Category].Add(tx.Amount)
		}
	}
	return out, nil
}

// effectiveTime — момент, к которому транзакция относится в окнах лимитов
func effectiveTime(tx domain.Transaction) time.Time {
	if tx.ConfirmedAt != nil {
		return *tx.ConfirmedAt
	}
	return tx.CreatedAt
}
