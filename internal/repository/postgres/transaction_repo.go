package postgres

/*
Файл transaction_repo.go — append-only журнал транзакций казначейства.
Пишется синхронно в момент платежа: лимитные правила (dailyLimit,
monthlyBudget, categoryLimit) агрегируют эти же строки, и платеж обязан
видеть свои предыдущие подтвержденные списания сразу.

Окна агрегации считаются по COALESCE(confirmed_at, created_at):
подтвержденная транзакция относится к моменту подтверждения, а не к
моменту резервирования.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xela07ax/treasury-gate/internal/domain"
)

type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

func (r *TransactionRepo) Record(ctx context.Context, tx *domain.Transaction) error {
	trace, err := json.Marshal(tx.PolicyResult)
	if err != nil {
		return fmt.Errorf("postgres: marshal policy trace: %w", err)
	}

	query := `
		INSERT INTO transactions
			(id, owner_id, from_address, to_address, amount, currency, status,
			 category, description, policy_result, tx_hash, created_at, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = r.pool.Exec(ctx, query,
		tx.ID, tx.OwnerID, tx.From, tx.To, tx.Amount, tx.Currency, string(tx.Status),
		tx.Category, tx.Description, trace, tx.TxHash, tx.CreatedAt, tx.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to record transaction: %w", err)
	}
	return nil
}

// Confirm переводит pending -> confirmed и фиксирует proof перевода.
func (r *TransactionRepo) Confirm(ctx context.Context, id, txHash string, at time.Time) error {
	query := `
		UPDATE transactions
		SET status = $1, tx_hash = $2, confirmed_at = $3
		WHERE id = $4 AND status = $5`

	ct, err := r.pool.Exec(ctx, query, string(domain.TxConfirmed), txHash, at, id, string(domain.TxPending))
	if err != nil {
		return fmt.Errorf("postgres: failed to confirm transaction: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

// MarkFailed переводит pending -> failed (компенсация после отказа провайдера).
func (r *TransactionRepo) MarkFailed(ctx context.Context, id string) error {
	query := `
		UPDATE transactions
		SET status = $1
		WHERE id = $2 AND status = $3`

	ct, err := r.pool.Exec(ctx, query, string(domain.TxFailed), id, string(domain.TxPending))
	if err != nil {
		return fmt.Errorf("postgres: failed to mark transaction failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

func (r *TransactionRepo) GetByID(ctx context.Context, ownerID, id string) (*domain.Transaction, error) {
	query := `
		SELECT id, owner_id, from_address, to_address, amount, currency, status,
		       category, description, policy_result, tx_hash, created_at, confirmed_at
		FROM transactions
		WHERE id = $1 AND owner_id = $2`

	tx, err := scanTransaction(r.pool.QueryRow(ctx, query, id, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return tx, nil
}

// History отдает журнал владельца по фильтру, новые сверху.
func (r *TransactionRepo) History(ctx context.Context, f domain.HistoryFilter) ([]domain.Transaction, error) {
	query := `
		SELECT id, owner_id, from_address, to_address, amount, currency, status,
		       category, description, policy_result, tx_hash, created_at, confirmed_at
		FROM transactions
		WHERE owner_id = $1`
	args := []any{f.OwnerID}

	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}

	query += " ORDER BY created_at DESC"

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *tx)
	}
	return results, rows.Err()
}

// SumConfirmed — сумма подтвержденных списаний владельца с момента since.
// category="" означает все категории.
func (r *TransactionRepo) SumConfirmed(ctx context.Context, ownerID string, since time.Time, category string) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE owner_id = $1 AND status = $2
		  AND COALESCE(confirmed_at, created_at) >= $3`
	args := []any{ownerID, string(domain.TxConfirmed), since}

	if category != "" {
		args = append(args, category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}

	var sum decimal.Decimal
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: sum confirmed: %w", err)
	}
	return sum, nil
}

// Analytics собирает агрегаты расходов одним проходом по строкам месяца
// плюс счетчики за все время.
func (r *TransactionRepo) Analytics(ctx context.Context, ownerID string, dayStart, monthStart time.Time) (domain.SpendingAnalytics, error) {
	out := domain.SpendingAnalytics{ByCategory: map[string]decimal.Decimal{}}

	query := `
		SELECT amount, category, COALESCE(confirmed_at, created_at)
		FROM transactions
		WHERE owner_id = $1 AND status = $2
		  AND COALESCE(confirmed_at, created_at) >= $3`

	rows, err := r.pool.Query(ctx, query, ownerID, string(domain.TxConfirmed), monthStart)
	if err != nil {
		return out, err
	}
	defer rows.Close()

	for rows.Next() {
		var amount decimal.Decimal
		var category string
		var at time.Time
		if err := rows.Scan(&amount, &category, &at); err != nil {
			return out, err
		}
		out.SpentThisMonth = out.SpentThisMonth.Add(amount)
		if !at.Before(dayStart) {
			out.SpentToday = out.SpentToday.Add(amount)
		}
		if category != "" {
			out.ByCategory[category] = out.ByCategory[category].Add(amount)
		}
	}
	if err := rows.Err(); err != nil {
		return out, err
	}

	countQuery := `
		SELECT
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $3)
		FROM transactions
		WHERE owner_id = $1`
	err = r.pool.QueryRow(ctx, countQuery, ownerID,
		string(domain.TxConfirmed), string(domain.TxFailed)).
		Scan(&out.TxConfirmed, &out.TxFailed)
	if err != nil {
		return out, err
	}

	return out, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	var status string
	var trace []byte
	if err := row.Scan(
		&tx.ID, &tx.OwnerID, &tx.From, &tx.To, &tx.Amount, &tx.Currency, &status,
		&tx.Category, &tx.Description, &trace, &tx.TxHash, &tx.CreatedAt, &tx.ConfirmedAt,
	); err != nil {
		return nil, err
	}
	tx.Status = domain.TxStatus(status)
	if len(trace) > 0 {
		if err := json.Unmarshal(trace, &tx.PolicyResult); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal policy trace for %s: %w", tx.ID, err)
		}
	}
	return &tx, nil
}
