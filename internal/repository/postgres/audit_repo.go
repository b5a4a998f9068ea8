package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/treasury-gate/internal/audit"
)

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// WriteBatch сохраняет пачку событий одним INSERT (Bulk Insert).
func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.PaymentEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице payment_audit
	numFields := 13
	placeholderStr := ""
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10, p+11, p+12, p+13)

		vals = append(vals,
			e.ID, e.TraceID, e.OwnerID, e.Recipient,
			e.Amount, e.Currency, e.Category, e.Status,
			e.BlockedBy, e.TxHash, e.Error, e.DurationMs, e.Timestamp,
		)
	}

	// Убираем лишнюю запятую в конце
	query := fmt.Sprintf(
		"INSERT INTO payment_audit (id, trace_id, owner_id, recipient, amount, currency, category, status, blocked_by, tx_hash, error, duration_ms, timestamp) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.pool.Exec(ctx, query, vals...)
	return err
}
