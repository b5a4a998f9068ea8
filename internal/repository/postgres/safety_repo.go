package postgres

/*
Файл safety_repo.go — персистентность предохранителей: глобальный
kill switch и per-owner флаги Safe Mode. Redis разносит изменения по
инстансам, но источником истины после рестарта остается база.
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/treasury-gate/internal/domain"
)

const killSwitchFlag = "payments_paused"

type SafetyRepo struct {
	pool *pgxpool.Pool
}

func NewSafetyRepo(pool *pgxpool.Pool) *SafetyRepo {
	return &SafetyRepo{pool: pool}
}

func (r *SafetyRepo) GlobalPaused(ctx context.Context) (bool, error) {
	query := `SELECT enabled FROM safety_flags WHERE name = $1`

	var enabled bool
	err := r.pool.QueryRow(ctx, query, killSwitchFlag).Scan(&enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil // Флага нет — платежи идут
		}
		return false, fmt.Errorf("postgres: read kill switch: %w", err)
	}
	return enabled, nil
}

func (r *SafetyRepo) SetGlobalPaused(ctx context.Context, paused bool) error {
	query := `
		INSERT INTO safety_flags (name, enabled, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET enabled = $2, updated_at = NOW()`

	if _, err := r.pool.Exec(ctx, query, killSwitchFlag, paused); err != nil {
		return fmt.Errorf("postgres: set kill switch: %w", err)
	}
	return nil
}

func (r *SafetyRepo) OwnerSafety(ctx context.Context, ownerID string) (domain.OwnerSafety, error) {
	query := `
		SELECT safe_mode_enabled, has_approved_once, auto_budget_enabled
		FROM owner_safety
		WHERE owner_id = $1`

	var s domain.OwnerSafety
	err := r.pool.QueryRow(ctx, query, ownerID).
		Scan(&s.SafeModeEnabled, &s.HasApprovedOnce, &s.AutoBudgetEnabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Новый владелец получает дефолты: Safe Mode включен
			return domain.OwnerSafety{SafeModeEnabled: true}, nil
		}
		return s, fmt.Errorf("postgres: read owner safety: %w", err)
	}
	return s, nil
}

func (r *SafetyRepo) SetOwnerSafety(ctx context.Context, ownerID string, s domain.OwnerSafety) error {
	query := `
		INSERT INTO owner_safety (owner_id, safe_mode_enabled, has_approved_once, auto_budget_enabled, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (owner_id) DO UPDATE SET
			safe_mode_enabled = $2, has_approved_once = $3, auto_budget_enabled = $4, updated_at = NOW()`

	if _, err := r.pool.Exec(ctx, query, ownerID, s.SafeModeEnabled, s.HasApprovedOnce, s.AutoBudgetEnabled); err != nil {
		return fmt.Errorf("postgres: set owner safety: %w", err)
	}
	return nil
}

// ListSafeModeOwners отдает владельцев с включенным Safe Mode — нужен
// для прогрева Redis при старте первого инстанса.
func (r *SafetyRepo) ListSafeModeOwners(ctx context.Context) ([]string, error) {
	query := `SELECT owner_id FROM owner_safety WHERE safe_mode_enabled = TRUE`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list safe mode owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan safe mode owner: %w", err)
		}
		owners = append(owners, id)
	}
	return owners, rows.Err()
}
