package postgres

/*
Файл policy_repo.go отвечает за долговременное хранение политик.
Правила политики лежат одной jsonb-колонкой: состав правила — деталь
доменного слоя, базе достаточно уметь отдать их обратно как есть.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/treasury-gate/internal/domain"
)

type PolicyRepo struct {
	pool *pgxpool.Pool
}

func NewPolicyRepo(pool *pgxpool.Pool) *PolicyRepo {
	return &PolicyRepo{pool: pool}
}

func (r *PolicyRepo) Create(ctx context.Context, p *domain.Policy) error {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("postgres: marshal rules: %w", err)
	}

	query := `
		INSERT INTO policies (id, owner_id, name, description, enabled, rules, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at`

	err = r.pool.QueryRow(ctx, query, p.ID, p.OwnerID, p.Name, p.Description, p.Enabled, rules).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create policy: %w", err)
	}
	return nil
}

func (r *PolicyRepo) GetByID(ctx context.Context, ownerID, id string) (*domain.Policy, error) {
	query := `
		SELECT id, owner_id, name, description, enabled, rules, created_at, updated_at
		FROM policies
		WHERE id = $1 AND owner_id = $2`

	p, err := scanPolicy(r.pool.QueryRow(ctx, query, id, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Возвращаем nil для 404 в хендлере
		}
		return nil, err
	}
	return p, nil
}

func (r *PolicyRepo) ListByOwner(ctx context.Context, ownerID string) ([]domain.Policy, error) {
	query := `
		SELECT id, owner_id, name, description, enabled, rules, created_at, updated_at
		FROM policies
		WHERE owner_id = $1
		ORDER BY created_at`
	return r.list(ctx, query, ownerID)
}

// ListEnabledByOwner — рабочий набор Policy Engine. Порядок стабильный:
// политики применяются в порядке создания.
func (r *PolicyRepo) ListEnabledByOwner(ctx context.Context, ownerID string) ([]domain.Policy, error) {
	query := `
		SELECT id, owner_id, name, description, enabled, rules, created_at, updated_at
		FROM policies
		WHERE owner_id = $1 AND enabled = true
		ORDER BY created_at`
	return r.list(ctx, query, ownerID)
}

func (r *PolicyRepo) Update(ctx context.Context, p *domain.Policy) error {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("postgres: marshal rules: %w", err)
	}

	query := `
		UPDATE policies
		SET name = $1, description = $2, enabled = $3, rules = $4, updated_at = NOW()
		WHERE id = $5 AND owner_id = $6`

	ct, err := r.pool.Exec(ctx, query, p.Name, p.Description, p.Enabled, rules, p.ID, p.OwnerID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update policy: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrPolicyNotFound
	}
	return nil
}

func (r *PolicyRepo) Delete(ctx context.Context, ownerID, id string) error {
	query := `DELETE FROM policies WHERE id = $1 AND owner_id = $2`

	ct, err := r.pool.Exec(ctx, query, id, ownerID)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete policy: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrPolicyNotFound
	}
	return nil
}

func (r *PolicyRepo) list(ctx context.Context, query string, args ...any) ([]domain.Policy, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *p)
	}
	return results, rows.Err()
}

func scanPolicy(row pgx.Row) (*domain.Policy, error) {
	var p domain.Policy
	var rules []byte
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.Enabled, &rules, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rules, &p.Rules); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal rules for policy %s: %w", p.ID, err)
	}
	return &p, nil
}
