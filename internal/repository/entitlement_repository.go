package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/Freeeeeet/class_scheduler/internal/model"
	"github.com/Freeeeeet/class_scheduler/internal/repository/base"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entitlementColumns = `id, tenant_id, user_id, kind, remaining_clips, valid_from, valid_until,
		is_active, payment_id, revision, debit_attempts, created_at, updated_at`

// EntitlementRepository хранит абонементы пользователей
type EntitlementRepository struct {
	*base.Repository
}

func NewEntitlementRepository(pool *pgxpool.Pool) *EntitlementRepository {
	return &EntitlementRepository{Repository: base.NewRepository(pool)}
}

// Create создаёт абонемент. Повторный платёж с тем же payment_id
// возвращает apperrors.ErrAlreadyExists.
func (r *EntitlementRepository) Create(ctx context.Context, e *model.Entitlement) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	query := `
		INSERT INTO entitlements (id, tenant_id, user_id, kind, remaining_clips, valid_from, valid_until,
			is_active, payment_id, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0)
		RETURNING revision, created_at, updated_at
	`

	err := r.QueryRow(
		ctx, query,
		e.ID,
		e.TenantID,
		e.UserID,
		e.Kind,
		e.RemainingClips,
		e.Validity.Start,
		e.Validity.End,
		e.IsActive,
		e.PaymentID,
	).Scan(&e.Revision, &e.CreatedAt, &e.UpdatedAt)

	return base.MapError("create entitlement", err)
}

// GetByPaymentID получает абонемент созданный по платежу
func (r *EntitlementRepository) GetByPaymentID(ctx context.Context, tenantID, paymentID string) (*model.Entitlement, error) {
	query := `SELECT ` + entitlementColumns + `
		FROM entitlements
		WHERE tenant_id = $1 AND payment_id = $2
	`

	e, err := scanEntitlement(r.QueryRow(ctx, query, tenantID, paymentID))
	if err != nil {
		return nil, base.MapError("get entitlement by payment", err)
	}
	return e, nil
}

// GetByID получает абонемент по ID в рамках тенанта
func (r *EntitlementRepository) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*model.Entitlement, error) {
	query := `SELECT ` + entitlementColumns + `
		FROM entitlements
		WHERE tenant_id = $1 AND id = $2
	`

	e, err := scanEntitlement(r.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		return nil, base.MapError("get entitlement by id", err)
	}
	return e, nil
}

// ListActiveByUser получает активные абонементы пользователя, действующие в момент now.
// Запрос выполняется заново при каждой попытке записи, кэша нет.
func (r *EntitlementRepository) ListActiveByUser(ctx context.Context, tenantID, userID string, now time.Time) ([]*model.Entitlement, error) {
	query := `SELECT ` + entitlementColumns + `
		FROM entitlements
		WHERE tenant_id = $1
		  AND user_id = $2
		  AND is_active = true
		  AND valid_from <= $3
		  AND valid_until >= $3
		ORDER BY valid_until, id
	`

	rows, err := r.Query(ctx, query, tenantID, userID, now)
	if err != nil {
		return nil, fmt.Errorf("list active entitlements: %w", err)
	}
	defer rows.Close()

	var entitlements []*model.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		entitlements = append(entitlements, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active entitlements: %w", err)
	}

	return entitlements, nil
}

// DebitClip списывает одно занятие, если ревизия не изменилась и остаток положительный.
// attemptID сохраняется вместе со списанием, повторное списание той же попытки
// даёт конфликт.
func (r *EntitlementRepository) DebitClip(ctx context.Context, tenantID string, id uuid.UUID, expected int64, attemptID uuid.UUID) error {
	query := `
		UPDATE entitlements
		SET remaining_clips = remaining_clips - 1,
		    debit_attempts = array_append(debit_attempts, $4),
		    revision = revision + 1,
		    updated_at = now()
		WHERE tenant_id = $1
		  AND id = $2
		  AND revision = $3
		  AND is_active = true
		  AND remaining_clips > 0
		  AND NOT ($4 = ANY(debit_attempts))
	`

	return r.ExecConditional(ctx, "debit entitlement clip", query, tenantID, id, expected, attemptID)
}

func scanEntitlement(row pgx.Row) (*model.Entitlement, error) {
	var e model.Entitlement

	err := row.Scan(
		&e.ID,
		&e.TenantID,
		&e.UserID,
		&e.Kind,
		&e.RemainingClips,
		&e.Validity.Start,
		&e.Validity.End,
		&e.IsActive,
		&e.PaymentID,
		&e.Revision,
		&e.DebitAttempts,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &e, nil
}
