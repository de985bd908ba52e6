package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Freeeeeet/class_scheduler/internal/model"
	"github.com/Freeeeeet/class_scheduler/internal/repository/base"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const instanceColumns = `id, tenant_id, class_id, starts_at, ends_at, capacity, remaining_capacity,
		is_cancelled, bookings, revision, created_at, updated_at`

// InstanceRepository хранит сгенерированные занятия
type InstanceRepository struct {
	*base.Repository
}

func NewInstanceRepository(pool *pgxpool.Pool) *InstanceRepository {
	return &InstanceRepository{Repository: base.NewRepository(pool)}
}

// Create создаёт новое занятие. Если занятие на это время уже есть,
// возвращается apperrors.ErrAlreadyExists.
func (r *InstanceRepository) Create(ctx context.Context, inst *model.ClassInstance) error {
	bookings, err := marshalBookings(inst.Bookings)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO class_instances (id, tenant_id, class_id, starts_at, ends_at, capacity, remaining_capacity,
			is_cancelled, bookings, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0)
		RETURNING revision, created_at, updated_at
	`

	err = r.QueryRow(
		ctx, query,
		inst.ID,
		inst.TenantID,
		inst.ClassID,
		inst.StartsAt,
		inst.EndsAt,
		inst.Capacity,
		inst.RemainingCapacity,
		inst.IsCancelled,
		bookings,
	).Scan(&inst.Revision, &inst.CreatedAt, &inst.UpdatedAt)

	return base.MapError("create class instance", err)
}

// GetByID получает занятие по ID в рамках тенанта
func (r *InstanceRepository) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*model.ClassInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM class_instances
		WHERE tenant_id = $1 AND id = $2
	`

	inst, err := scanInstance(r.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		return nil, base.MapError("get class instance by id", err)
	}
	return inst, nil
}

// ExistsAt проверяет существование занятия класса на точное время
func (r *InstanceRepository) ExistsAt(ctx context.Context, tenantID string, classID uuid.UUID, startsAt time.Time) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM class_instances
			WHERE tenant_id = $1 AND class_id = $2 AND starts_at = $3
		)
	`

	var exists bool
	err := r.QueryRow(ctx, query, tenantID, classID, startsAt).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check class instance exists: %w", err)
	}

	return exists, nil
}

// UpdateIfRevision сохраняет записи и остаток мест, только если ревизия
// в базе совпадает с expected. При успехе ревизия inst увеличивается.
func (r *InstanceRepository) UpdateIfRevision(ctx context.Context, inst *model.ClassInstance, expected int64) error {
	bookings, err := marshalBookings(inst.Bookings)
	if err != nil {
		return err
	}

	query := `
		UPDATE class_instances
		SET bookings = $1, remaining_capacity = $2, is_cancelled = $3,
			revision = revision + 1, updated_at = now()
		WHERE tenant_id = $4 AND id = $5 AND revision = $6
	`

	err = r.ExecConditional(ctx, "update class instance", query,
		bookings,
		inst.RemainingCapacity,
		inst.IsCancelled,
		inst.TenantID,
		inst.ID,
		expected,
	)
	if err != nil {
		return err
	}

	inst.Revision = expected + 1
	return nil
}

// ListByClass получает занятия класса в диапазоне времени
func (r *InstanceRepository) ListByClass(ctx context.Context, tenantID string, classID uuid.UUID, from, to time.Time) ([]*model.ClassInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM class_instances
		WHERE tenant_id = $1
		  AND class_id = $2
		  AND starts_at >= $3
		  AND starts_at < $4
		ORDER BY starts_at
	`

	rows, err := r.Query(ctx, query, tenantID, classID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list class instances: %w", err)
	}
	defer rows.Close()

	var instances []*model.ClassInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan class instance: %w", err)
		}
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list class instances: %w", err)
	}

	return instances, nil
}

func scanInstance(row pgx.Row) (*model.ClassInstance, error) {
	var (
		inst     model.ClassInstance
		bookings []byte
	)

	err := row.Scan(
		&inst.ID,
		&inst.TenantID,
		&inst.ClassID,
		&inst.StartsAt,
		&inst.EndsAt,
		&inst.Capacity,
		&inst.RemainingCapacity,
		&inst.IsCancelled,
		&bookings,
		&inst.Revision,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	inst.Bookings = []model.Booking{}
	if len(bookings) > 0 {
		if err := json.Unmarshal(bookings, &inst.Bookings); err != nil {
			return nil, fmt.Errorf("unmarshal bookings: %w", err)
		}
	}

	return &inst, nil
}

func marshalBookings(bookings []model.Booking) ([]byte, error) {
	if bookings == nil {
		bookings = []model.Booking{}
	}
	b, err := json.Marshal(bookings)
	if err != nil {
		return nil, fmt.Errorf("marshal bookings: %w", err)
	}
	return b, nil
}
