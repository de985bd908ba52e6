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

const classColumns = `id, tenant_id, name, capacity, is_recurring, single_date, window_start, window_end,
		weekly_schedule, duration_minutes, timezone, is_active, created_at, updated_at`

// ClassRepository управляет шаблонами занятий в базе данных
type ClassRepository struct {
	*base.Repository
}

// NewClassRepository создаёт новый репозиторий
func NewClassRepository(pool *pgxpool.Pool) *ClassRepository {
	return &ClassRepository{Repository: base.NewRepository(pool)}
}

// Create создаёт новый класс
func (r *ClassRepository) Create(ctx context.Context, class *model.Class) error {
	if class.ID == uuid.Nil {
		class.ID = uuid.New()
	}

	schedule, err := json.Marshal(class.WeeklySchedule)
	if err != nil {
		return fmt.Errorf("marshal weekly schedule: %w", err)
	}

	var windowStart, windowEnd *time.Time
	if class.RecurringWindow != nil {
		windowStart = &class.RecurringWindow.Start
		windowEnd = &class.RecurringWindow.End
	}

	query := `
		INSERT INTO classes (id, tenant_id, name, capacity, is_recurring, single_date, window_start, window_end,
			weekly_schedule, duration_minutes, timezone, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`

	err = r.QueryRow(
		ctx, query,
		class.ID,
		class.TenantID,
		class.Name,
		class.Capacity,
		class.IsRecurring,
		class.SingleDate,
		windowStart,
		windowEnd,
		schedule,
		class.DurationMinutes,
		class.Timezone,
		class.IsActive,
	).Scan(&class.CreatedAt, &class.UpdatedAt)

	return base.MapError("create class", err)
}

// GetByID получает класс по ID в рамках тенанта
func (r *ClassRepository) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*model.Class, error) {
	query := `SELECT ` + classColumns + `
		FROM classes
		WHERE tenant_id = $1 AND id = $2
	`

	class, err := scanClass(r.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		return nil, base.MapError("get class by id", err)
	}
	return class, nil
}

// ListActive получает все активные классы тенанта
func (r *ClassRepository) ListActive(ctx context.Context, tenantID string) ([]*model.Class, error) {
	query := `SELECT ` + classColumns + `
		FROM classes
		WHERE tenant_id = $1 AND is_active = true
		ORDER BY created_at
	`

	rows, err := r.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list active classes: %w", err)
	}
	defer rows.Close()

	var classes []*model.Class
	for rows.Next() {
		class, err := scanClass(rows)
		if err != nil {
			return nil, fmt.Errorf("scan class: %w", err)
		}
		classes = append(classes, class)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active classes: %w", err)
	}

	return classes, nil
}

// ListTenantIDs возвращает тенантов у которых есть активные классы
func (r *ClassRepository) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := r.Query(ctx, `SELECT DISTINCT tenant_id FROM classes WHERE is_active = true ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	tenants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan tenants: %w", err)
	}
	return tenants, nil
}

func scanClass(row pgx.Row) (*model.Class, error) {
	var (
		class       model.Class
		windowStart *time.Time
		windowEnd   *time.Time
		schedule    []byte
	)

	err := row.Scan(
		&class.ID,
		&class.TenantID,
		&class.Name,
		&class.Capacity,
		&class.IsRecurring,
		&class.SingleDate,
		&windowStart,
		&windowEnd,
		&schedule,
		&class.DurationMinutes,
		&class.Timezone,
		&class.IsActive,
		&class.CreatedAt,
		&class.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if windowStart != nil && windowEnd != nil {
		class.RecurringWindow = &model.DateRange{Start: *windowStart, End: *windowEnd}
	}
	if len(schedule) > 0 {
		if err := json.Unmarshal(schedule, &class.WeeklySchedule); err != nil {
			return nil, fmt.Errorf("unmarshal weekly schedule: %w", err)
		}
	}

	return &class, nil
}
