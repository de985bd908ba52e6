package service

import (
	"context"
	"time"

	"github.com/Freeeeeet/class_scheduler/internal/model"
	"github.com/google/uuid"
)

// ClassStore источник шаблонов занятий. Все методы фильтруют по тенанту,
// кроме ListTenantIDs, которым пользуется ночная генерация.
type ClassStore interface {
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*model.Class, error)
	ListActive(ctx context.Context, tenantID string) ([]*model.Class, error)
	ListTenantIDs(ctx context.Context) ([]string, error)
}

// InstanceStore хранилище занятий с условной записью по ревизии
type InstanceStore interface {
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*model.ClassInstance, error)
	ExistsAt(ctx context.Context, tenantID string, classID uuid.UUID, startsAt time.Time) (bool, error)
	Create(ctx context.Context, inst *model.ClassInstance) error
	UpdateIfRevision(ctx context.Context, inst *model.ClassInstance, expected int64) error
	ListByClass(ctx context.Context, tenantID string, classID uuid.UUID, from, to time.Time) ([]*model.ClassInstance, error)
}

// EntitlementStore хранилище абонементов
type EntitlementStore interface {
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*model.Entitlement, error)
	ListActiveByUser(ctx context.Context, tenantID, userID string, now time.Time) ([]*model.Entitlement, error)
	// DebitClip списывает занятие условно по ревизии. Списание запоминает
	// attemptID, повтор той же попытки даёт apperrors.ErrConflict.
	DebitClip(ctx context.Context, tenantID string, id uuid.UUID, expected int64, attemptID uuid.UUID) error
	GetByPaymentID(ctx context.Context, tenantID, paymentID string) (*model.Entitlement, error)
	Create(ctx context.Context, e *model.Entitlement) error
}

// EventPublisher публикует доменные события во внешнюю шину
type EventPublisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// withTimeout ограничивает время одного обращения к хранилищу
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
