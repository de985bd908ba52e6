package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Freeeeeet/class_scheduler/internal/apperrors"
	"github.com/Freeeeeet/class_scheduler/internal/metrics"
	"github.com/Freeeeeet/class_scheduler/internal/model"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// GrantRequest абонемент, купленный через платёжный сервис
type GrantRequest struct {
	TenantID   string                `json:"tenant_id" validate:"required"`
	UserID     string                `json:"user_id" validate:"required"`
	Kind       model.EntitlementKind `json:"kind" validate:"required,oneof=single multi-pass clipcard monthly"`
	Clips      int                   `json:"clips" validate:"gte=0"`
	ValidFrom  time.Time             `json:"valid_from"` // пусто = сейчас
	ValidUntil time.Time             `json:"valid_until" validate:"required"`
	PaymentID  string                `json:"payment_id"`
}

type EntitlementService struct {
	entitlements EntitlementStore
	logger       *zap.Logger
	metrics      *metrics.SchedulerMetrics
	storeTimeout time.Duration
	now          func() time.Time
}

func NewEntitlementService(entitlements EntitlementStore, storeTimeout time.Duration, logger *zap.Logger) *EntitlementService {
	return &EntitlementService{
		entitlements: entitlements,
		logger:       logger,
		metrics:      metrics.Get(),
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

// GrantEntitlement создаёт абонемент по оплате. Повторная доставка того же
// платежа возвращает уже созданный абонемент.
func (s *EntitlementService) GrantEntitlement(ctx context.Context, req GrantRequest) (*model.Entitlement, error) {
	if err := validate.Struct(req); err != nil {
		s.metrics.RecordGrant("invalid")
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidInput, err)
	}

	ent, err := s.build(req)
	if err != nil {
		s.metrics.RecordGrant("invalid")
		return nil, err
	}

	if req.PaymentID != "" {
		existing, err := s.byPayment(ctx, req.TenantID, req.PaymentID)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			s.metrics.RecordGrant("duplicate")
			s.logger.Info("Entitlement already granted for payment",
				zap.String("tenant_id", req.TenantID),
				zap.String("payment_id", req.PaymentID),
				zap.String("entitlement_id", existing.ID.String()),
			)
			return existing, nil
		}
	}

	callCtx, cancel := withTimeout(ctx, s.storeTimeout)
	err = s.entitlements.Create(callCtx, ent)
	cancel()
	if err != nil {
		if errors.Is(err, apperrors.ErrAlreadyExists) && req.PaymentID != "" {
			existing, gerr := s.byPayment(ctx, req.TenantID, req.PaymentID)
			if gerr == nil {
				s.metrics.RecordGrant("duplicate")
				return existing, nil
			}
		}
		s.metrics.RecordGrant("error")
		return nil, fmt.Errorf("create entitlement: %w: %w", apperrors.ErrStoreUnavailable, err)
	}

	s.metrics.RecordGrant("created")

	s.logger.Info("Entitlement granted",
		zap.String("tenant_id", ent.TenantID),
		zap.String("user_id", ent.UserID),
		zap.String("kind", string(ent.Kind)),
		zap.Int("clips", ent.Clips()),
		zap.Time("valid_until", ent.Validity.End),
		zap.String("payment_id", ent.PaymentID),
	)

	return ent, nil
}

func (s *EntitlementService) build(req GrantRequest) (*model.Entitlement, error) {
	from := req.ValidFrom
	if from.IsZero() {
		from = s.now()
	}
	if req.ValidUntil.Before(from) {
		return nil, fmt.Errorf("valid_until %s is before valid_from %s: %w",
			req.ValidUntil.Format(time.RFC3339), from.Format(time.RFC3339), apperrors.ErrInvalidInput)
	}

	ent := &model.Entitlement{
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		Kind:      req.Kind,
		Validity:  model.DateRange{Start: from, End: req.ValidUntil},
		IsActive:  true,
		PaymentID: req.PaymentID,
	}

	switch req.Kind {
	case model.EntitlementMonthly:
		// безлимит, остаток не хранится
	case model.EntitlementSingle:
		clips := 1
		ent.RemainingClips = &clips
	default:
		if req.Clips <= 0 {
			return nil, fmt.Errorf("%s requires clips > 0: %w", req.Kind, apperrors.ErrInvalidInput)
		}
		clips := req.Clips
		ent.RemainingClips = &clips
	}

	return ent, nil
}

func (s *EntitlementService) byPayment(ctx context.Context, tenantID, paymentID string) (*model.Entitlement, error) {
	callCtx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()

	ent, err := s.entitlements.GetByPaymentID(callCtx, tenantID, paymentID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get entitlement by payment: %w: %w", apperrors.ErrStoreUnavailable, err)
	}
	return ent, nil
}
