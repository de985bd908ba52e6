package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Freeeeeet/class_scheduler/internal/apperrors"
	"github.com/Freeeeeet/class_scheduler/internal/metrics"
	"github.com/Freeeeeet/class_scheduler/internal/model"
	"github.com/Freeeeeet/class_scheduler/internal/tenant"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// BookingCreatedKey routing key события о новой записи
const BookingCreatedKey = "booking.created"

// BookingResult успешная запись на занятие
type BookingResult struct {
	InstanceID        uuid.UUID          `json:"instance_id"`
	Booking           model.Booking      `json:"booking"`
	RemainingCapacity int                `json:"remaining_capacity"`
	Entitlement       *model.Entitlement `json:"entitlement"` // состояние после списания
}

type BookingService struct {
	instances    InstanceStore
	entitlements EntitlementStore
	selector     *EntitlementSelector
	publisher    EventPublisher
	logger       *zap.Logger
	metrics      *metrics.SchedulerMetrics
	maxRetries   uint64
	retryBase    time.Duration
	storeTimeout time.Duration
}

type BookingOption func(*BookingService)

// WithBookingRetries задаёт число повторов при конфликте ревизий и базовую задержку
func WithBookingRetries(max uint64, base time.Duration) BookingOption {
	return func(s *BookingService) {
		s.maxRetries = max
		if base > 0 {
			s.retryBase = base
		}
	}
}

// WithBookingStoreTimeout задаёт таймаут одного обращения к хранилищу
func WithBookingStoreTimeout(d time.Duration) BookingOption {
	return func(s *BookingService) { s.storeTimeout = d }
}

// WithEventPublisher включает публикацию booking.created
func WithEventPublisher(p EventPublisher) BookingOption {
	return func(s *BookingService) { s.publisher = p }
}

func NewBookingService(
	instances InstanceStore,
	entitlements EntitlementStore,
	selector *EntitlementSelector,
	logger *zap.Logger,
	opts ...BookingOption,
) *BookingService {
	s := &BookingService{
		instances:    instances,
		entitlements: entitlements,
		selector:     selector,
		logger:       logger,
		metrics:      metrics.Get(),
		maxRetries:   5,
		retryBase:    20 * time.Millisecond,
		storeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BookInstance записывает студента на занятие и списывает занятие с абонемента.
//
// Проверки выполняются по порядку: занятие существует в тенанте, не отменено,
// есть места, студент ещё не записан, есть подходящий абонемент. Запись в
// занятие и списание с абонемента выполняются условными записями по ревизии;
// при конфликте вся цепочка повторяется заново. Вызов получает один AttemptID
// на все повторы: если ответ хранилища потерялся, повтор находит свою запись
// и доводит списание вместо отказа already_booked.
//
// Пустой studentID возвращает apperrors.ErrInvalidInput, остальные ошибки
// имеют тип *apperrors.BookingError.
func (s *BookingService) BookInstance(ctx context.Context, tenantID string, instanceID uuid.UUID, studentID string, now time.Time) (*BookingResult, error) {
	if now.IsZero() {
		now = time.Now()
	}

	if tenant.Validate(tenantID) != nil {
		return nil, s.fail(tenantID, instanceID, studentID, apperrors.NewBookingError(apperrors.KindNotFound, instanceID, nil))
	}
	if studentID == "" {
		return nil, fmt.Errorf("student id is required: %w", apperrors.ErrInvalidInput)
	}

	var (
		result    *BookingResult
		attempt   int
		attemptID = uuid.New()
	)

	backoff := retry.WithMaxRetries(s.maxRetries, retry.NewExponential(s.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			s.metrics.RecordBookingRetry()
		}

		res, err := s.tryBook(ctx, tenantID, instanceID, studentID, attemptID, now)
		if err != nil {
			if apperrors.IsRetryable(err) {
				s.logger.Debug("Retrying booking",
					zap.String("instance_id", instanceID.String()),
					zap.String("student_id", studentID),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				return retry.RetryableError(err)
			}
			return err
		}

		result = res
		return nil
	})
	if err != nil {
		return nil, s.fail(tenantID, instanceID, studentID, err)
	}

	s.metrics.RecordBooking("booked")

	s.logger.Info("Instance booked",
		zap.String("tenant_id", tenantID),
		zap.String("instance_id", instanceID.String()),
		zap.String("student_id", studentID),
		zap.String("entitlement_id", result.Booking.EntitlementID.String()),
		zap.String("entitlement_kind", string(result.Booking.EntitlementKind)),
		zap.Int("remaining_capacity", result.RemainingCapacity),
		zap.Int("attempts", attempt),
	)

	s.publish(ctx, tenantID, result)

	return result, nil
}

// tryBook одна попытка всей цепочки: проверки, запись в занятие, списание
func (s *BookingService) tryBook(ctx context.Context, tenantID string, instanceID uuid.UUID, studentID string, attemptID uuid.UUID, now time.Time) (*BookingResult, error) {
	inst, err := s.loadInstance(ctx, tenantID, instanceID)
	if err != nil {
		return nil, err
	}

	// запись этого же вызова уже сохранена, ответ на неё потерялся
	if own := inst.BookingOf(studentID); own != nil && own.AttemptID == attemptID {
		return s.reconcile(ctx, tenantID, inst, *own)
	}

	if inst.IsCancelled {
		return nil, apperrors.NewBookingError(apperrors.KindClassCancelled, instanceID, nil)
	}
	if inst.RemainingCapacity <= 0 {
		return nil, apperrors.NewBookingError(apperrors.KindClassFull, instanceID, nil)
	}
	if inst.HasBooking(studentID) {
		return nil, apperrors.NewBookingError(apperrors.KindAlreadyBooked, instanceID, nil)
	}

	ent, err := s.selector.SelectEntitlement(ctx, tenantID, studentID, now)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NewBookingError(apperrors.KindNoValidEntitlement, instanceID, nil)
		}
		return nil, storeError("select entitlement", err)
	}

	booking := model.Booking{
		StudentID:       studentID,
		EntitlementID:   ent.ID,
		EntitlementKind: ent.Kind,
		BookedAt:        now,
		AttemptID:       attemptID,
	}
	next := inst.WithBooking(booking)

	callCtx, cancel := withTimeout(ctx, s.storeTimeout)
	err = s.instances.UpdateIfRevision(callCtx, next, inst.Revision)
	cancel()
	if err != nil {
		return nil, storeError("update instance", err)
	}

	return s.settle(ctx, tenantID, next, booking, ent)
}

// reconcile доводит запись, сохранённую предыдущей попыткой этого же вызова
func (s *BookingService) reconcile(ctx context.Context, tenantID string, inst *model.ClassInstance, booking model.Booking) (*BookingResult, error) {
	s.logger.Warn("Reconciling booking written by an earlier try",
		zap.String("tenant_id", tenantID),
		zap.String("instance_id", inst.ID.String()),
		zap.String("student_id", booking.StudentID),
		zap.String("attempt_id", booking.AttemptID.String()),
	)

	ent, err := s.getEntitlement(ctx, tenantID, booking.EntitlementID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			s.compensate(ctx, tenantID, inst.ID, booking, err)
			return nil, apperrors.NewBookingError(apperrors.KindNoValidEntitlement, inst.ID, nil)
		}
		return nil, storeError("get entitlement", err)
	}

	return s.settle(ctx, tenantID, inst, booking, ent)
}

// settle списывает занятие для сохранённой записи. Списание привязано к
// AttemptID записи и не выполняется дважды. Если ответ на списание не
// получен, абонемент перечитывается: запись откатывается только когда
// списания точно нет.
func (s *BookingService) settle(ctx context.Context, tenantID string, inst *model.ClassInstance, booking model.Booking, ent *model.Entitlement) (*BookingResult, error) {
	result := func(after *model.Entitlement) *BookingResult {
		return &BookingResult{
			InstanceID:        inst.ID,
			Booking:           booking,
			RemainingCapacity: inst.RemainingCapacity,
			Entitlement:       after,
		}
	}

	if ent.Kind.Unlimited() || ent.HasDebit(booking.AttemptID) {
		return result(ent), nil
	}

	callCtx, cancel := withTimeout(ctx, s.storeTimeout)
	err := s.entitlements.DebitClip(callCtx, tenantID, ent.ID, ent.Revision, booking.AttemptID)
	cancel()
	if err == nil {
		return result(ent.WithDebit(booking.AttemptID)), nil
	}

	current, rerr := s.getEntitlement(ctx, tenantID, ent.ID)
	switch {
	case rerr != nil && !errors.Is(rerr, apperrors.ErrNotFound):
		// исход списания неизвестен, запись остаётся до следующей попытки
		s.logger.Warn("Entitlement debit outcome unknown",
			zap.String("entitlement_id", ent.ID.String()),
			zap.String("attempt_id", booking.AttemptID.String()),
			zap.Error(rerr),
		)
		return nil, storeError("debit entitlement", err)
	case rerr == nil && current.HasDebit(booking.AttemptID):
		s.logger.Warn("Entitlement debit applied despite store error",
			zap.String("entitlement_id", ent.ID.String()),
			zap.String("attempt_id", booking.AttemptID.String()),
			zap.NamedError("cause", err),
		)
		return result(current), nil
	}

	s.compensate(ctx, tenantID, inst.ID, booking, err)
	return nil, storeError("debit entitlement", err)
}

func (s *BookingService) getEntitlement(ctx context.Context, tenantID string, id uuid.UUID) (*model.Entitlement, error) {
	callCtx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()

	return s.entitlements.GetByID(callCtx, tenantID, id)
}

func (s *BookingService) loadInstance(ctx context.Context, tenantID string, instanceID uuid.UUID) (*model.ClassInstance, error) {
	callCtx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()

	inst, err := s.instances.GetByID(callCtx, tenantID, instanceID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NewBookingError(apperrors.KindNotFound, instanceID, nil)
		}
		return nil, storeError("get instance", err)
	}
	if tenant.Check(tenantID, inst.TenantID) != nil {
		return nil, apperrors.NewBookingError(apperrors.KindNotFound, instanceID, nil)
	}
	return inst, nil
}

// compensate убирает запись попытки из занятия после неудачного списания.
// Записи других попыток не трогает. Выполняется с отдельным контекстом:
// отмена запроса не должна оставить запись без списания.
func (s *BookingService) compensate(ctx context.Context, tenantID string, instanceID uuid.UUID, booking model.Booking, cause error) {
	cctx, cancel := withTimeout(context.WithoutCancel(ctx), s.storeTimeout*time.Duration(s.maxRetries+1))
	defer cancel()

	backoff := retry.WithMaxRetries(s.maxRetries, retry.NewExponential(s.retryBase))
	err := retry.Do(cctx, backoff, func(ctx context.Context) error {
		inst, err := s.instances.GetByID(ctx, tenantID, instanceID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil
			}
			return retry.RetryableError(err)
		}
		own := inst.BookingOf(booking.StudentID)
		if own == nil || own.AttemptID != booking.AttemptID {
			return nil
		}

		reverted := inst.WithoutBooking(booking.StudentID)
		if err := s.instances.UpdateIfRevision(ctx, reverted, inst.Revision); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})

	s.metrics.RecordCompensation(err == nil)

	if err != nil {
		s.logger.Error("Failed to revert booking after entitlement debit failure",
			zap.String("tenant_id", tenantID),
			zap.String("instance_id", instanceID.String()),
			zap.String("student_id", booking.StudentID),
			zap.String("attempt_id", booking.AttemptID.String()),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}

	s.logger.Warn("Booking reverted after entitlement debit failure",
		zap.String("instance_id", instanceID.String()),
		zap.String("student_id", booking.StudentID),
		zap.NamedError("cause", cause),
	)
}

// fail приводит ошибку к BookingError, пишет метрику и лог.
// Бизнес-исходы логируются как Info, это не ошибки системы.
func (s *BookingService) fail(tenantID string, instanceID uuid.UUID, studentID string, err error) error {
	var be *apperrors.BookingError
	if !errors.As(err, &be) {
		be = apperrors.NewBookingError(apperrors.KindOf(err), instanceID, err)
	}

	s.metrics.RecordBooking(string(be.Kind))

	fields := []zap.Field{
		zap.String("tenant_id", tenantID),
		zap.String("instance_id", instanceID.String()),
		zap.String("student_id", studentID),
		zap.String("reason", string(be.Kind)),
	}
	if be.IsBusinessOutcome() {
		s.logger.Info("Booking declined", fields...)
	} else {
		s.logger.Warn("Booking failed", append(fields, zap.Error(be.Err))...)
	}

	return be
}

func (s *BookingService) publish(ctx context.Context, tenantID string, res *BookingResult) {
	if s.publisher == nil {
		return
	}

	err := s.publisher.PublishJSON(ctx, BookingCreatedKey, map[string]any{
		"tenant_id":          tenantID,
		"instance_id":        res.InstanceID,
		"student_id":         res.Booking.StudentID,
		"entitlement_id":     res.Booking.EntitlementID,
		"entitlement_kind":   res.Booking.EntitlementKind,
		"remaining_capacity": res.RemainingCapacity,
		"booked_at":          res.Booking.BookedAt.Unix(),
	})
	if err != nil {
		s.logger.Warn("Failed to publish booking event",
			zap.String("instance_id", res.InstanceID.String()),
			zap.Error(err),
		)
	}
}

// storeError помечает ошибку хранилища как временную. Конфликт ревизии
// остаётся конфликтом, всё остальное считается недоступностью хранилища.
func storeError(op string, err error) error {
	if errors.Is(err, apperrors.ErrConflict) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, apperrors.ErrStoreUnavailable, err)
}
