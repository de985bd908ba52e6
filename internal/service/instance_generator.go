package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Freeeeeet/class_scheduler/internal/apperrors"
	"github.com/Freeeeeet/class_scheduler/internal/metrics"
	"github.com/Freeeeeet/class_scheduler/internal/model"
	"github.com/Freeeeeet/class_scheduler/internal/tenant"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultHorizon окно генерации по умолчанию: 8 недель вперёд
const DefaultHorizon = 8 * 7 * 24 * time.Hour

// singleEntryIndex индекс в отчёте для разового занятия
const singleEntryIndex = -1

// EntryReport результат генерации по одной строке недельного расписания
type EntryReport struct {
	Index     int    `json:"index"`
	DayOfWeek int    `json:"day_of_week"`
	StartTime string `json:"start_time"`
	Created   int    `json:"created"`
	Skipped   int    `json:"skipped"`
	Errored   int    `json:"errored"`
	Reason    string `json:"reason,omitempty"` // почему строка пропущена целиком
}

// GenerationReport результат генерации занятий одного класса
type GenerationReport struct {
	TenantID string        `json:"tenant_id"`
	ClassID  uuid.UUID     `json:"class_id"`
	Created  int           `json:"created"`
	Skipped  int           `json:"skipped"`
	Errored  int           `json:"errored"`
	Entries  []EntryReport `json:"entries"`
	Error    string        `json:"error,omitempty"` // заполняется только в GenerateAll
}

type candidate struct {
	entry    int
	startsAt time.Time
	duration time.Duration
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeSkipped
	outcomeErrored
)

// GeneratorService разворачивает шаблоны классов в конкретные занятия
type GeneratorService struct {
	classes      ClassStore
	instances    InstanceStore
	logger       *zap.Logger
	metrics      *metrics.SchedulerMetrics
	now          func() time.Time
	concurrency  int
	storeTimeout time.Duration
}

type GeneratorOption func(*GeneratorService)

// WithGeneratorClock подменяет источник текущего времени
func WithGeneratorClock(now func() time.Time) GeneratorOption {
	return func(s *GeneratorService) { s.now = now }
}

// WithGeneratorConcurrency ограничивает число параллельных созданий
func WithGeneratorConcurrency(n int) GeneratorOption {
	return func(s *GeneratorService) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithGeneratorStoreTimeout задаёт таймаут одного обращения к хранилищу
func WithGeneratorStoreTimeout(d time.Duration) GeneratorOption {
	return func(s *GeneratorService) { s.storeTimeout = d }
}

func NewGeneratorService(
	classes ClassStore,
	instances InstanceStore,
	logger *zap.Logger,
	opts ...GeneratorOption,
) *GeneratorService {
	s := &GeneratorService{
		classes:      classes,
		instances:    instances,
		logger:       logger,
		metrics:      metrics.Get(),
		now:          time.Now,
		concurrency:  4,
		storeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateInstances создаёт занятия класса на horizon вперёд.
// Повторный запуск не создаёт дублей: существующие занятия пропускаются.
// Ошибка создания отдельного занятия не прерывает генерацию, она
// учитывается в отчёте как errored.
func (s *GeneratorService) GenerateInstances(ctx context.Context, tenantID string, classID uuid.UUID, horizon time.Duration) (*GenerationReport, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}
	if horizon <= 0 {
		horizon = DefaultHorizon
	}

	class, err := s.getClass(ctx, tenantID, classID)
	if err != nil {
		return nil, err
	}

	if !class.IsActive {
		return nil, fmt.Errorf("class %s is not active: %w", classID, apperrors.ErrInvalidInput)
	}
	if err := class.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidInput, err)
	}

	loc, err := class.Location()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidInput, err)
	}

	now := s.now()
	until := now.Add(horizon)

	report := &GenerationReport{TenantID: tenantID, ClassID: classID}
	var candidates []candidate

	if class.IsRecurring {
		for idx, entry := range class.WeeklySchedule {
			report.Entries = append(report.Entries, EntryReport{
				Index:     idx,
				DayOfWeek: entry.DayOfWeek,
				StartTime: entry.StartTime,
			})

			found, err := entryCandidates(idx, entry, *class.RecurringWindow, loc, now, until)
			if err != nil {
				report.Entries[idx].Reason = err.Error()
				s.logger.Warn("Skipping malformed schedule entry",
					zap.String("tenant_id", tenantID),
					zap.String("class_id", classID.String()),
					zap.Int("entry", idx),
					zap.Error(err),
				)
				continue
			}
			candidates = append(candidates, found...)
		}
	} else {
		report.Entries = append(report.Entries, EntryReport{Index: singleEntryIndex})
		at := class.SingleDate.In(loc)
		if !at.Before(now) && !at.After(until) {
			candidates = append(candidates, candidate{entry: 0, startsAt: at, duration: class.Duration()})
		}
	}

	s.createCandidates(ctx, class, candidates, report)

	s.metrics.RecordGeneration(report.Created, report.Skipped, report.Errored)

	s.logger.Info("Generated instances for class",
		zap.String("tenant_id", tenantID),
		zap.String("class_id", classID.String()),
		zap.Int("candidates", len(candidates)),
		zap.Int("created", report.Created),
		zap.Int("skipped", report.Skipped),
		zap.Int("errored", report.Errored),
	)

	return report, nil
}

// GenerateAll генерирует занятия для всех активных классов всех тенантов.
// Вызывается периодически (например, раз в сутки). Ошибка по одному классу
// попадает в его отчёт и не останавливает остальные.
func (s *GeneratorService) GenerateAll(ctx context.Context, horizon time.Duration) ([]*GenerationReport, error) {
	listCtx, cancel := withTimeout(ctx, s.storeTimeout)
	tenants, err := s.classes.ListTenantIDs(listCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}

	var (
		mu      sync.Mutex
		reports []*GenerationReport
	)

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)

	for _, tenantID := range tenants {
		classCtx, cancel := withTimeout(ctx, s.storeTimeout)
		classes, err := s.classes.ListActive(classCtx, tenantID)
		cancel()
		if err != nil {
			s.logger.Error("Failed to list classes for tenant",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			continue
		}

		for _, class := range classes {
			classID := class.ID
			g.Go(func() error {
				report, err := s.GenerateInstances(ctx, tenantID, classID, horizon)
				if err != nil {
					s.logger.Error("Failed to generate instances for class",
						zap.String("tenant_id", tenantID),
						zap.String("class_id", classID.String()),
						zap.Error(err),
					)
					report = &GenerationReport{TenantID: tenantID, ClassID: classID, Error: err.Error()}
				}

				mu.Lock()
				reports = append(reports, report)
				mu.Unlock()
				return nil
			})
		}
	}

	_ = g.Wait()

	total := 0
	for _, r := range reports {
		total += r.Created
	}

	s.logger.Info("Generated instances for all classes",
		zap.Int("tenants", len(tenants)),
		zap.Int("classes", len(reports)),
		zap.Int("total_created", total),
	)

	return reports, nil
}

func (s *GeneratorService) getClass(ctx context.Context, tenantID string, classID uuid.UUID) (*model.Class, error) {
	callCtx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()

	class, err := s.classes.GetByID(callCtx, tenantID, classID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("get class: %w", apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("get class: %w: %w", apperrors.ErrStoreUnavailable, err)
	}
	if err := tenant.Check(tenantID, class.TenantID); err != nil {
		return nil, fmt.Errorf("get class: %w", err)
	}
	return class, nil
}

func (s *GeneratorService) createCandidates(ctx context.Context, class *model.Class, candidates []candidate, report *GenerationReport) {
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)

	for _, c := range candidates {
		g.Go(func() error {
			res := s.createOne(ctx, class, c)

			mu.Lock()
			defer mu.Unlock()

			entry := &report.Entries[c.entry]
			switch res {
			case outcomeCreated:
				entry.Created++
				report.Created++
			case outcomeSkipped:
				entry.Skipped++
				report.Skipped++
			case outcomeErrored:
				entry.Errored++
				report.Errored++
			}
			return nil
		})
	}

	_ = g.Wait()
}

// createOne выполняет check-then-create для одного времени. Гонка двух
// генераторов за одно время считается пропуском, а не ошибкой, если
// повторная проверка подтверждает что занятие существует.
func (s *GeneratorService) createOne(ctx context.Context, class *model.Class, c candidate) outcome {
	exists, err := s.existsAt(ctx, class, c.startsAt)
	if err != nil {
		s.logger.Warn("Failed to check instance existence",
			zap.String("class_id", class.ID.String()),
			zap.Time("starts_at", c.startsAt),
			zap.Error(err),
		)
		return outcomeErrored
	}
	if exists {
		s.logger.Debug("Instance already exists, skipping",
			zap.String("class_id", class.ID.String()),
			zap.Time("starts_at", c.startsAt),
		)
		return outcomeSkipped
	}

	inst := model.NewClassInstance(class, c.startsAt, c.duration)

	callCtx, cancel := withTimeout(ctx, s.storeTimeout)
	err = s.instances.Create(callCtx, inst)
	cancel()

	if err == nil {
		return outcomeCreated
	}

	if errors.Is(err, apperrors.ErrAlreadyExists) {
		exists, verr := s.existsAt(ctx, class, c.startsAt)
		if verr == nil && exists {
			return outcomeSkipped
		}
	}

	s.logger.Warn("Failed to create instance",
		zap.String("class_id", class.ID.String()),
		zap.Time("starts_at", c.startsAt),
		zap.Error(err),
	)
	return outcomeErrored
}

func (s *GeneratorService) existsAt(ctx context.Context, class *model.Class, at time.Time) (bool, error) {
	callCtx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.instances.ExistsAt(callCtx, class.TenantID, class.ID, at)
}

// entryCandidates возвращает все времена строки расписания внутри
// [now, until] ∩ window. Прошедшее сегодня время переходит на следующую
// неделю автоматически, так как окно начинается с now.
func entryCandidates(idx int, entry model.ScheduleEntry, window model.DateRange, loc *time.Location, now, until time.Time) ([]candidate, error) {
	hour, minute, duration, err := entry.Clock()
	if err != nil {
		return nil, err
	}

	from := now
	if window.Start.After(from) {
		from = window.Start
	}
	to := until
	if window.End.Before(to) {
		to = window.End
	}
	if to.Before(from) {
		return nil, nil
	}

	first := from.In(loc)
	last := to.In(loc)

	var out []candidate
	day := time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, loc)
	for !day.After(last) {
		if day.Weekday() == entry.Weekday() {
			at := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
			if !at.Before(from) && !at.After(to) {
				out = append(out, candidate{entry: idx, startsAt: at, duration: duration})
			}
		}
		day = day.AddDate(0, 0, 1)
	}

	return out, nil
}
