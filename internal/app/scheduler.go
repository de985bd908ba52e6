package app

import (
	"context"
	"fmt"
	"time"

	"github.com/Freeeeeet/class_scheduler/internal/service"
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Generator то, что нужно планировщику от сервиса генерации
type Generator interface {
	GenerateAll(ctx context.Context, horizon time.Duration) ([]*service.GenerationReport, error)
}

// Scheduler управляет фоновыми задачами
type Scheduler struct {
	sched     gocron.Scheduler
	generator Generator
	horizon   time.Duration
	interval  time.Duration
	logger    *zap.Logger
}

// NewScheduler создаёт новый планировщик
func NewScheduler(generator Generator, horizon, interval time.Duration, logger *zap.Logger) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	return &Scheduler{
		sched:     sched,
		generator: generator,
		horizon:   horizon,
		interval:  interval,
		logger:    logger,
	}, nil
}

// Start регистрирует генерацию занятий и запускает планировщик.
// Первый запуск выполняется сразу при старте.
func (s *Scheduler) Start(ctx context.Context) error {
	job, err := s.sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.generateInstances, ctx),
		gocron.WithName("generate-instances"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("register generation job: %w", err)
	}

	s.sched.Start()

	s.logger.Info("Background scheduler started",
		zap.String("job_id", job.ID().String()),
		zap.Duration("interval", s.interval),
		zap.Duration("horizon", s.horizon),
	)
	return nil
}

// Stop останавливает планировщик и ждёт завершения текущей задачи
func (s *Scheduler) Stop() error {
	s.logger.Info("Stopping background scheduler")
	if err := s.sched.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}

func (s *Scheduler) generateInstances(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	s.logger.Info("Starting automatic instance generation")

	reports, err := s.generator.GenerateAll(ctx, s.horizon)
	if err != nil {
		s.logger.Error("Failed to generate instances", zap.Error(err))
		return
	}

	created, failed := 0, 0
	for _, r := range reports {
		created += r.Created
		if r.Error != "" || r.Errored > 0 {
			failed++
		}
	}

	s.logger.Info("Automatic instance generation completed",
		zap.Int("classes", len(reports)),
		zap.Int("created", created),
		zap.Int("classes_with_errors", failed),
	)
}
