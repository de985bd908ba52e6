package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Freeeeeet/class_scheduler/internal/app"
	"github.com/Freeeeeet/class_scheduler/internal/config"
	"github.com/Freeeeeet/class_scheduler/internal/mq"
	"github.com/Freeeeeet/class_scheduler/internal/repository"
	"github.com/Freeeeeet/class_scheduler/internal/service"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version задаётся при сборке через -ldflags
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "scheduler",
	Short:         "Multi-tenant class scheduling and booking engine",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(bookCmd)
	rootCmd.AddCommand(entitlementCmd)
	rootCmd.AddCommand(instancesCmd)
	rootCmd.AddCommand(classCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// deps всё, что нужно командам: конфиг, логгер, пул, репозитории и сервисы
type deps struct {
	cfg    *config.Config
	logger *zap.Logger
	pool   *pgxpool.Pool

	classes      *repository.ClassRepository
	instances    *repository.InstanceRepository
	entitlements *repository.EntitlementRepository

	selector  *service.EntitlementSelector
	generator *service.GeneratorService
	booking   *service.BookingService
	grants    *service.EntitlementService

	publisher *mq.Publisher // nil если RABBIT_URL не задан
}

func setup(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := app.NewLogger(cfg.Environment)
	if err != nil {
		return nil, err
	}
	if !cfg.EnvFileLoaded {
		logger.Debug("No .env file found, using environment variables")
	}

	pool, err := app.NewPool(ctx, cfg.DBDSN, cfg.StoreTimeout)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	tieBreak, err := service.ParseTieBreak(cfg.TieBreak)
	if err != nil {
		pool.Close()
		return nil, err
	}

	d := &deps{
		cfg:          cfg,
		logger:       logger,
		pool:         pool,
		classes:      repository.NewClassRepository(pool),
		instances:    repository.NewInstanceRepository(pool),
		entitlements: repository.NewEntitlementRepository(pool),
	}

	bookingOpts := []service.BookingOption{
		service.WithBookingRetries(cfg.BookingMaxRetries, cfg.BookingRetryBase),
		service.WithBookingStoreTimeout(cfg.StoreTimeout),
	}
	if cfg.EventsEnabled() {
		d.publisher, err = mq.NewPublisher(cfg.RabbitURL, cfg.BookingExchange)
		if err != nil {
			pool.Close()
			return nil, err
		}
		bookingOpts = append(bookingOpts, service.WithEventPublisher(d.publisher))
	}

	d.selector = service.NewEntitlementSelector(d.entitlements, tieBreak, cfg.StoreTimeout, logger)
	d.generator = service.NewGeneratorService(d.classes, d.instances, logger,
		service.WithGeneratorConcurrency(cfg.GenerationConcurrency),
		service.WithGeneratorStoreTimeout(cfg.StoreTimeout),
	)
	d.booking = service.NewBookingService(d.instances, d.entitlements, d.selector, logger, bookingOpts...)
	d.grants = service.NewEntitlementService(d.entitlements, cfg.StoreTimeout, logger)

	return d, nil
}

func (d *deps) Close() {
	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			d.logger.Warn("Failed to close publisher", zap.Error(err))
		}
	}
	d.pool.Close()
	_ = d.logger.Sync()
}

// withDeps оборачивает RunE: поднимает зависимости и закрывает их после команды
func withDeps(run func(cmd *cobra.Command, d *deps, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		d, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()
		return run(cmd, d, args)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
