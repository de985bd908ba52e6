package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Freeeeeet/class_scheduler/internal/app"
	"github.com/Freeeeeet/class_scheduler/internal/consumer"
	"github.com/Freeeeeet/class_scheduler/internal/mq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const metricsShutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run periodic generation, the payment consumer and the metrics endpoint",
	RunE: withDeps(func(cmd *cobra.Command, d *deps, _ []string) error {
		ctx := cmd.Context()

		sched, err := app.NewScheduler(d.generator, d.cfg.GenerationHorizon, d.cfg.GenerationInterval, d.logger)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				d.logger.Warn("Failed to stop scheduler", zap.Error(err))
			}
		}()

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			return runMetricsServer(ctx, d.cfg.MetricsAddr, d.logger)
		})

		if d.cfg.EventsEnabled() {
			cons, err := mq.NewConsumer(d.cfg.RabbitURL, d.cfg.PaymentExchange, d.cfg.PaymentQueue,
				[]string{consumer.PaymentCompletedKey}, 16)
			if err != nil {
				return err
			}
			defer cons.Close()

			pc := consumer.NewPaymentConsumer(d.grants, cons, d.logger)
			g.Go(func() error {
				return pc.Run(ctx)
			})
		} else {
			d.logger.Info("RABBIT_URL not set, payment consumer disabled")
		}

		d.logger.Info("Scheduler is running", zap.String("version", Version))

		return g.Wait()
	}),
}

func runMetricsServer(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down metrics server cleanly", zap.Error(err))
		}
	}()

	logger.Info("Metrics endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
