// Package sweeper periodically reconciles payments whose gateway callback
// never arrived.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/fundis/pkg/marketplace"
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const (
	defaultInterval  = time.Minute
	defaultBatchSize = 50
	jobName          = "reconcile_stale_payments"
)

// Reconciler is the slice of PaymentReconciler the sweeper drives.
type Reconciler interface {
	ReconcileStale(ctx context.Context, limit int) (marketplace.StaleReport, error)
}

// Config controls the sweep cadence.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Sweeper runs ReconcileStale on a gocron schedule. Runs never overlap.
type Sweeper struct {
	reconciler Reconciler
	config     Config
	logger     *zap.Logger
	scheduler  gocron.Scheduler
}

// New builds a Sweeper. Call Start to begin scheduling.
func New(reconciler Reconciler, config Config, logger *zap.Logger) (*Sweeper, error) {
	if reconciler == nil {
		return nil, errors.New("sweeper: reconciler is required")
	}
	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("sweeper: scheduler init: %w", err)
	}
	return &Sweeper{reconciler: reconciler, config: config, logger: logger.Named("sweeper"), scheduler: scheduler}, nil
}

// Start registers the sweep job bound to ctx and starts the scheduler.
func (sweeper *Sweeper) Start(ctx context.Context) error {
	_, err := sweeper.scheduler.NewJob(
		gocron.DurationJob(sweeper.config.Interval),
		gocron.NewTask(func() { sweeper.RunOnce(ctx) }),
		gocron.WithName(jobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("sweeper: register job: %w", err)
	}
	sweeper.scheduler.Start()
	sweeper.logger.Info("sweeper started", zap.Duration("interval", sweeper.config.Interval), zap.Int("batch_size", sweeper.config.BatchSize))
	return nil
}

// RunOnce performs a single sweep and logs the report.
func (sweeper *Sweeper) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := sweeper.reconciler.ReconcileStale(ctx, sweeper.config.BatchSize)
	if err != nil {
		sweeper.logger.Error("sweep failed", zap.Error(err))
		return
	}
	if report.Checked == 0 {
		return
	}
	sweeper.logger.Info("sweep finished",
		zap.Int("checked", report.Checked),
		zap.Int("applied", report.Applied),
		zap.Int("still_pending", report.StillPending),
		zap.Int("stuck", report.Stuck),
		zap.Int("failed", report.Failed))
}

// Stop shuts the scheduler down, waiting for a running sweep to return.
func (sweeper *Sweeper) Stop() error {
	return sweeper.scheduler.Shutdown()
}
