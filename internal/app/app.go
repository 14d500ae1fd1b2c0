// Package app wires the fundis daemon: storage, the M-Pesa client, the
// booking ledger, the payment reconciler, notifications, the stale-payment
// sweeper, and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/fundis/internal/audit"
	"github.com/MarkoPoloResearchLab/fundis/internal/httpapi"
	"github.com/MarkoPoloResearchLab/fundis/internal/mpesa"
	"github.com/MarkoPoloResearchLab/fundis/internal/notify"
	"github.com/MarkoPoloResearchLab/fundis/internal/sweeper"
	"github.com/MarkoPoloResearchLab/fundis/pkg/marketplace"
	"go.uber.org/zap"
)

// Services holds the wired domain components.
type Services struct {
	Ledger     *marketplace.BookingLedger
	Reconciler *marketplace.PaymentReconciler
}

// Run serves the marketplace until ctx is cancelled. cfg must be validated.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	database, err := OpenDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = database.Close() }()
	if err := PrepareSchema(database, false); err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, database)
	if err != nil {
		return err
	}
	defer closeStore()

	sink, closeSink, err := buildNotificationSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	gateway, err := mpesa.NewClient(cfg.MPesa, mpesa.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("mpesa client: %w", err)
	}

	services, err := NewServices(cfg, store, gateway, sink, logger, func() time.Time { return time.Now().UTC() })
	if err != nil {
		return err
	}

	if cfg.SweeperEnabled {
		staleSweeper, err := sweeper.New(services.Reconciler, cfg.Sweeper, logger)
		if err != nil {
			return err
		}
		if err := staleSweeper.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if stopErr := staleSweeper.Stop(); stopErr != nil {
				logger.Warn("sweeper shutdown error", zap.Error(stopErr))
			}
		}()
	}

	handler, err := httpapi.NewHandler(cfg.HTTP, services.Ledger, services.Reconciler, logger)
	if err != nil {
		return err
	}
	logger.Info("fundis starting",
		zap.String("store_driver", cfg.StoreDriver),
		zap.String("database_driver", database.Driver),
		zap.String("payment_policy", cfg.PaymentPolicy),
		zap.String("mpesa_environment", string(cfg.MPesa.Environment)),
		zap.Strings("notifiers", cfg.Notifiers),
		zap.Bool("sweeper", cfg.SweeperEnabled))
	return httpapi.Serve(ctx, cfg.HTTP, handler)
}

// NewServices builds the ledger and reconciler over an already opened store.
func NewServices(cfg Config, store marketplace.Store, gateway marketplace.Gateway, sink marketplace.NotificationSink, logger *zap.Logger, now func() time.Time) (Services, error) {
	operationLogger := audit.NewZapOperationLogger(logger)
	ledger, err := marketplace.NewBookingLedger(store, now, marketplace.WithLedgerLogger(operationLogger))
	if err != nil {
		return Services{}, fmt.Errorf("booking ledger init: %w", err)
	}
	callbackURL, err := cfg.CallbackURL()
	if err != nil {
		return Services{}, err
	}
	defaultPrice, err := marketplace.NewAmountCents(cfg.DefaultPriceCents())
	if err != nil {
		return Services{}, err
	}
	reconciler, err := marketplace.NewPaymentReconciler(store, gateway, now,
		marketplace.ReconcilerConfig{
			CallbackURL:       callbackURL,
			DefaultPriceCents: defaultPrice,
			StaleAfter:        cfg.StaleAfter,
			QueryAfter:        cfg.QueryAfter,
		},
		marketplace.WithReconcilerLogger(operationLogger),
		marketplace.WithNotificationSink(sink),
		marketplace.WithBookingPaymentPolicy(paymentPolicy(cfg.PaymentPolicy)),
	)
	if err != nil {
		return Services{}, fmt.Errorf("payment reconciler init: %w", err)
	}
	return Services{Ledger: ledger, Reconciler: reconciler}, nil
}

func paymentPolicy(name string) marketplace.BookingPaymentPolicy {
	if name == PaymentPolicyMirror {
		return marketplace.MirrorPaymentStatus{}
	}
	return marketplace.IndependentLifecycles{}
}

func buildNotificationSink(ctx context.Context, cfg Config, logger *zap.Logger) (marketplace.NotificationSink, func(), error) {
	var (
		sinks   notify.Fanout
		closers []func() error
	)
	closeAll := func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Warn("notifier close error", zap.Error(err))
			}
		}
	}
	for _, name := range cfg.Notifiers {
		switch name {
		case NotifierLog:
			sinks = append(sinks, notify.NewLogSink(logger))
		case NotifierSNS:
			sink, err := notify.NewSNSSinkFromEnvironment(ctx, cfg.SNSRegion, cfg.SNSSenderID)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			sinks = append(sinks, sink)
		case NotifierAMQP:
			sink, err := notify.DialAMQPSink(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			sinks = append(sinks, sink)
			closers = append(closers, sink.Close)
		default:
			closeAll()
			return nil, nil, fmt.Errorf("unknown notifier %q", name)
		}
	}
	return sinks, closeAll, nil
}
