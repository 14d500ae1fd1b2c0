// Package notify delivers user-facing marketplace messages over SMS, a
// message broker, or the service log.
package notify

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/fundis/pkg/marketplace"
	"go.uber.org/zap"
)

// ErrNoPhone reports a recipient without a phone number on file.
var ErrNoPhone = errors.New("recipient has no phone number")

// LogSink writes messages to the service log instead of delivering them.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps a zap logger. A nil logger discards messages.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("notify")}
}

func (sink *LogSink) Notify(ctx context.Context, recipient marketplace.Recipient, message string) error {
	sink.logger.Info("user notification",
		zap.String("user_id", recipient.UserID.String()),
		zap.String("phone", recipient.Phone.String()),
		zap.String("message", message))
	return nil
}

// Fanout delivers each message to every sink and joins their failures.
type Fanout []marketplace.NotificationSink

func (fanout Fanout) Notify(ctx context.Context, recipient marketplace.Recipient, message string) error {
	var failures []error
	for _, sink := range fanout {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, recipient, message); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}
