// Package notify delivers envelope events to logs and to AWS SNS.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/georgepadayatti/goesign/envelope"
)

var (
	_ envelope.Notifier = (*Log)(nil)
	_ envelope.Notifier = (*SNS)(nil)
	_ envelope.Notifier = Multi(nil)
)

// Log writes every event to a zap logger. Integrity events are logged at
// error level, everything else at info.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a Log notifier. A nil logger discards events.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, ev envelope.Event) error {
	fields := []zap.Field{
		zap.String("event_id", ev.EventID),
		zap.String("event_type", ev.EventType),
		zap.String("entity_id", ev.EntityID),
		zap.Time("occurred_at_utc", ev.OccurredAtUTC),
		zap.Any("payload", ev.Payload),
	}
	if ev.EventType == envelope.EventIntegrityMismatch {
		l.logger.Error("envelope event", fields...)
		return nil
	}
	l.logger.Info("envelope event", fields...)
	return nil
}

// Multi fans an event out to several notifiers. Every notifier is called;
// the errors are joined.
type Multi []envelope.Notifier

func (m Multi) Notify(ctx context.Context, ev envelope.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
