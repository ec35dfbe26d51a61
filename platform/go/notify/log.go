package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogDispatcher writes events to the structured log. Used when no broker is
// configured (local development, tests).
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher builds a log-only dispatcher.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger}
}

// Dispatch logs the event and always succeeds.
func (d *LogDispatcher) Dispatch(_ context.Context, event Event) error {
	d.logger.Info("workflow event",
		zap.String("record_id", event.RecordID.String()),
		zap.String("client_id", event.ClientID.String()),
		zap.String("kind", string(event.Kind)),
		zap.Strings("recipients", event.Recipients),
		zap.Time("occurred_at", event.OccurredAt),
	)
	return nil
}
