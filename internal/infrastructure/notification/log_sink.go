package notification

import (
	"context"

	"go.uber.org/zap"

	"github.com/garyjia/requisition-portal/internal/application/port"
)

// LogSink writes notifications to the application log
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs every notification
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("notify")}
}

func (s *LogSink) Name() string { return "log" }

// Notify logs n at info level
func (s *LogSink) Notify(ctx context.Context, n port.Notification) error {
	s.logger.Info(n.Message,
		zap.Int64("requisition_id", n.RequisitionID),
		zap.String("number", n.Number),
		zap.String("event", n.Event),
		zap.String("actor_id", n.ActorID),
		zap.String("target", n.Target),
	)
	return nil
}

// Verify interface compliance
var _ port.NotificationSink = (*LogSink)(nil)
