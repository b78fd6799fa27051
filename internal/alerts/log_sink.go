package alerts

import (
	"context"
	"log/slog"
)

// LogSink writes notifications to the structured log. It stands in for
// email delivery when no SMTP credentials are configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(ctx context.Context, msg Message) error {
	if s == nil || s.logger == nil {
		return nil
	}
	s.logger.WarnContext(ctx, "account notification",
		slog.String("account_id", msg.AccountID),
		slog.String("kind", string(msg.Kind)),
		slog.String("email", msg.Email),
		slog.String("subject", msg.Subject),
		slog.String("body", msg.Body),
		slog.Int64("remaining_tokens", msg.Remaining),
		slog.Float64("usage_percentage", msg.UsagePercent),
		slog.Time("timestamp", msg.Timestamp.UTC()),
	)
	return nil
}
