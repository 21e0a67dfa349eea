package status

import "go.uber.org/zap"

// LogSink writes toasts to the agent log. It serves headless runs where no
// page is connected to render them.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Push(title, message string, severity Severity) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := []zap.Field{zap.String("title", title), zap.String("message", message)}
	switch severity {
	case SeverityWarning:
		logger.Warn("notification", fields...)
	case SeverityError:
		logger.Error("notification", fields...)
	default:
		logger.Info("notification", fields...)
	}
}
