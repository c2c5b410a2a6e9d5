package monitoring

import (
	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"

	"go.uber.org/zap"
)

// LogNotifier writes status events to the log at a level matching their
// severity.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(event domain.StatusEvent) {
	kv := []interface{}{
		"severity", event.Severity,
		"active", event.Active,
		"time", event.Time,
	}
	if event.ConnectionID != "" {
		kv = append(kv, "connection_id", event.ConnectionID)
	}

	switch event.Severity {
	case domain.SeverityFatal:
		n.logger.Errorw(event.Message, kv...)
	case domain.SeverityWarning, domain.SeverityDegraded:
		n.logger.Warnw(event.Message, kv...)
	default:
		n.logger.Infow(event.Message, kv...)
	}
}

// MultiNotifier fans an event out to every notifier in order.
type MultiNotifier []ports.Notifier

func (m MultiNotifier) Notify(event domain.StatusEvent) {
	for _, n := range m {
		if n != nil {
			n.Notify(event)
		}
	}
}
