package domain

import "time"

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityDegraded Severity = "degraded"
	SeverityFatal    Severity = "fatal"
)

// StatusEvent is reported to external observers. Active tells whether the
// service keeps running after the event.
type StatusEvent struct {
	Message      string
	Severity     Severity
	Active       bool
	ConnectionID ConnectionID
	Time         time.Time
}
