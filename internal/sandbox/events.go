package sandbox

import (
	"time"
)

// SecurityEventType classifies a security event.
type SecurityEventType string

// Security event types.
const (
	EventPermissionDenied SecurityEventType = "permission-denied"
	EventTimeout          SecurityEventType = "timeout"
	EventResourceLimit    SecurityEventType = "resource-limit"
	EventResourceRejected SecurityEventType = "resource-rejected"
	EventEvaluationDenied SecurityEventType = "evaluation-denied"
)

// SecurityEvent records a denied operation or a timeout. Events are
// delivered separately from returned errors so hosts can audit repeated
// violations per plugin.
type SecurityEvent struct {
	ID         string
	Time       time.Time
	SandboxID  string
	PluginName string
	Type       SecurityEventType
	Message    string
	Data       map[string]any
}

// SecurityEventHandler receives security events. It runs synchronously on
// the goroutine that detected the violation.
type SecurityEventHandler func(SecurityEvent)
