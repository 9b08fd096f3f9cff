package log

// Canonical field names for structured logging.
const (
	FieldComponent = "component"
	FieldEvent     = "event"
	FieldCamera    = "camera"
	FieldRequestID = "request_id"
	FieldHandle    = "handle"
	FieldReason    = "reason"
	FieldPath      = "path"
	FieldAttempt   = "attempt"
)
