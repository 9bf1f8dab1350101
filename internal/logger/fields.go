package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, carried on the context logger through a call chain.
const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldJobID is the import job ID
	FieldJobID = "job_id"

	// FieldOrderID is the external (Shopify) order ID being processed
	FieldOrderID = "order_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldSource is the order source name
	FieldSource = "source"
)

// Metric fields, attached per log line through the Entry API.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldAttempt    = "attempt"
	FieldStatus     = "status"
)
