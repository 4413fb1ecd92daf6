package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Pipeline
	FieldBucket = "bucket"
	FieldKey    = "key"
	FieldQueue  = "queue"
	FieldTopic  = "topic"

	// Service
	FieldService = "service"
)
