package logger

import "time"

// Standard field key constants for structured logging.
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldClientID   = "client_id"
	FieldConnID     = "connection_id"
	FieldOperation  = "operation"
	FieldCircuit    = "circuit"
	FieldError      = "error"
	FieldDuration   = "duration_ms"
	FieldAttempt    = "attempt"
	FieldQueueDepth = "queue_depth"
)

// Fields builds a map[string]any from alternating key-value pairs.
//
//	logger.Info("released", logger.Fields("connection_id", id, "healthy", true))
func Fields(kvs ...any) map[string]any {
	m := make(map[string]any, len(kvs)/2)
	for i := 0; i < len(kvs)-1; i += 2 {
		if key, ok := kvs[i].(string); ok {
			m[key] = kvs[i+1]
		}
	}
	return m
}

// RequestFields creates the standard per-request field set.
func RequestFields(requestID, clientID, operation string) map[string]any {
	return map[string]any{
		FieldRequestID: requestID,
		FieldClientID:  clientID,
		FieldOperation: operation,
	}
}

// ErrorFields creates fields for an operation that failed.
func ErrorFields(op string, err error) map[string]any {
	return map[string]any{
		FieldOperation: op,
		FieldError:     err.Error(),
	}
}

// DurationFields creates fields for a timed operation.
func DurationFields(op string, d time.Duration) map[string]any {
	return map[string]any{
		FieldOperation: op,
		FieldDuration:  d.Milliseconds(),
	}
}
