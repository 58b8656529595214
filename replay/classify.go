package replay

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// classifyStreamError labels a stream receive error with a short, stable
// tag for logging. The engine always retries stream errors regardless of
// the classification; the tag only feeds the structured log line's
// grpc_code field.
func classifyStreamError(err error) string {
	if err == nil {
		return ""
	}
	st, ok := status.FromError(err)
	if !ok {
		return "unknown"
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return "unavailable"
	case codes.Canceled:
		return "canceled"
	default:
		return st.Code().String()
	}
}
