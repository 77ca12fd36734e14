package telemetry

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/italolelis/taskgraph/internal/logctx"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 64

// RequestID tags every status API request with an ID, reusing a well formed
// upstream one. The ID is echoed in the response and joins the log fields of
// the request context, so every record logged while serving it carries
// request_id.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)

		ctx := logctx.WithFields(r.Context(), logctx.Fields{RequestID: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the ID RequestID assigned, or "" outside a request.
func GetRequestID(ctx context.Context) string {
	return logctx.FieldsFromContext(ctx).RequestID
}

// validRequestID rejects IDs that would corrupt log lines or headers.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}

	for i := 0; i < len(id); i++ {
		if c := id[i]; c <= ' ' || c > '~' {
			return false
		}
	}

	return true
}
