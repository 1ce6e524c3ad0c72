package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type contextKey int

const correlationKey contextKey = iota

// CorrelationID returns the request's correlation id.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// Correlation assigns every request a correlation id, honoring an
// inbound X-Correlation-Id, and echoes it on the response.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, id)))
	})
}

// Deadline applies a per-request context deadline. Clients may lower
// (never raise past max) the default via an X-Request-Timeout header
// holding a Go duration; the applied timeout and its deadline are
// echoed as response headers.
func Deadline(def, min, max time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			timeout := def
			if raw := strings.TrimSpace(r.Header.Get("X-Request-Timeout")); raw != "" {
				if d, err := time.ParseDuration(raw); err == nil && d > 0 {
					timeout = d
				}
			}
			if min > 0 && timeout < min {
				timeout = min
			}
			if max > 0 && timeout > max {
				timeout = max
			}
			if timeout <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			w.Header().Set("X-Request-Timeout", timeout.String())
			w.Header().Set("X-Request-Deadline-At", time.Now().Add(timeout).UTC().Format(time.RFC3339))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
