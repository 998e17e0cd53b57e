package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/shelfwatch/idgen"
	"github.com/hazyhaar/shelfwatch/kit"
)

// RequestIDHeader carries the request id on responses, and on requests when
// a proxy already assigned one.
const RequestIDHeader = "X-Request-ID"

var newRequestID = idgen.Prefixed("req_", idgen.Default)

// RequestID assigns each request an id, echoes it in the response headers
// and records it with the remote address on the kit context, together with
// a per-request logger under LoggerKey.
func RequestID(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 64 {
				id = newRequestID()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := kit.WithRequestID(r.Context(), id)
			ctx = kit.WithRemoteAddr(ctx, ClientIP(r))
			reqLogger := logger.With(
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx = context.WithValue(ctx, LoggerKey, reqLogger)
			reqLogger.Debug("request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
