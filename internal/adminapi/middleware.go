package adminapi

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"runtime"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

const stackSize = 4096

// bearerAuth rejects requests whose Authorization header does not carry token.
func bearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="queue-admin"`)
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{
					Code:    "UNAUTHENTICATED",
					Message: "missing or invalid bearer token",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recoverer turns handler panics into 500 responses and logs the stack.
func recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				stack := make([]byte, stackSize)
				stack = stack[:runtime.Stack(stack, false)]
				logger.ErrorContext(r.Context(), "panic recovered",
					slog.Any("panic", rec),
					slog.String("request_id", middleware.GetReqID(r.Context())),
					slog.String("stack", string(stack)),
				)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
					Code:    "SYSTEM_ERROR",
					Message: "internal error",
				}})
			}()
			next.ServeHTTP(w, r)
		})
	}
}
