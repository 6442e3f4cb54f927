// Package middleware provides the HTTP middleware the control surface is
// mounted behind.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/helmsman-dev/helmsman/internal/logger"
)

const headerRequestID = "X-Request-ID"

// RequestID honors an incoming X-Request-ID or assigns a fresh uuid, the
// same id scheme the domain entities use. The id lands in the request
// context and on the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}

		ctx := logger.WithRequestID(r.Context(), id)
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
