// Package middleware provides HTTP middleware for the pipewright API.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/pipewright/pipewright/internal/logger"
)

const (
	headerRequestID = "X-Request-ID"

	// maxRequestIDLen caps inbound ids; they end up in every log record for
	// the request, so junk values get replaced rather than carried along.
	maxRequestIDLen = 64
)

// RequestID is HTTP middleware that extracts X-Request-ID from the request
// header or generates a new one. The ID is stored in the context and set
// on the response header, so run events can be traced back to the request
// that caused them.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}

		ctx := logger.WithRequestID(r.Context(), id)
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
