package utils

import (
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader carries the id of a client request.
const RequestIDHeader = "X-Request-ID"

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return uuid.NewString()
}

// RequestID returns the id supplied by the client, or a fresh one
func RequestID(r *http.Request) string {
	if id := r.Header.Get(RequestIDHeader); id != "" {
		return id
	}
	return GenerateRequestID()
}
