package utils

import (
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestGenerateRequestID(t *testing.T) {
	a, b := GenerateRequestID(), GenerateRequestID()
	assert.NotEqual(t, a, b)
	_, err := uuid.Parse(a)
	assert.NoError(t, err)
}

func TestRequestID(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.NotEmpty(t, RequestID(r))

	r.Header.Set(RequestIDHeader, "abc")
	assert.Equal(t, "abc", RequestID(r))
}
