package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessageFormat(t *testing.T) {
	err := ConflictError("key locked").WithField("key", "safeSearch")
	assert.Equal(t, "conflict: key locked", err.Error())

	cause := errors.New("boom")
	wrapped := ExternalError("policy store failed", cause)
	assert.Equal(t, "external: policy store failed: boom", wrapped.Error())
	assert.True(t, errors.Is(wrapped, cause))
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err    *Error
		status int
	}{
		{ValidationError("bad"), http.StatusBadRequest},
		{NotFoundError("missing"), http.StatusNotFound},
		{ConflictError("locked"), http.StatusConflict},
		{InvalidStateError("not active"), http.StatusConflict},
		{ExternalError("down", nil), http.StatusBadGateway},
		{InternalError("oops", nil), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, tt.err.HTTPStatus(), string(tt.err.Type))
	}
}

func TestAsStructuredError(t *testing.T) {
	structured := InvalidStateError("cannot cancel")
	got := AsStructuredError(fmt.Errorf("wrap: %w", structured))
	require.Same(t, structured, got)

	plain := AsStructuredError(errors.New("plain"))
	assert.Equal(t, TypeInternal, plain.Type)
	assert.Equal(t, "internal server error", plain.Message)

	assert.Nil(t, AsStructuredError(nil))
}

func TestToResponseOmitsEmptyContext(t *testing.T) {
	err := NotFoundError("session not found").WithField("session_id", "abc")
	resp := err.ToResponse()
	assert.Equal(t, "session not found", resp.Error)
	assert.Equal(t, TypeNotFound, resp.Type)
	assert.Equal(t, "abc", resp.Context["session_id"])
}
