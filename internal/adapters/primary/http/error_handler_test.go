package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	stdhttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestErrorHandler_MapsDomainErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{apperrors.ErrUnauthorized, stdhttp.StatusUnauthorized, "UNAUTHORIZED"},
		{fmt.Errorf("join: %w", apperrors.ErrForbidden), stdhttp.StatusForbidden, "FORBIDDEN"},
		{apperrors.ErrUnknownNamespace, stdhttp.StatusNotFound, "NAMESPACE_NOT_FOUND"},
		{apperrors.ErrConnectionNotFound, stdhttp.StatusNotFound, "CONNECTION_NOT_FOUND"},
		{apperrors.ErrConnectionClosed, stdhttp.StatusGone, "CONNECTION_CLOSED"},
		{apperrors.ErrMalformedMessage, stdhttp.StatusBadRequest, "BAD_REQUEST"},
		{apperrors.ErrShuttingDown, stdhttp.StatusServiceUnavailable, "SHUTTING_DOWN"},
		{apperrors.ErrRateLimited, stdhttp.StatusTooManyRequests, "RATE_LIMITED"},
		{errors.New("boom"), stdhttp.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	h := NewErrorHandler(discardLogger())
	for _, tc := range tests {
		t.Run(tc.code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Handle(rec, httptest.NewRequest(stdhttp.MethodPost, "/", nil), tc.err)

			assert.Equal(t, tc.status, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestErrorHandler_InternalErrorsAreNotLeaked(t *testing.T) {
	rec := httptest.NewRecorder()
	NewErrorHandler(discardLogger()).Handle(rec, httptest.NewRequest(stdhttp.MethodGet, "/", nil), errors.New("pq: secret detail"))

	assert.NotContains(t, rec.Body.String(), "secret detail")
}
