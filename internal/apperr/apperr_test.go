package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "without cause",
			err:      New(CodeNotFound, "session not found"),
			expected: "[NOT_FOUND] session not found",
		},
		{
			name:     "with cause",
			err:      Wrap(CodeUpstream, "list namespaces", errors.New("forbidden")),
			expected: "[UPSTREAM] list namespaces: forbidden",
		},
		{
			name:     "formatted",
			err:      Newf(CodeInvalidRole, "role %q requires a reference", "custom"),
			expected: `[INVALID_ROLE] role "custom" requires a reference`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapWithContext(CodeConnectivity, "dial", cause, map[string]any{"host": "10.0.0.1"})

	require.ErrorIs(t, err, cause)
	assert.Equal(t, "10.0.0.1", err.Context["host"])
}

func TestCodeOf(t *testing.T) {
	inner := New(CodeTimeout, "command timed out")
	outer := fmt.Errorf("installing: %w", inner)

	assert.Equal(t, CodeTimeout, CodeOf(outer))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeInternal, CodeOf(nil))
}

func TestIsWalksNestedCodes(t *testing.T) {
	err := Wrap(CodeCheck, "status probe", New(CodeTimeout, "helm list"))

	assert.True(t, Is(err, CodeCheck))
	assert.True(t, Is(err, CodeTimeout))
	assert.False(t, Is(err, CodeUpstream))
	assert.False(t, Is(errors.New("plain"), CodeInternal))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeInvalidRequest, http.StatusBadRequest},
		{CodeInvalidRole, http.StatusBadRequest},
		{CodeAuthentication, http.StatusBadRequest},
		{CodeNotFound, http.StatusNotFound},
		{CodeDuplicateName, http.StatusConflict},
		{CodeAlreadyInstalled, http.StatusConflict},
		{CodeConnectivity, http.StatusBadGateway},
		{CodeProtocol, http.StatusBadGateway},
		{CodeConnection, http.StatusBadGateway},
		{CodeUpstream, http.StatusBadGateway},
		{CodeProvision, http.StatusBadGateway},
		{CodePartialProvision, http.StatusBadGateway},
		{CodeCheck, http.StatusBadGateway},
		{CodeDependencyMissing, http.StatusBadGateway},
		{CodeTimeout, http.StatusGatewayTimeout},
		{CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.code))
		})
	}
}
