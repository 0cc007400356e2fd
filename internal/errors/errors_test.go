package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError(t *testing.T) {
	err := ValidationError("invalid input")

	assert.Equal(t, TypeValidation, err.Type)
	assert.Equal(t, "invalid input", err.Message)
	assert.Nil(t, err.Cause)
	assert.NotNil(t, err.Context)
	assert.Equal(t, http.StatusBadRequest, err.HTTPStatus())
	assert.Contains(t, err.Error(), "validation")
	assert.Contains(t, err.Error(), "invalid input")
}

func TestAuthError(t *testing.T) {
	cause := fmt.Errorf("signature mismatch")
	err := AuthError("token rejected", cause)

	assert.Equal(t, TypeAuthInvalid, err.Type)
	assert.Equal(t, cause, err.Cause)
	assert.Equal(t, http.StatusUnauthorized, err.HTTPStatus())
	assert.Contains(t, err.Error(), "auth_invalid")
	assert.Contains(t, err.Error(), "signature mismatch")
}

func TestPermissionDeniedError(t *testing.T) {
	err := PermissionDeniedError("no access to board")

	assert.Equal(t, TypePermissionDenied, err.Type)
	assert.Equal(t, http.StatusForbidden, err.HTTPStatus())
}

func TestResyncRequiredError(t *testing.T) {
	err := ResyncRequiredError("sequence outside window")

	assert.Equal(t, TypeResyncRequired, err.Type)
	assert.Equal(t, http.StatusGone, err.HTTPStatus())
}

func TestSequencerUnavailableError(t *testing.T) {
	cause := fmt.Errorf("redis: connection refused")
	err := SequencerUnavailableError("cannot sequence event", cause)

	assert.Equal(t, TypeSequencerUnavailable, err.Type)
	assert.Equal(t, http.StatusServiceUnavailable, err.HTTPStatus())
	assert.Contains(t, err.Error(), "connection refused")
}

func TestInternalError(t *testing.T) {
	cause := fmt.Errorf("database connection failed")
	err := InternalError("failed to check permission", cause)

	assert.Equal(t, TypeInternal, err.Type)
	assert.Equal(t, cause, err.Cause)
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus())
	assert.Contains(t, err.Error(), "database connection failed")
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := InternalError("wrapper", cause)

	assert.True(t, errors.Is(err, cause))

	var structured *Error
	require.True(t, errors.As(error(err), &structured))
	assert.Equal(t, TypeInternal, structured.Type)
}

func TestWithContext(t *testing.T) {
	err := PermissionDeniedError("denied").
		WithContext("board_id", int64(42)).
		WithContext("user_id", int64(7))

	assert.Equal(t, int64(42), err.Context["board_id"])
	assert.Equal(t, int64(7), err.Context["user_id"])

	resp := err.ToResponse()
	assert.Equal(t, "denied", resp.Error)
	assert.Equal(t, TypePermissionDenied, resp.Type)
	assert.Equal(t, int64(42), resp.Context["board_id"])
}

func TestAsStructuredError(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		assert.Nil(t, AsStructuredError(nil))
	})

	t.Run("already structured", func(t *testing.T) {
		original := ValidationError("bad request")
		result := AsStructuredError(original)
		assert.Same(t, original, result)
	})

	t.Run("plain error wrapped as internal", func(t *testing.T) {
		plain := fmt.Errorf("something broke")
		result := AsStructuredError(plain)
		assert.Equal(t, TypeInternal, result.Type)
		assert.Equal(t, plain, result.Cause)
	})
}
