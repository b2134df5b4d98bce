package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnauthorized_MatchesSentinelAndKeepsCause(t *testing.T) {
	cause := errors.New("signature is invalid")
	err := fmt.Errorf("gate: %w", Unauthorized(cause))

	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrForbidden)

	var appErr *Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, http.StatusUnauthorized, appErr.Status)
	assert.Equal(t, InfoUnauthorized, appErr.Info)
}

func TestValidation_CarriesDetails(t *testing.T) {
	err := Validation("chatId is required")
	assert.Equal(t, InfoValidationError, err.Info)
	assert.Equal(t, http.StatusBadRequest, err.Status)
	assert.Contains(t, err.Error(), "chatId is required")
}
