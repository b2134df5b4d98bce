// Package apperr holds the domain and auth errors that are reported back to a
// connection with a stable info code and an HTTP-like status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Info codes sent in the response envelope.
const (
	InfoOK                   = "OK"
	InfoAccessDenied         = "ACCESS_DENIED"
	InfoAccountSuspended     = "ACCOUNT_SUSPENDED"
	InfoInternalServerError  = "INTERNAL_SERVER_ERROR"
	InfoInvalidData          = "INVALID_DATA"
	InfoInvalidChatID        = "INVALID_CHAT_ID"
	InfoInvalidMessageID     = "INVALID_MESSAGE_ID"
	InfoLoginAlreadyInUse    = "LOGIN_ALREADY_IN_USE"
	InfoMissingData          = "MISSING_DATA"
	InfoMissingToken         = "MISSING_TOKEN"
	InfoOldPasswordIsInvalid = "OLD_PASSWORD_IS_INVALID"
	InfoUnauthorized         = "UNAUTHORIZED"
	InfoValidationError      = "VALIDATION_ERROR"
)

// Error is an expected failure that is safe to show to the caller.
type Error struct {
	Info    string
	Status  int
	Details string
	// Err is the underlying cause. It is never sent to the client.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Info, e.Err)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Info, e.Details)
	}
	return e.Info
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two *Error values by info code so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Info == e.Info && t.Status == e.Status
}

var (
	ErrMissingToken       = &Error{Info: InfoMissingToken, Status: http.StatusUnauthorized}
	ErrUnauthorized       = &Error{Info: InfoUnauthorized, Status: http.StatusUnauthorized}
	ErrForbidden          = &Error{Info: InfoAccessDenied, Status: http.StatusForbidden}
	ErrAccountSuspended   = &Error{Info: InfoAccountSuspended, Status: http.StatusForbidden}
	ErrInvalidChatID      = &Error{Info: InfoInvalidChatID, Status: http.StatusBadRequest}
	ErrInvalidMessageID   = &Error{Info: InfoInvalidMessageID, Status: http.StatusBadRequest}
	ErrInvalidData        = &Error{Info: InfoInvalidData, Status: http.StatusBadRequest}
	ErrMissingData        = &Error{Info: InfoMissingData, Status: http.StatusBadRequest}
	ErrLoginAlreadyInUse  = &Error{Info: InfoLoginAlreadyInUse, Status: http.StatusBadRequest}
	ErrOldPasswordInvalid = &Error{Info: InfoOldPasswordIsInvalid, Status: http.StatusBadRequest}
)

// Validation reports a malformed payload.
func Validation(details string) *Error {
	return &Error{Info: InfoValidationError, Status: http.StatusBadRequest, Details: details}
}

// Unauthorized wraps a cause (bad signature, expired token...) without exposing it.
func Unauthorized(cause error) *Error {
	return &Error{Info: InfoUnauthorized, Status: http.StatusUnauthorized, Err: cause}
}
