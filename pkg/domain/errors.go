package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Session errors
var (
	ErrNotReady        = errors.New("access token not available yet")
	ErrSessionExpired  = errors.New("session expired, sign in again")
	ErrNoRefreshToken  = errors.New("no refresh token stored")
	ErrSuperseded      = errors.New("refresh result superseded by a newer session transition")
	ErrMissingToken    = errors.New("server response did not include an access token")
	ErrStoreWrite      = errors.New("failed to persist refresh token")
	ErrInvalidPlatform = errors.New("invalid platform")
)

// Codes with special handling in the session layer.
const (
	CodeNoAccessToken      = "NO_ACCESS_TOKEN"
	CodeOnboardingRequired = "ONBOARDING_REQUIRED"
	CodeNetwork            = "NETWORK_ERROR"
)

// StatusNoResponse is the APIError status used when no response was received.
const StatusNoResponse = 0

// APIError is the normalized form of every non-2xx response and of transport
// failures. Status is 0 when no response was received.
type APIError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Status == StatusNoResponse {
		if e.Err != nil {
			return fmt.Sprintf("no response: %v", e.Err)
		}
		return "no response"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("%d: %s", e.Status, msg)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NotReadyError returns the distinguished "not ready" condition raised when
// a protected call is attempted without any access token.
func NotReadyError() *APIError {
	return &APIError{
		Status:  http.StatusUnauthorized,
		Code:    CodeNoAccessToken,
		Message: "no access token",
		Err:     ErrNotReady,
	}
}

// AsAPIError extracts an *APIError from err's chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsAuthFailure reports a definite auth failure: 401, excluding NO_ACCESS_TOKEN.
func IsAuthFailure(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Status == http.StatusUnauthorized && apiErr.Code != CodeNoAccessToken
}

// IsNotReady reports the NO_ACCESS_TOKEN condition.
func IsNotReady(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == CodeNoAccessToken
}

// IsOnboardingRequired reports a 403 ONBOARDING_REQUIRED response.
func IsOnboardingRequired(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Status == http.StatusForbidden && apiErr.Code == CodeOnboardingRequired
}

// IsNetwork reports that no response was received.
func IsNetwork(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Status == StatusNoResponse
}
