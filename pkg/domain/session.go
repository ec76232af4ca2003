package domain

import (
	"time"
)

// Status is the single active state of the client session.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusRestoring       Status = "restoring"
	StatusAuthenticated   Status = "authenticated"
	StatusOnboarding      Status = "onboarding"
	StatusUnauthenticated Status = "unauthenticated"
	StatusDegraded        Status = "degraded"
)

// HasUser returns true for the states in which a user profile is held.
func (s Status) HasUser() bool {
	return s == StatusAuthenticated || s == StatusOnboarding
}

// TokenPair represents the access and refresh token pair.
// RefreshToken is empty when the server keeps it in an HttpOnly cookie.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"-"`
}

// AuthResult is the response of login, register and Google sign-in: a token
// pair plus the minimal user shape.
type AuthResult struct {
	TokenPair
	User *User `json:"user,omitempty"`
}

// RefreshReason tags a failed renewal attempt.
type RefreshReason string

const (
	ReasonNone           RefreshReason = ""
	ReasonNoRefreshToken RefreshReason = "no_refresh_token"
	ReasonUnauthorized   RefreshReason = "unauthorized"
	ReasonNetwork        RefreshReason = "network"
	ReasonUnknown        RefreshReason = "unknown"
	// ReasonCanceled means the caller stopped waiting. The renewal itself
	// may still complete and apply its own result.
	ReasonCanceled RefreshReason = "canceled"
)

// IsAuthDefinite returns true when the session cannot recover without new
// credentials.
func (r RefreshReason) IsAuthDefinite() bool {
	return r == ReasonUnauthorized || r == ReasonNoRefreshToken
}

// RefreshOutcome is the result of one renewal attempt. Reason is the only
// input to downstream transitions; Err is advisory.
type RefreshOutcome struct {
	OK          bool
	Reason      RefreshReason
	AccessToken string
	Err         error
}

// RefreshSucceeded builds a successful outcome.
func RefreshSucceeded(accessToken string) RefreshOutcome {
	return RefreshOutcome{OK: true, AccessToken: accessToken}
}

// RefreshFailed builds a failed outcome.
func RefreshFailed(reason RefreshReason, err error) RefreshOutcome {
	return RefreshOutcome{Reason: reason, Err: err}
}
