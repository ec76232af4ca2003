// Package authapi is a typed client for the identity server's /auth endpoints.
package authapi

import (
	"context"
	"net/http"
	"time"

	"github.com/tendant/simple-idm-session/pkg/domain"
	"github.com/tendant/simple-idm-session/pkg/transport"
)

// Endpoint paths, relative to the server base URL.
const (
	PathLogin              = "/auth/login"
	PathRegister           = "/auth/register"
	PathRefresh            = "/auth/refresh"
	PathMe                 = "/auth/me"
	PathLogout             = "/auth/logout"
	PathGoogle             = "/auth/google"
	PathCompleteOnboarding = "/auth/onboarding/complete"
	PathChangePassword     = "/auth/change-password"
	PathHealth             = "/health"
)

// Doer performs one request/response cycle. *transport.Client implements it.
type Doer interface {
	Do(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Credentials is the password login request.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest creates an account.
type RegisterRequest struct {
	Email    string  `json:"email"`
	Password string  `json:"password"`
	Name     string  `json:"name,omitempty"`
	Username *string `json:"username,omitempty"`
}

// GoogleRequest exchanges a Google ID token for a session.
type GoogleRequest struct {
	IDToken string `json:"id_token"`
}

// RefreshRequest carries the refresh token for body-based clients.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

// LogoutRequest revokes the refresh token for body-based clients.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

// OnboardingRequest completes onboarding.
type OnboardingRequest struct {
	Username string  `json:"username"`
	Name     *string `json:"name,omitempty"`
}

// ChangePasswordRequest changes the current user's password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// Client calls the auth endpoints.
type Client struct {
	doer Doer
	now  func() time.Time
}

// New creates a client over doer.
func New(doer Doer) *Client {
	return &Client{doer: doer, now: time.Now}
}

// Login exchanges credentials for tokens.
// POST /auth/login
func (c *Client) Login(ctx context.Context, creds Credentials) (*domain.AuthResult, error) {
	return c.authResult(ctx, PathLogin, creds)
}

// Register creates an account and starts a session.
// POST /auth/register
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*domain.AuthResult, error) {
	return c.authResult(ctx, PathRegister, req)
}

// Google exchanges a Google ID token for tokens.
// POST /auth/google
func (c *Client) Google(ctx context.Context, idToken string) (*domain.AuthResult, error) {
	return c.authResult(ctx, PathGoogle, GoogleRequest{IDToken: idToken})
}

// Refresh rotates the refresh token. An empty refreshToken relies on the
// HttpOnly cookie carried by the transport jar.
// POST /auth/refresh
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	resp, err := c.doer.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   PathRefresh,
		Body:   RefreshRequest{RefreshToken: refreshToken},
	})
	if err != nil {
		return nil, err
	}

	var pair domain.TokenPair
	if err := resp.Decode(&pair); err != nil {
		return nil, err
	}
	if pair.AccessToken == "" {
		return nil, domain.ErrMissingToken
	}
	c.stampExpiry(&pair)
	return &pair, nil
}

// Me fetches the full user record.
// GET /auth/me
func (c *Client) Me(ctx context.Context, accessToken string) (*domain.User, error) {
	resp, err := c.doer.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   PathMe,
		Token:  accessToken,
	})
	if err != nil {
		return nil, err
	}

	var user domain.User
	if err := resp.Decode(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Logout revokes the refresh token server-side.
// POST /auth/logout
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	_, err := c.doer.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   PathLogout,
		Body:   LogoutRequest{RefreshToken: refreshToken},
	})
	return err
}

// CompleteOnboarding finishes onboarding and returns the updated user.
// POST /auth/onboarding/complete
func (c *Client) CompleteOnboarding(ctx context.Context, accessToken string, req OnboardingRequest) (*domain.User, error) {
	resp, err := c.doer.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   PathCompleteOnboarding,
		Body:   req,
		Token:  accessToken,
	})
	if err != nil {
		return nil, err
	}

	var user domain.User
	if err := resp.Decode(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ChangePassword changes the current user's password.
// POST /auth/change-password
func (c *Client) ChangePassword(ctx context.Context, accessToken string, req ChangePasswordRequest) error {
	_, err := c.doer.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   PathChangePassword,
		Body:   req,
		Token:  accessToken,
	})
	return err
}

// Health probes server reachability.
// GET /health
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doer.Do(ctx, transport.Request{Method: http.MethodGet, Path: PathHealth})
	return err
}

func (c *Client) authResult(ctx context.Context, path string, body any) (*domain.AuthResult, error) {
	resp, err := c.doer.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   path,
		Body:   body,
	})
	if err != nil {
		return nil, err
	}

	var result domain.AuthResult
	if err := resp.Decode(&result); err != nil {
		return nil, err
	}
	if result.AccessToken == "" {
		return nil, domain.ErrMissingToken
	}
	c.stampExpiry(&result.TokenPair)
	return &result, nil
}

func (c *Client) stampExpiry(pair *domain.TokenPair) {
	if pair.ExpiresIn > 0 {
		pair.ExpiresAt = c.now().Add(time.Duration(pair.ExpiresIn) * time.Second)
	}
}
