package session

import (
	"context"

	"github.com/tendant/simple-idm-session/pkg/authapi"
	"github.com/tendant/simple-idm-session/pkg/domain"
	"github.com/tendant/simple-idm-session/pkg/transport"
)

// ProtectedFunc performs one protected call with the given access token.
// It may be invoked twice: once, and once more as a replay after renewal.
type ProtectedFunc func(ctx context.Context, accessToken string) error

// CallProtected runs call with an access token, renewing and replaying once
// on a definite 401.
//
// An explicit token takes precedence over the current one. Without any
// token it fails with the NO_ACCESS_TOKEN condition. A renewal rejected as
// unauthorized or no_refresh_token logs out; network/unknown renewal
// failures leave the session untouched. Both return the original error.
// Any replay failure other than NO_ACCESS_TOKEN or ONBOARDING_REQUIRED logs
// out and returns the replay's error.
// 403 ONBOARDING_REQUIRED calls the onboarding hook and is returned as is.
func (m *Manager) CallProtected(ctx context.Context, explicitToken string, call ProtectedFunc) error {
	token := explicitToken
	if token == "" {
		token = m.AccessToken()
	}
	if token == "" {
		return domain.NotReadyError()
	}

	err := call(ctx, token)
	if err == nil {
		return nil
	}
	if domain.IsOnboardingRequired(err) {
		m.onboardingRequired(ctx)
		return err
	}
	if !domain.IsAuthFailure(err) {
		return err
	}

	out := m.refresher.Refresh(ctx)
	if !out.OK {
		if out.Reason.IsAuthDefinite() {
			m.logger.Info("renewal rejected after 401, logging out", "reason", out.Reason)
			_ = m.Logout(ctx)
		} else {
			m.logger.Warn("renewal failed after 401, keeping session", "reason", out.Reason, "error", out.Err)
		}
		return err
	}

	replayErr := call(ctx, out.AccessToken)
	if replayErr == nil {
		return nil
	}
	switch {
	case domain.IsOnboardingRequired(replayErr):
		m.onboardingRequired(ctx)
	case domain.IsNotReady(replayErr):
	default:
		m.logger.Info("replay failed after renewal, logging out", "error", replayErr)
		_ = m.Logout(ctx)
	}
	return replayErr
}

// ProtectedClient sends arbitrary requests through the auth-retry wrapper.
// Domain features use it for their own protected endpoints.
type ProtectedClient struct {
	m    *Manager
	doer authapi.Doer
}

// Protected returns a client that wraps doer with CallProtected.
func (m *Manager) Protected(doer authapi.Doer) *ProtectedClient {
	return &ProtectedClient{m: m, doer: doer}
}

// Do sends req. req.Token, when set, is used instead of the current token.
func (p *ProtectedClient) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	var resp *transport.Response
	err := p.m.CallProtected(ctx, req.Token, func(ctx context.Context, token string) error {
		attempt := req
		attempt.Token = token
		r, err := p.doer.Do(ctx, attempt)
		resp = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
