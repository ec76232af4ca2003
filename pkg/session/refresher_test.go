package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idm-session/internal/authstub"
	"github.com/tendant/simple-idm-session/pkg/authapi"
	"github.com/tendant/simple-idm-session/pkg/domain"
)

func TestRefresh_SingleFlight(t *testing.T) {
	const callers = 8
	h := newHarness(t)
	h.login()
	before := h.stored()

	gate := make(chan struct{})
	h.stub.Inject(authapi.PathRefresh, authstub.Fault{Wait: gate})

	outcomes := make([]domain.RefreshOutcome, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = h.m.Refresher().Refresh(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return h.m.Refresher().Callers() == callers }, 2*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, h.calls(authapi.PathRefresh), "concurrent callers share one request")
	for _, out := range outcomes {
		require.True(t, out.OK, "outcome: %+v", out)
		assert.Equal(t, outcomes[0].AccessToken, out.AccessToken)
	}
	assert.Equal(t, outcomes[0].AccessToken, h.m.AccessToken())
	assert.NotEqual(t, before, h.stored())
	assert.Zero(t, h.m.Refresher().Callers())
}

func TestRefresh_NetworkKeepsToken(t *testing.T) {
	h := newHarness(t)
	h.login()
	token, access := h.stored(), h.m.AccessToken()
	h.stub.Inject(authapi.PathRefresh, authstub.Fault{Drop: true})

	out := h.m.Refresher().Refresh(context.Background())

	assert.False(t, out.OK)
	assert.Equal(t, domain.ReasonNetwork, out.Reason)
	assert.Equal(t, token, h.stored(), "status 0 never deletes the refresh token")
	assert.Equal(t, access, h.m.AccessToken(), "the refresher leaves state changes to its caller")
	assert.Equal(t, domain.StatusAuthenticated, h.m.Status())
}

func TestRefresh_ServerErrorIsUnknown(t *testing.T) {
	h := newHarness(t)
	h.login()
	token := h.stored()
	h.stub.Inject(authapi.PathRefresh, authstub.Fault{Status: http.StatusBadGateway})

	out := h.m.Refresher().Refresh(context.Background())

	assert.Equal(t, domain.ReasonUnknown, out.Reason)
	assert.Equal(t, token, h.stored())
}

func TestRefresh_UnauthorizedDeletesToken(t *testing.T) {
	h := newHarness(t)
	h.login()
	h.revokeAll()

	out := h.m.Refresher().Refresh(context.Background())

	assert.Equal(t, domain.ReasonUnauthorized, out.Reason)
	assert.Empty(t, h.stored(), "a definite 401 deletes the stored token")
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	h := newHarness(t)

	out := h.m.Refresher().Refresh(context.Background())

	assert.Equal(t, domain.ReasonNoRefreshToken, out.Reason)
	assert.ErrorIs(t, out.Err, domain.ErrNoRefreshToken)
	assert.Zero(t, h.calls(authapi.PathRefresh))
}

func TestRefresh_StoreWriteFailure(t *testing.T) {
	h := newHarness(t)
	h.login()
	access := h.m.AccessToken()
	h.memory.FailWrites(errors.New("read-only filesystem"))

	out := h.m.Refresher().Refresh(context.Background())

	assert.Equal(t, domain.ReasonUnknown, out.Reason)
	assert.ErrorIs(t, out.Err, domain.ErrStoreWrite)
	assert.Equal(t, access, h.m.AccessToken(), "an uncommitted renewal does not change the access token")
}

func TestRefresh_CallerCancellation(t *testing.T) {
	h := newHarness(t)
	h.login()
	gate := make(chan struct{})
	h.stub.Inject(authapi.PathRefresh, authstub.Fault{Wait: gate})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan domain.RefreshOutcome, 1)
	go func() { done <- h.m.Refresher().Refresh(ctx) }()

	require.Eventually(t, func() bool { return h.m.Refresher().Callers() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	out := <-done
	assert.Equal(t, domain.ReasonCanceled, out.Reason)
	assert.ErrorIs(t, out.Err, context.Canceled)

	// The shared renewal keeps running and still commits.
	before := h.m.AccessToken()
	close(gate)
	require.Eventually(t, func() bool { return h.m.AccessToken() != before }, 2*time.Second, 5*time.Millisecond)
}

func TestRenewSession_AbandonedWaitLeavesSession(t *testing.T) {
	h := newHarness(t)
	h.login()
	before := h.m.AccessToken()
	gate := make(chan struct{})
	h.stub.Inject(authapi.PathRefresh, authstub.Fault{Wait: gate, Times: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := h.m.RenewSession(ctx)

	assert.Equal(t, domain.ReasonCanceled, out.Reason)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.Equal(t, domain.StatusAuthenticated, h.m.Status())
	assert.Equal(t, before, h.m.AccessToken())

	close(gate)
	require.Eventually(t, func() bool { return h.m.AccessToken() != before }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusAuthenticated, h.m.Status())
	assert.True(t, h.stub.RefreshTokenValid(h.stored()))
}

func TestRenewSession_DegradedRecovers(t *testing.T) {
	h := newHarness(t)
	h.login()
	h.degrade()

	out := h.m.RenewSession(context.Background())

	require.True(t, out.OK, "renewal failed: %v", out.Err)
	state := h.m.State()
	assert.Equal(t, domain.StatusAuthenticated, state.Status)
	require.NotNil(t, state.User)
	assert.Equal(t, out.AccessToken, h.m.AccessToken())
}

func TestRenewSession_RotationKeepsOnlyLatest(t *testing.T) {
	h := newHarness(t)
	h.login()

	issued := []string{h.stored()}
	for range 5 {
		out := h.m.RenewSession(context.Background())
		require.True(t, out.OK, "renewal failed: %v", out.Err)
		issued = append(issued, h.stored())
	}

	latest := issued[len(issued)-1]
	assert.True(t, h.stub.RefreshTokenValid(latest))
	assert.Equal(t, 1, h.stub.ActiveSessions(h.user.ID))

	seen := map[string]bool{}
	for _, token := range issued[:len(issued)-1] {
		assert.False(t, seen[token], "every renewal rotates the token")
		seen[token] = true
		assert.False(t, h.stub.RefreshTokenValid(token))

		_, err := h.api.Refresh(context.Background(), token)
		assert.True(t, domain.IsAuthFailure(err), "a spent token is rejected")
	}
	assert.Equal(t, latest, h.stored())
	assert.Equal(t, domain.StatusAuthenticated, h.m.Status())
}

func TestRenewSession_NetworkFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.login()
	token := h.stored()
	h.stub.Inject(authapi.PathRefresh, authstub.Fault{Drop: true})

	out := h.m.RenewSession(context.Background())

	assert.Equal(t, domain.ReasonNetwork, out.Reason)
	state := h.m.State()
	assert.Equal(t, domain.StatusDegraded, state.Status)
	assert.Nil(t, state.User)
	assert.Empty(t, h.m.AccessToken())
	assert.Equal(t, token, h.stored())
}

func TestRenewSession_UnauthorizedSignsOut(t *testing.T) {
	h := newHarness(t)
	h.login()
	h.revokeAll()

	out := h.m.RenewSession(context.Background())

	assert.Equal(t, domain.ReasonUnauthorized, out.Reason)
	state := h.m.State()
	assert.Equal(t, domain.StatusUnauthenticated, state.Status)
	assert.Nil(t, state.User)
	assert.Empty(t, h.m.AccessToken())
	assert.Empty(t, h.stored())
}

func TestRenewSession_SupersededByLogout(t *testing.T) {
	h := newHarness(t)
	h.login()
	gate := make(chan struct{})
	h.stub.Inject(authapi.PathRefresh, authstub.Fault{Wait: gate})
	h.stub.Inject(authapi.PathLogout, authstub.Fault{Drop: true})

	done := make(chan domain.RefreshOutcome, 1)
	go func() { done <- h.m.RenewSession(context.Background()) }()
	require.Eventually(t, func() bool { return h.m.Refresher().Callers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.m.Logout(context.Background()))
	close(gate)
	out := <-done

	assert.False(t, out.OK)
	assert.ErrorIs(t, out.Err, domain.ErrSuperseded)
	assert.Equal(t, domain.StatusUnauthenticated, h.m.Status())
	assert.Empty(t, h.stored(), "a renewal finishing after logout must not resurrect the session")
	assert.Empty(t, h.m.AccessToken())
}

func TestRenewSession_StaleResultDoesNotSignOutNewSession(t *testing.T) {
	h := newHarness(t)
	h.login()
	gate := make(chan struct{})
	h.stub.Inject(authapi.PathRefresh, authstub.Fault{Wait: gate})

	done := make(chan domain.RefreshOutcome, 1)
	go func() { done <- h.m.RenewSession(context.Background()) }()
	require.Eventually(t, func() bool { return h.m.Refresher().Callers() == 1 }, time.Second, 5*time.Millisecond)

	// Logout revokes the in-flight token; the user signs in again before
	// the old renewal comes back with 401.
	require.NoError(t, h.m.Logout(context.Background()))
	h.login()
	fresh := h.stored()
	close(gate)
	out := <-done

	assert.Equal(t, domain.ReasonUnauthorized, out.Reason)
	assert.Equal(t, domain.StatusAuthenticated, h.m.Status())
	assert.Equal(t, fresh, h.stored())
}
