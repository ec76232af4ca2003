package session

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idm-session/internal/authstub"
	"github.com/tendant/simple-idm-session/pkg/authapi"
	"github.com/tendant/simple-idm-session/pkg/domain"
	"github.com/tendant/simple-idm-session/pkg/tokenstore"
)

func TestNewManager_RequiresCollaborators(t *testing.T) {
	_, err := NewManager(Config{API: authapi.New(nil)})
	assert.Error(t, err)

	_, err = NewManager(Config{Store: tokenstore.NewMemoryStore()})
	assert.Error(t, err)

	m, err := NewManager(Config{Store: tokenstore.NewMemoryStore(), API: authapi.New(nil)})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, m.Status())
}

func TestBootstrap_NoStoredToken(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.m.Bootstrap(context.Background()))

	assert.Equal(t, domain.StatusUnauthenticated, h.m.Status())
	assert.Zero(t, h.calls(authapi.PathRefresh), "no renewal without a stored token")
}

func TestBootstrap_ColdStartAuthenticated(t *testing.T) {
	h := newHarness(t)
	seeded := h.seed()
	rec := record(h.m)

	require.NoError(t, h.m.Bootstrap(context.Background()))

	state := h.m.State()
	assert.Equal(t, domain.StatusAuthenticated, state.Status)
	require.NotNil(t, state.User)
	assert.Equal(t, testEmail, state.User.Email)
	assert.NotEmpty(t, h.m.AccessToken())

	rotated := h.stored()
	assert.NotEqual(t, seeded, rotated, "the rotated refresh token replaces the seed")
	assert.True(t, h.stub.RefreshTokenValid(rotated))
	assert.False(t, h.stub.RefreshTokenValid(seeded))

	assert.Equal(t, []domain.Status{domain.StatusRestoring, domain.StatusAuthenticated}, rec.all())
}

func TestBootstrap_ColdStartOffline(t *testing.T) {
	h := newHarness(t)
	seeded := h.seed()
	h.stub.Inject(authapi.PathRefresh, authstub.Fault{Drop: true})

	require.NoError(t, h.m.Bootstrap(context.Background()))

	state := h.m.State()
	assert.Equal(t, domain.StatusDegraded, state.Status)
	assert.Nil(t, state.User)
	assert.Empty(t, h.m.AccessToken())
	assert.NotEmpty(t, state.Error)
	assert.Equal(t, seeded, h.stored(), "a network failure must not lose the refresh token")
	assert.Equal(t, 2, h.calls(authapi.PathRefresh), "bootstrap retries exactly once")
}

func TestBootstrap_RetrySucceeds(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.stub.Inject(authapi.PathRefresh, authstub.Fault{Drop: true, Times: 1})

	require.NoError(t, h.m.Bootstrap(context.Background()))

	assert.Equal(t, domain.StatusAuthenticated, h.m.Status())
	assert.Equal(t, 2, h.calls(authapi.PathRefresh))
}

func TestBootstrap_ServerErrorDegrades(t *testing.T) {
	h := newHarness(t)
	seeded := h.seed()
	h.stub.Inject(authapi.PathRefresh, authstub.Fault{Status: http.StatusServiceUnavailable})

	require.NoError(t, h.m.Bootstrap(context.Background()))

	assert.Equal(t, domain.StatusDegraded, h.m.Status())
	assert.Equal(t, seeded, h.stored())
	assert.Equal(t, 2, h.calls(authapi.PathRefresh))
}

func TestBootstrap_RejectedTokenSignsOut(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.revokeAll()

	require.NoError(t, h.m.Bootstrap(context.Background()))

	assert.Equal(t, domain.StatusUnauthenticated, h.m.Status())
	assert.Empty(t, h.stored(), "a rejected refresh token is deleted")
	assert.Equal(t, 1, h.calls(authapi.PathRefresh), "a definite rejection is not retried")
}

func TestBootstrap_ProfileRejectedSignsOut(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.stub.Inject(authapi.PathMe, authstub.Fault{Status: http.StatusUnauthorized})

	require.NoError(t, h.m.Bootstrap(context.Background()))

	assert.Equal(t, domain.StatusUnauthenticated, h.m.Status())
	assert.Empty(t, h.stored())
}

func TestBootstrap_ProfileUnreachableDegrades(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.stub.Inject(authapi.PathMe, authstub.Fault{Drop: true})

	require.NoError(t, h.m.Bootstrap(context.Background()))

	assert.Equal(t, domain.StatusDegraded, h.m.Status())
	assert.NotEmpty(t, h.stored(), "the rotated token is kept for recovery")
	assert.Empty(t, h.m.AccessToken())
}

func TestBootstrap_CancelledDuringBackoff(t *testing.T) {
	h := newHarness(t, withBackoff(time.Minute))
	h.seed()
	h.stub.Inject(authapi.PathRefresh, authstub.Fault{Drop: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for h.calls(authapi.PathRefresh) < 1 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	err := h.m.Bootstrap(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.StatusDegraded, h.m.Status())
	assert.NotEmpty(t, h.stored())
}

func TestBootstrap_CancelledDuringRenewal(t *testing.T) {
	h := newHarness(t)
	seeded := h.seed()
	gate := make(chan struct{})
	h.stub.Inject(authapi.PathRefresh, authstub.Fault{Wait: gate, Times: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for h.calls(authapi.PathRefresh) < 1 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	err := h.m.Bootstrap(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.StatusDegraded, h.m.Status())

	// The renewal still lands; its refresh token is kept, its access token is not.
	close(gate)
	require.Eventually(t, func() bool { return h.stored() != seeded }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusDegraded, h.m.Status())
	assert.Empty(t, h.m.AccessToken())

	out := h.m.Recover(context.Background())
	require.True(t, out.OK, "recovery failed: %v", out.Err)
	assert.Equal(t, domain.StatusAuthenticated, h.m.Status())
	assert.Equal(t, out.AccessToken, h.m.AccessToken())
}

func TestBootstrap_UnreadableStoreKeepsToken(t *testing.T) {
	h := newHarness(t)
	seeded := h.seed()
	h.memory.FailReads(errors.New("permission denied"))

	require.NoError(t, h.m.Bootstrap(context.Background()))

	state := h.m.State()
	assert.Equal(t, domain.StatusUnauthenticated, state.Status)
	assert.NotEmpty(t, state.Error)
	assert.Zero(t, h.calls(authapi.PathRefresh))

	h.memory.FailReads(nil)
	assert.Equal(t, seeded, h.stored(), "a failed read does not delete the token")
	require.NoError(t, h.m.Bootstrap(context.Background()))
	assert.Equal(t, domain.StatusAuthenticated, h.m.Status())
}

func TestLogin_Authenticated(t *testing.T) {
	h := newHarness(t)

	h.login()

	state := h.m.State()
	require.NotNil(t, state.User)
	assert.Equal(t, "ada", *state.User.Username)
	assert.True(t, h.stub.RefreshTokenValid(h.stored()))
	assert.Equal(t, 1, h.calls(authapi.PathMe), "login fetches the full profile")
}

func TestLogin_OnboardingUser(t *testing.T) {
	h := newHarness(t)
	h.addUser("new@example.com", nil)

	err := h.m.Login(context.Background(), authapi.Credentials{Email: "new@example.com", Password: testPassword})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusOnboarding, h.m.Status())
}

func TestLogin_InvalidCredentials(t *testing.T) {
	h := newHarness(t)

	err := h.m.Login(context.Background(), authapi.Credentials{Email: testEmail, Password: "wrong"})
	apiErr, ok := domain.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	state := h.m.State()
	assert.Equal(t, domain.StatusIdle, state.Status)
	assert.NotEmpty(t, state.Error)
	assert.Empty(t, h.stored())
}

func TestLogin_StoreWriteFailure(t *testing.T) {
	h := newHarness(t)
	h.memory.FailWrites(errors.New("disk full"))

	err := h.m.Login(context.Background(), authapi.Credentials{Email: testEmail, Password: testPassword})
	assert.ErrorIs(t, err, domain.ErrStoreWrite)
	assert.NotEqual(t, domain.StatusAuthenticated, h.m.Status())
	assert.Empty(t, h.m.AccessToken())
}

func TestLogin_ProfileUnreachableDegrades(t *testing.T) {
	h := newHarness(t)
	h.stub.Inject(authapi.PathMe, authstub.Fault{Drop: true})

	err := h.m.Login(context.Background(), authapi.Credentials{Email: testEmail, Password: testPassword})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusDegraded, h.m.Status())
	assert.NotEmpty(t, h.stored())
}

func TestLogin_ProfileServerErrorReturned(t *testing.T) {
	h := newHarness(t)
	h.stub.Inject(authapi.PathMe, authstub.Fault{Status: http.StatusInternalServerError})

	err := h.m.Login(context.Background(), authapi.Credentials{Email: testEmail, Password: testPassword})
	apiErr, ok := domain.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)

	state := h.m.State()
	assert.Equal(t, domain.StatusAuthenticated, state.Status, "the sign-in user stands in for the profile")
	require.NotNil(t, state.User)
	assert.Equal(t, testEmail, state.User.Email)
	assert.NotEmpty(t, state.Error)
	assert.NotEmpty(t, h.m.AccessToken())
	assert.True(t, h.stub.RefreshTokenValid(h.stored()))
}

func TestLogin_ProfileRejectedSignsOut(t *testing.T) {
	h := newHarness(t)
	h.stub.Inject(authapi.PathMe, authstub.Fault{Status: http.StatusUnauthorized})

	err := h.m.Login(context.Background(), authapi.Credentials{Email: testEmail, Password: testPassword})

	assert.ErrorIs(t, err, domain.ErrSessionExpired)
	assert.Equal(t, 1, h.calls(authapi.PathRefresh), "one renewal before giving up")
	assert.Equal(t, 2, h.calls(authapi.PathMe), "the profile fetch is replayed once")
	assert.Equal(t, domain.StatusUnauthenticated, h.m.Status())
	assert.Empty(t, h.stored())
	assert.Empty(t, h.m.AccessToken())
}

func TestRegister_AppliesResultWithoutProfileFetch(t *testing.T) {
	h := newHarness(t)
	username := "lin"

	err := h.m.Register(context.Background(), authapi.RegisterRequest{Email: "lin@example.com", Password: testPassword, Username: &username})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusAuthenticated, h.m.Status())
	assert.Zero(t, h.calls(authapi.PathMe))
	assert.NotEmpty(t, h.stored())
}

func TestRegister_WithoutUsernameOnboards(t *testing.T) {
	h := newHarness(t)

	err := h.m.Register(context.Background(), authapi.RegisterRequest{Email: "lin@example.com", Password: testPassword})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusOnboarding, h.m.Status())
}

func TestLoginWithGoogle(t *testing.T) {
	h := newHarness(t)
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"email": "grace@example.com"}).SignedString([]byte("google"))
	require.NoError(t, err)

	require.NoError(t, h.m.LoginWithGoogle(context.Background(), idToken))

	state := h.m.State()
	assert.Equal(t, domain.StatusOnboarding, state.Status)
	assert.Equal(t, "grace@example.com", state.User.Email)
}

func TestCompleteOnboarding(t *testing.T) {
	h := newHarness(t)
	h.addUser("new@example.com", nil)
	require.NoError(t, h.m.Login(context.Background(), authapi.Credentials{Email: "new@example.com", Password: testPassword}))
	require.Equal(t, domain.StatusOnboarding, h.m.Status())

	user, err := h.m.CompleteOnboarding(context.Background(), authapi.OnboardingRequest{Username: "newbie"})
	require.NoError(t, err)

	assert.Equal(t, "newbie", *user.Username)
	assert.Equal(t, domain.StatusAuthenticated, h.m.Status())
}

func TestLogout_RevokesAndEvicts(t *testing.T) {
	h := newHarness(t)
	h.login()
	token := h.stored()

	var evicted atomic.Int32
	h.m.RegisterEvictor(func(context.Context) { evicted.Add(1) })

	require.NoError(t, h.m.Logout(context.Background()))

	state := h.m.State()
	assert.Equal(t, domain.StatusUnauthenticated, state.Status)
	assert.Nil(t, state.User)
	assert.Empty(t, h.m.AccessToken())
	assert.Empty(t, h.stored())
	assert.False(t, h.stub.RefreshTokenValid(token), "logout revokes the token server-side")
	assert.Equal(t, int32(1), evicted.Load())
}

func TestLogout_Offline(t *testing.T) {
	h := newHarness(t)
	h.login()
	h.stub.Inject(authapi.PathLogout, authstub.Fault{Drop: true})

	require.NoError(t, h.m.Logout(context.Background()))

	assert.Equal(t, domain.StatusUnauthenticated, h.m.Status())
	assert.Empty(t, h.stored())
	assert.Empty(t, h.m.AccessToken())
}

func TestLogout_WithoutTokenSkipsServer(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.m.Logout(context.Background()))

	assert.Equal(t, domain.StatusUnauthenticated, h.m.Status())
	assert.Zero(t, h.calls(authapi.PathLogout))
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	h := newHarness(t)

	var seen atomic.Int32
	unsubscribe := h.m.Subscribe(func(State) { seen.Add(1) })
	h.login()
	require.Positive(t, seen.Load())

	unsubscribe()
	before := seen.Load()
	require.NoError(t, h.m.Logout(context.Background()))
	assert.Equal(t, before, seen.Load())
}

func TestWebPlatform_CookieSession(t *testing.T) {
	h := newHarness(t, withWebClient())

	h.login()
	assert.Empty(t, h.stored(), "the cookie store never exposes the token")

	out := h.m.RenewSession(context.Background())
	require.True(t, out.OK, "renewal rides on the HttpOnly cookie: %v", out.Err)
	assert.Equal(t, domain.StatusAuthenticated, h.m.Status())

	require.NoError(t, h.m.Logout(context.Background()))
	assert.Equal(t, 1, h.calls(authapi.PathLogout), "cookie sessions are assumed present on logout")

	out = h.m.Refresher().Refresh(context.Background())
	assert.False(t, out.OK)
	assert.Equal(t, domain.ReasonUnauthorized, out.Reason)
}

func TestWebPlatform_OfflineDegrades(t *testing.T) {
	h := newHarness(t, withWebClient())
	h.login()
	h.stub.Inject(authapi.PathRefresh, authstub.Fault{Drop: true})

	out := h.m.RenewSession(context.Background())

	assert.Equal(t, domain.ReasonNetwork, out.Reason)
	assert.Equal(t, domain.StatusDegraded, h.m.Status(), "an unreadable cookie is assumed present")
}
