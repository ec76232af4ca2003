package session

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idm-session/internal/authstub"
	"github.com/tendant/simple-idm-session/pkg/authapi"
	"github.com/tendant/simple-idm-session/pkg/domain"
	"github.com/tendant/simple-idm-session/pkg/tokenstore"
	"github.com/tendant/simple-idm-session/pkg/transport"
)

const (
	testEmail    = "ada@example.com"
	testPassword = "correct horse battery staple"
)

type harnessOptions struct {
	accessTTL time.Duration
	backoff   time.Duration
	web       bool
	hooks     Hooks
}

type harnessOption func(*harnessOptions)

func withAccessTTL(d time.Duration) harnessOption {
	return func(o *harnessOptions) { o.accessTTL = d }
}

func withBackoff(d time.Duration) harnessOption {
	return func(o *harnessOptions) { o.backoff = d }
}

func withWebClient() harnessOption {
	return func(o *harnessOptions) { o.web = true }
}

func withHooks(h Hooks) harnessOption {
	return func(o *harnessOptions) { o.hooks = h }
}

// harness wires a Manager to an in-process stub server.
type harness struct {
	t      *testing.T
	stub   *authstub.Server
	api    *authapi.Client
	store  tokenstore.Store
	memory *tokenstore.MemoryStore
	m      *Manager
	user   domain.User
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	o := harnessOptions{backoff: 10 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}

	stub := authstub.New(authstub.Config{
		Session: authstub.SessionConfig{AccessTokenTTL: o.accessTTL},
	})
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	cfg := transport.Config{BaseURL: srv.URL, Timeout: 5 * time.Second}
	if o.web {
		jar, err := transport.NewJar()
		require.NoError(t, err)
		cfg.Jar = jar
	} else {
		cfg.ClientType = transport.ClientTypeMobile
	}
	tc, err := transport.New(cfg)
	require.NoError(t, err)

	h := &harness{
		t:    t,
		stub: stub,
		api:  authapi.New(tc),
	}
	if o.web {
		h.store = tokenstore.NewCookieStore(cfg.Jar, tc.BaseURL())
	} else {
		h.memory = tokenstore.NewMemoryStore()
		h.store = h.memory
	}

	m, err := NewManager(Config{
		Store:            h.store,
		API:              h.api,
		Logger:           slog.New(slog.DiscardHandler),
		BootstrapBackoff: o.backoff,
		Hooks:            o.hooks,
	})
	require.NoError(t, err)
	h.m = m

	username := "ada"
	h.user, err = stub.CreateUser(testEmail, testPassword, &username)
	require.NoError(t, err)
	return h
}

// seed stores a refresh token issued out of band, as left by an earlier run.
func (h *harness) seed() string {
	h.t.Helper()
	require.NotNil(h.t, h.memory, "seeding needs a readable store")
	pair, err := h.stub.IssueSession(h.user.ID)
	require.NoError(h.t, err)
	require.NoError(h.t, h.memory.Set(context.Background(), pair.RefreshToken))
	return pair.RefreshToken
}

func (h *harness) login() {
	h.t.Helper()
	require.NoError(h.t, h.m.Login(context.Background(), authapi.Credentials{Email: testEmail, Password: testPassword}))
	require.Equal(h.t, domain.StatusAuthenticated, h.m.Status())
}

// degrade loses one renewal to the network, leaving the session degraded.
func (h *harness) degrade() {
	h.t.Helper()
	h.stub.Inject(authapi.PathRefresh, authstub.Fault{Drop: true, Times: 1})
	h.m.RenewSession(context.Background())
	require.Equal(h.t, domain.StatusDegraded, h.m.Status())
}

func (h *harness) addUser(email string, username *string) domain.User {
	h.t.Helper()
	u, err := h.stub.CreateUser(email, testPassword, username)
	require.NoError(h.t, err)
	return u
}

func (h *harness) stored() string {
	h.t.Helper()
	token, err := h.store.Get(context.Background())
	require.NoError(h.t, err)
	return token
}

func (h *harness) calls(path string) int {
	return h.stub.Calls(path)
}

func (h *harness) revokeAll() {
	h.stub.RevokeUser(h.user.ID)
}

// statusRecorder collects every status a manager reports.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []domain.Status
}

func record(m *Manager) *statusRecorder {
	r := &statusRecorder{}
	m.Subscribe(func(s State) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if n := len(r.statuses); n == 0 || r.statuses[n-1] != s.Status {
			r.statuses = append(r.statuses, s.Status)
		}
	})
	return r
}

func (r *statusRecorder) all() []domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Status(nil), r.statuses...)
}
