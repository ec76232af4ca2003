// Package session owns the client authentication lifecycle: bootstrap,
// login, logout, single-flight token renewal, the auth-retry wrapper for
// protected calls, and proactive renewal scheduling.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/simple-idm-session/pkg/authapi"
	"github.com/tendant/simple-idm-session/pkg/domain"
	"github.com/tendant/simple-idm-session/pkg/tokenstore"
	"golang.org/x/sync/singleflight"
)

// DefaultBootstrapBackoff is the pause before the single bootstrap retry.
const DefaultBootstrapBackoff = 1500 * time.Millisecond

// API is the set of auth endpoints the manager drives. *authapi.Client
// implements it.
type API interface {
	RefreshAPI
	Login(ctx context.Context, creds authapi.Credentials) (*domain.AuthResult, error)
	Register(ctx context.Context, req authapi.RegisterRequest) (*domain.AuthResult, error)
	Google(ctx context.Context, idToken string) (*domain.AuthResult, error)
	Me(ctx context.Context, accessToken string) (*domain.User, error)
	Logout(ctx context.Context, refreshToken string) error
	CompleteOnboarding(ctx context.Context, accessToken string, req authapi.OnboardingRequest) (*domain.User, error)
	ChangePassword(ctx context.Context, accessToken string, req authapi.ChangePasswordRequest) error
}

// Evictor drops user-scoped cached data on logout.
type Evictor func(ctx context.Context)

// Hooks are collaborator callbacks wired once at startup.
type Hooks struct {
	// OnOnboardingRequired is called when a protected call is rejected with
	// 403 ONBOARDING_REQUIRED. The error is still returned to the caller.
	OnOnboardingRequired func(ctx context.Context)
}

// Config holds session manager configuration.
type Config struct {
	Store            tokenstore.Store
	API              API
	Logger           *slog.Logger
	Metrics          Metrics
	BootstrapBackoff time.Duration
	Hooks            Hooks
	Evictors         []Evictor
}

// State is a read-only snapshot for UI collaborators.
type State struct {
	Status domain.Status
	User   *domain.User
	// Error is the last human-readable failure. Advisory only.
	Error string
}

// Manager is the session state machine. It owns status, user and the
// in-memory access token; the refresh token lives in the Store.
type Manager struct {
	store    tokenstore.Store
	api      API
	logger   *slog.Logger
	metrics  Metrics
	backoff  time.Duration
	hooks    Hooks
	evictors []Evictor

	refresher *Refresher
	boot      singleflight.Group

	mu          sync.RWMutex
	status      domain.Status
	user        *domain.User
	accessToken string
	lastErr     string
	// epoch advances whenever the session is replaced or torn down.
	epoch uint64

	listenersMu    sync.Mutex
	nextListener   int
	listeners      map[int]func(State)
	tokenListeners map[int]func()
}

// NewManager creates a manager in the idle state.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: token store is required")
	}
	if cfg.API == nil {
		return nil, errors.New("session: auth API is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.BootstrapBackoff == 0 {
		cfg.BootstrapBackoff = DefaultBootstrapBackoff
	}

	m := &Manager{
		store:          cfg.Store,
		api:            cfg.API,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		backoff:        cfg.BootstrapBackoff,
		hooks:          cfg.Hooks,
		evictors:       append([]Evictor(nil), cfg.Evictors...),
		status:         domain.StatusIdle,
		listeners:      make(map[int]func(State)),
		tokenListeners: make(map[int]func()),
	}
	m.refresher = newRefresher(cfg.Store, cfg.API, m, cfg.Logger, cfg.Metrics)
	return m, nil
}

// Refresher exposes the single-flight renewal mechanism.
func (m *Manager) Refresher() *Refresher {
	return m.refresher
}

// State returns the current snapshot.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// Status returns the current status.
func (m *Manager) Status() domain.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// AccessToken returns the current in-memory access token, or "".
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accessToken
}

// Subscribe registers fn for state changes and returns an unsubscribe func.
// fn runs on the goroutine that made the change and must not block.
func (m *Manager) Subscribe(fn func(State)) func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		delete(m.listeners, id)
	}
}

// RegisterEvictor adds a user-scoped cache to evict on logout.
func (m *Manager) RegisterEvictor(e Evictor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictors = append(m.evictors, e)
}

// onTokenChange registers fn to run whenever the access token changes.
func (m *Manager) onTokenChange(fn func()) func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.tokenListeners[id] = fn
	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		delete(m.tokenListeners, id)
	}
}

// Bootstrap restores the session at startup. Concurrent calls share one run.
// Failures are reflected in the resulting status, not returned, except for
// context cancellation.
func (m *Manager) Bootstrap(ctx context.Context) error {
	_, err, _ := m.boot.Do("bootstrap", func() (any, error) {
		return nil, m.bootstrap(ctx)
	})
	return err
}

func (m *Manager) bootstrap(ctx context.Context) error {
	epoch := m.mutate(func() {
		m.status = domain.StatusRestoring
		m.accessToken = ""
		m.user = nil
	})

	if m.store.Readable() {
		token, err := m.store.Get(ctx)
		if err != nil {
			// The token may still be there; leave it for the next attempt.
			m.logger.Warn("refresh token unreadable, starting signed out", "error", err)
			m.mutateIf(epoch, func() {
				m.epoch++
				m.status = domain.StatusUnauthenticated
				m.lastErr = errorText(err)
			})
			return nil
		}
		if token == "" {
			m.logger.Info("no refresh token stored")
			m.clearSession(ctx, nil)
			return nil
		}
	}

	out := m.refresher.Refresh(ctx)
	if retryable(out) {
		m.logger.Info("session restore failed, retrying once", "reason", out.Reason, "backoff", m.backoff)
		select {
		case <-time.After(m.backoff):
			out = m.refresher.Refresh(ctx)
		case <-ctx.Done():
			out = domain.RefreshFailed(domain.ReasonCanceled, ctx.Err())
		}
	}

	if out.Reason == domain.ReasonCanceled {
		// A renewal still in flight keeps the rotated refresh token but
		// cannot hand an access token to a degraded session.
		m.applyTransition(ctx, epoch, TransitionDegrade, ctx.Err())
		return ctx.Err()
	}
	if !out.OK {
		m.applyOutcome(ctx, epoch, out)
		return nil
	}

	m.restoreProfile(ctx, epoch, out.AccessToken)
	return nil
}

func retryable(out domain.RefreshOutcome) bool {
	return !out.OK && (out.Reason == domain.ReasonNetwork || out.Reason == domain.ReasonUnknown)
}

// restoreProfile fetches the profile after a successful renewal and installs
// accessToken with it. A definite 401 signs out; any other failure degrades.
func (m *Manager) restoreProfile(ctx context.Context, epoch uint64, accessToken string) {
	user, err := m.api.Me(ctx, accessToken)
	if err != nil {
		if domain.IsAuthFailure(err) {
			m.logger.Info("profile rejected after renewal, signing out", "error", err)
			m.clearSessionIf(ctx, epoch, true, err)
			return
		}
		m.logger.Warn("profile fetch failed, session degraded", "error", err)
		m.applyTransition(ctx, epoch, TransitionDegrade, err)
		return
	}
	m.establish(epoch, user, accessToken)
}

// Login exchanges credentials for a session.
func (m *Manager) Login(ctx context.Context, creds authapi.Credentials) error {
	result, err := m.api.Login(ctx, creds)
	if err != nil {
		m.setError(err)
		return err
	}
	return m.startSession(ctx, result)
}

// LoginWithGoogle exchanges a Google ID token for a session.
func (m *Manager) LoginWithGoogle(ctx context.Context, idToken string) error {
	result, err := m.api.Google(ctx, idToken)
	if err != nil {
		m.setError(err)
		return err
	}
	return m.startSession(ctx, result)
}

// Register creates an account and applies the returned session directly.
func (m *Manager) Register(ctx context.Context, req authapi.RegisterRequest) error {
	result, err := m.api.Register(ctx, req)
	if err != nil {
		m.setError(err)
		return err
	}
	return m.ApplyAuthResult(ctx, result)
}

// ApplyAuthResult installs tokens and the minimal user from a server result
// without another round trip. Users without a username go to onboarding.
func (m *Manager) ApplyAuthResult(ctx context.Context, result *domain.AuthResult) error {
	epoch, err := m.adoptTokens(ctx, result.TokenPair)
	if err != nil {
		return err
	}

	m.adoptResultUser(epoch, result.User, nil)
	return nil
}

// adoptResultUser installs the minimal user of an auth result and records
// cause as the advisory error.
func (m *Manager) adoptResultUser(epoch uint64, user *domain.User, cause error) {
	user = user.Clone()
	m.mutateIf(epoch, func() {
		m.user = user
		if user.HasUsername() {
			m.status = domain.StatusAuthenticated
		} else {
			m.status = domain.StatusOnboarding
		}
		m.lastErr = errorText(cause)
	})
}

func (m *Manager) startSession(ctx context.Context, result *domain.AuthResult) error {
	epoch, err := m.adoptTokens(ctx, result.TokenPair)
	if err != nil {
		return err
	}

	var user *domain.User
	err = m.CallProtected(ctx, "", func(ctx context.Context, token string) error {
		u, err := m.api.Me(ctx, token)
		user = u
		return err
	})

	switch {
	case err == nil:
		m.establish(epoch, user, "")
		return nil
	case m.refreshEpoch() != epoch:
		// The replay failed and CallProtected signed out.
		return fmt.Errorf("%w: %v", domain.ErrSessionExpired, err)
	case domain.IsNetwork(err):
		m.logger.Warn("profile unreachable after login, session degraded", "error", err)
		m.applyTransition(ctx, epoch, TransitionDegrade, err)
		return nil
	case domain.IsAuthFailure(err):
		m.clearSessionIf(ctx, epoch, true, err)
		return fmt.Errorf("%w: %v", domain.ErrSessionExpired, err)
	case result.User != nil:
		m.logger.Warn("profile fetch failed after login, using sign-in user", "error", err)
		m.adoptResultUser(epoch, result.User, err)
		return err
	default:
		m.applyTransition(ctx, epoch, TransitionDegrade, err)
		return err
	}
}

// adoptTokens starts a new session generation with pair. The store write
// and the generation change happen under one lock so that a renewal from
// the previous generation cannot overwrite the new refresh token.
func (m *Manager) adoptTokens(ctx context.Context, pair domain.TokenPair) (uint64, error) {
	if pair.AccessToken == "" {
		return 0, domain.ErrMissingToken
	}

	var storeErr error
	epoch := m.mutate(func() {
		if pair.RefreshToken != "" && m.store.Readable() {
			if storeErr = m.store.Set(ctx, pair.RefreshToken); storeErr != nil {
				m.lastErr = errorText(storeErr)
				return
			}
		}
		m.epoch++
		m.accessToken = pair.AccessToken
		m.user = nil
	})
	if storeErr != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrStoreWrite, storeErr)
	}
	return epoch, nil
}

// Logout ends the session. The server call is best effort; local state is
// always cleared and the status is always unauthenticated.
func (m *Manager) Logout(ctx context.Context) error {
	// Supersede any renewal in flight before talking to the server.
	m.mutate(func() { m.epoch++ })

	refreshToken := ""
	hasToken := true
	if m.store.Readable() {
		refreshToken = tokenstore.Probe(ctx, m.store, m.logger)
		hasToken = refreshToken != ""
	}
	if hasToken {
		if err := m.api.Logout(ctx, refreshToken); err != nil {
			m.logger.Warn("logout request failed, clearing local session anyway", "error", err)
		}
	}

	m.clearSession(ctx, nil)
	return nil
}

// Me re-fetches the profile through the auth-retry wrapper.
func (m *Manager) Me(ctx context.Context) (*domain.User, error) {
	epoch := m.refreshEpoch()
	var user *domain.User
	err := m.CallProtected(ctx, "", func(ctx context.Context, token string) error {
		u, err := m.api.Me(ctx, token)
		user = u
		return err
	})
	if err != nil {
		return nil, err
	}
	m.establish(epoch, user, "")
	return user.Clone(), nil
}

// CompleteOnboarding finishes onboarding and moves to authenticated.
func (m *Manager) CompleteOnboarding(ctx context.Context, req authapi.OnboardingRequest) (*domain.User, error) {
	epoch := m.refreshEpoch()
	var user *domain.User
	err := m.CallProtected(ctx, "", func(ctx context.Context, token string) error {
		u, err := m.api.CompleteOnboarding(ctx, token, req)
		user = u
		return err
	})
	if err != nil {
		return nil, err
	}
	m.establish(epoch, user, "")
	return user.Clone(), nil
}

// ChangePassword changes the current user's password.
func (m *Manager) ChangePassword(ctx context.Context, req authapi.ChangePasswordRequest) error {
	return m.CallProtected(ctx, "", func(ctx context.Context, token string) error {
		return m.api.ChangePassword(ctx, token, req)
	})
}

// RenewSession runs an ambient renewal and applies the mapped transition.
// A degraded session is recovered instead. If ctx ends first the session is
// left to the renewal still in flight.
func (m *Manager) RenewSession(ctx context.Context) domain.RefreshOutcome {
	if m.Status() == domain.StatusDegraded {
		return m.Recover(ctx)
	}
	epoch := m.refreshEpoch()
	out := m.refresher.Refresh(ctx)
	if out.Reason == domain.ReasonCanceled {
		return out
	}
	m.applyOutcome(ctx, epoch, out)
	return out
}

// Recover retries a degraded session: renew, then re-fetch the profile with
// the same branching as bootstrap.
func (m *Manager) Recover(ctx context.Context) domain.RefreshOutcome {
	epoch := m.refreshEpoch()
	out := m.refresher.Refresh(ctx)
	if out.Reason == domain.ReasonCanceled {
		return out
	}
	if !out.OK {
		m.applyOutcome(ctx, epoch, out)
		return out
	}
	m.restoreProfile(ctx, epoch, out.AccessToken)
	return out
}

func (m *Manager) applyOutcome(ctx context.Context, epoch uint64, out domain.RefreshOutcome) {
	present := tokenstore.Present(context.WithoutCancel(ctx), m.store, m.logger)
	m.applyTransition(ctx, epoch, MapOutcome(out, present), out.Err)
}

func (m *Manager) applyTransition(ctx context.Context, epoch uint64, t Transition, cause error) {
	// Store access must not be skipped because the caller gave up waiting.
	ctx = context.WithoutCancel(ctx)
	switch t {
	case TransitionSignOut:
		m.clearSessionIf(ctx, epoch, true, cause)
	case TransitionDegrade:
		if !tokenstore.Present(ctx, m.store, m.logger) {
			m.clearSessionIf(ctx, epoch, true, cause)
			return
		}
		m.mutateIf(epoch, func() {
			m.status = domain.StatusDegraded
			m.accessToken = ""
			m.user = nil
			m.lastErr = errorText(cause)
		})
	}
}

// establish installs user and derives authenticated or onboarding. A
// non-empty accessToken replaces the current one.
func (m *Manager) establish(epoch uint64, user *domain.User, accessToken string) {
	user = user.Clone()
	m.mutateIf(epoch, func() {
		if accessToken != "" {
			m.accessToken = accessToken
		}
		m.user = user
		if user.NeedsOnboarding() {
			m.status = domain.StatusOnboarding
		} else {
			m.status = domain.StatusAuthenticated
		}
		m.lastErr = ""
	})
}

// clearSession deletes every client-held secret, evicts user-scoped caches
// and ends in unauthenticated.
func (m *Manager) clearSession(ctx context.Context, cause error) {
	m.clearSessionIf(ctx, 0, false, cause)
}

// clearSessionIf is clearSession for a transition that belongs to session
// generation epoch. It does nothing once that generation is superseded.
func (m *Manager) clearSessionIf(ctx context.Context, epoch uint64, guarded bool, cause error) {
	ctx = context.WithoutCancel(ctx)

	cleared := false
	var evictors []Evictor
	m.mutate(func() {
		if guarded && m.epoch != epoch {
			return
		}
		m.epoch++
		if err := m.store.Clear(ctx); err != nil {
			m.logger.Error("failed to clear refresh token", "error", err)
		}
		m.status = domain.StatusUnauthenticated
		m.accessToken = ""
		m.user = nil
		m.lastErr = errorText(cause)
		evictors = append(evictors, m.evictors...)
		cleared = true
	})
	if !cleared {
		m.logger.Debug("dropping sign-out from superseded session")
		return
	}

	for _, evict := range evictors {
		evict(ctx)
	}
}

func (m *Manager) setError(err error) {
	m.mutate(func() { m.lastErr = errorText(err) })
}

func (m *Manager) onboardingRequired(ctx context.Context) {
	if m.hooks.OnOnboardingRequired != nil {
		m.hooks.OnOnboardingRequired(ctx)
	}
}

// tokenSink

func (m *Manager) refreshEpoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

func (m *Manager) commitRefresh(ctx context.Context, epoch uint64, pair *domain.TokenPair) error {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return domain.ErrSuperseded
	}
	if pair.RefreshToken != "" && m.store.Readable() {
		if err := m.store.Set(ctx, pair.RefreshToken); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("%w: %v", domain.ErrStoreWrite, err)
		}
	}
	// A session that dropped its access token (degraded) only gets one
	// back together with a profile.
	tokenChanged := false
	if m.accessToken != "" || m.status == domain.StatusRestoring {
		tokenChanged = m.accessToken != pair.AccessToken
		m.accessToken = pair.AccessToken
	}
	m.mu.Unlock()

	if tokenChanged {
		m.notifyToken()
	}
	return nil
}

func (m *Manager) rejectRefresh(ctx context.Context, epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return
	}
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Error("failed to clear rejected refresh token", "error", err)
	}
}

// mutate applies fn under the lock and notifies listeners afterwards.
// It returns the epoch after fn ran.
func (m *Manager) mutate(fn func()) uint64 {
	m.mu.Lock()
	prevStatus, prevToken, prevUser, prevErr := m.status, m.accessToken, m.user, m.lastErr
	fn()
	epoch := m.epoch
	state := m.snapshotLocked()
	tokenChanged := prevToken != m.accessToken
	stateChanged := prevStatus != m.status || prevUser != m.user || prevErr != m.lastErr
	m.mu.Unlock()

	if prevStatus != state.Status {
		m.logger.Info("session status changed", "from", prevStatus, "to", state.Status)
		m.metrics.StatusChanged(prevStatus, state.Status)
	}
	if stateChanged {
		m.notify(state)
	}
	if tokenChanged {
		m.notifyToken()
	}
	return epoch
}

// mutateIf is mutate guarded by the session generation. Changes from a
// superseded generation are dropped.
func (m *Manager) mutateIf(epoch uint64, fn func()) bool {
	applied := false
	m.mutate(func() {
		if m.epoch != epoch {
			return
		}
		fn()
		applied = true
	})
	if !applied {
		m.logger.Debug("dropping transition from superseded session")
	}
	return applied
}

func (m *Manager) snapshotLocked() State {
	return State{
		Status: m.status,
		User:   m.user.Clone(),
		Error:  m.lastErr,
	}
}

func (m *Manager) notify(state State) {
	m.listenersMu.Lock()
	fns := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenersMu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

func (m *Manager) notifyToken() {
	m.listenersMu.Lock()
	fns := make([]func(), 0, len(m.tokenListeners))
	for _, fn := range m.tokenListeners {
		fns = append(fns, fn)
	}
	m.listenersMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
