// Package authstub is an in-memory identity server that speaks the /auth
// protocol. It backs integration tests and local development, and can be
// told to fail, hang or drop connections per path.
package authstub

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tendant/simple-idm-session/internal/httputil"
	"github.com/tendant/simple-idm-session/pkg/authapi"
	"github.com/tendant/simple-idm-session/pkg/domain"
)

// Config holds stub server configuration.
type Config struct {
	Logger    *slog.Logger
	Session   SessionConfig
	RateLimit RateLimitConfig
	Cookie    httputil.CookieConfig
	// Passwords applies to registration and password changes.
	Passwords PasswordPolicy
	// Now overrides the clock used for token issuance and validation.
	Now func() time.Time
}

// Server is the stub identity server. It implements http.Handler.
type Server struct {
	logger    *slog.Logger
	cookie    httputil.CookieConfig
	passwords PasswordPolicy
	users     *userDirectory
	sessions  *sessionIssuer
	faults    *faultSet
	router    http.Handler
}

// New creates a stub server with no users.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.Session.JWTSecret) == 0 {
		cfg.Session.JWTSecret = []byte(uuid.NewString())
	}
	if cfg.Cookie.Path == "" {
		cfg.Cookie = httputil.DefaultCookieConfig()
	}

	s := &Server{
		logger:    cfg.Logger,
		cookie:    cfg.Cookie,
		passwords: cfg.Passwords,
		users:     newUserDirectory(),
		sessions:  newSessionIssuer(cfg.Session, cfg.Now),
		faults:    newFaultSet(),
	}
	s.router = s.routes(cfg.RateLimit)
	return s
}

func (s *Server) routes(rl RateLimitConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(recoverer(s.logger))
	r.Use(logging(s.logger))
	r.Use(s.faults.middleware)

	r.Get(authapi.PathHealth, func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	authLimit, refreshLimit := passThrough, passThrough
	if rl.Enabled {
		authLimit = rateLimit(rl.AuthRequests, rl.Window, s.logger)
		refreshLimit = rateLimit(rl.RefreshRequests, rl.Window, s.logger)
	}

	r.Group(func(r chi.Router) {
		r.Use(authLimit)
		r.Post(authapi.PathLogin, s.login)
		r.Post(authapi.PathRegister, s.register)
		r.Post(authapi.PathGoogle, s.google)
	})
	r.With(refreshLimit).Post(authapi.PathRefresh, s.refresh)
	r.Post(authapi.PathLogout, s.logout)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get(authapi.PathMe, s.me)
		r.Post(authapi.PathCompleteOnboarding, s.completeOnboarding)
		r.With(s.requireOnboarded).Post(authapi.PathChangePassword, s.changePassword)
	})

	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// CreateUser seeds an account. A nil username leaves the user in
// onboarding.
func (s *Server) CreateUser(email, password string, username *string) (domain.User, error) {
	return s.users.Create(email, password, "", username)
}

// IssueSession starts a session for userID without credentials, as if the
// client had signed in earlier.
func (s *Server) IssueSession(userID uuid.UUID) (*domain.TokenPair, error) {
	user, err := s.users.Get(userID)
	if err != nil {
		return nil, err
	}
	return s.sessions.Issue(user)
}

// RefreshTokenValid reports whether token can still be exchanged.
func (s *Server) RefreshTokenValid(token string) bool {
	return s.sessions.Valid(token)
}

// ActiveSessions counts live refresh tokens for userID.
func (s *Server) ActiveSessions(userID uuid.UUID) int {
	return s.sessions.ActiveSessions(userID)
}

// RevokeUser ends every session of userID, as an administrator would.
func (s *Server) RevokeUser(userID uuid.UUID) {
	s.sessions.RevokeUser(userID)
}

// Inject installs a fault for path, replacing any previous one.
func (s *Server) Inject(path string, f Fault) {
	s.faults.inject(path, f)
}

// ClearFaults removes all faults.
func (s *Server) ClearFaults() {
	s.faults.clear()
}

// Calls returns how many requests reached path, faulted or not.
func (s *Server) Calls(path string) int {
	return s.faults.count(path)
}
