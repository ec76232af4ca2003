package authstub

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tendant/simple-idm-session/pkg/domain"
)

const (
	refreshTokenLen = 32

	// Default token lifetimes
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

var (
	errSessionNotFound = errors.New("session not found")
	errSessionRevoked  = errors.New("refresh token already used")
	errSessionExpired  = errors.New("session expired")
	errInvalidToken    = errors.New("invalid token")
)

// SessionConfig holds session configuration.
type SessionConfig struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	JWTSecret       []byte
	Issuer          string
}

// AccessTokenClaims represents the claims in an access token.
type AccessTokenClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Email     string `json:"email,omitempty"`
}

type refreshSession struct {
	id        uuid.UUID
	userID    uuid.UUID
	expiresAt time.Time
}

// sessionIssuer issues access tokens and rotates opaque refresh tokens.
// Every successful refresh spends the presented token; presenting it
// again is rejected.
type sessionIssuer struct {
	cfg SessionConfig
	now func() time.Time

	mu      sync.Mutex
	active  map[string]refreshSession // token hash -> session
	spent   map[string]uuid.UUID      // token hash -> session id
	revoked map[uuid.UUID]bool
}

func newSessionIssuer(cfg SessionConfig, now func() time.Time) *sessionIssuer {
	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.RefreshTokenTTL == 0 {
		cfg.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	return &sessionIssuer{
		cfg:     cfg,
		now:     now,
		active:  make(map[string]refreshSession),
		spent:   make(map[string]uuid.UUID),
		revoked: make(map[uuid.UUID]bool),
	}
}

// Issue starts a new session for user.
func (s *sessionIssuer) Issue(user domain.User) (*domain.TokenPair, error) {
	refreshToken, err := generateToken(refreshTokenLen)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sess := refreshSession{
		id:        uuid.New(),
		userID:    user.ID,
		expiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}

	s.mu.Lock()
	s.active[hashToken(refreshToken)] = sess
	s.mu.Unlock()

	return s.pair(sess, user, refreshToken, now)
}

// Rotate spends refreshToken and returns a fresh pair for the same session.
func (s *sessionIssuer) Rotate(refreshToken string, lookup func(uuid.UUID) (domain.User, error)) (*domain.TokenPair, error) {
	hash := hashToken(refreshToken)
	now := s.now()

	s.mu.Lock()
	sess, ok := s.active[hash]
	if !ok {
		_, reused := s.spent[hash]
		s.mu.Unlock()
		if reused {
			return nil, errSessionRevoked
		}
		return nil, errSessionNotFound
	}
	if now.After(sess.expiresAt) {
		delete(s.active, hash)
		s.mu.Unlock()
		return nil, errSessionExpired
	}

	next, err := generateToken(refreshTokenLen)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	delete(s.active, hash)
	s.spent[hash] = sess.id
	sess.expiresAt = now.Add(s.cfg.RefreshTokenTTL)
	s.active[hashToken(next)] = sess
	s.mu.Unlock()

	user, err := lookup(sess.userID)
	if err != nil {
		return nil, err
	}
	return s.pair(sess, user, next, now)
}

// Revoke ends the session that refreshToken belongs to.
func (s *sessionIssuer) Revoke(refreshToken string) {
	hash := hashToken(refreshToken)

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.active[hash]; ok {
		delete(s.active, hash)
		s.spent[hash] = sess.id
		s.revoked[sess.id] = true
	}
}

// RevokeUser ends every session for userID.
func (s *sessionIssuer) RevokeUser(userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, sess := range s.active {
		if sess.userID == userID {
			delete(s.active, hash)
			s.spent[hash] = sess.id
			s.revoked[sess.id] = true
		}
	}
}

// Valid reports whether refreshToken can still be exchanged.
func (s *sessionIssuer) Valid(refreshToken string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.active[hashToken(refreshToken)]
	return ok && !s.now().After(sess.expiresAt)
}

// ActiveSessions counts live refresh tokens for userID.
func (s *sessionIssuer) ActiveSessions(userID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.active {
		if sess.userID == userID {
			n++
		}
	}
	return n
}

// ValidateAccessToken validates an access token and returns the claims.
// Tokens of a revoked session are rejected even before they expire.
func (s *sessionIssuer) ValidateAccessToken(tokenString string) (*AccessTokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidToken
		}
		return s.cfg.JWTSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.cfg.Issuer))
	if err != nil {
		return nil, errInvalidToken
	}

	claims, ok := token.Claims.(*AccessTokenClaims)
	if !ok || !token.Valid {
		return nil, errInvalidToken
	}

	sessionID, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return nil, errInvalidToken
	}
	s.mu.Lock()
	revoked := s.revoked[sessionID]
	s.mu.Unlock()
	if revoked {
		return nil, errSessionRevoked
	}
	return claims, nil
}

// AccessTokenTTL returns the access token TTL.
func (s *sessionIssuer) AccessTokenTTL() time.Duration {
	return s.cfg.AccessTokenTTL
}

// RefreshTokenTTL returns the refresh token TTL.
func (s *sessionIssuer) RefreshTokenTTL() time.Duration {
	return s.cfg.RefreshTokenTTL
}

func (s *sessionIssuer) pair(sess refreshSession, user domain.User, refreshToken string, now time.Time) (*domain.TokenPair, error) {
	accessTokenExpiry := now.Add(s.cfg.AccessTokenTTL)
	claims := AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessTokenExpiry),
			Issuer:    s.cfg.Issuer,
			ID:        uuid.NewString(),
		},
		SessionID: sess.id.String(),
		Email:     user.Email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	accessToken, err := token.SignedString(s.cfg.JWTSecret)
	if err != nil {
		return nil, err
	}

	return &domain.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
		ExpiresAt:    accessTokenExpiry,
	}, nil
}

func generateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
