package authstub

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tendant/simple-idm-session/internal/httputil"
	"github.com/tendant/simple-idm-session/pkg/authapi"
	"github.com/tendant/simple-idm-session/pkg/domain"
)

const codeValidation = "VALIDATION_ERROR"

// tokenResponse is the body of refresh responses. The refresh token is
// only included for mobile clients.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// authResponse is the body of login, register and google responses.
type authResponse struct {
	tokenResponse
	User domain.User `json:"user"`
}

// googleClaims is the subset of a Google ID token the stub trusts.
type googleClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// login authenticates email/username and password.
// POST /auth/login
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req authapi.Credentials
	if err := decode(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		httputil.Error(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := s.users.Authenticate(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) {
			httputil.ErrorCode(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
			return
		}
		s.logger.Error("login failed", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "login failed")
		return
	}

	s.startSession(w, r, user, http.StatusOK)
}

// register creates an account and signs it in.
// POST /auth/register
func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req authapi.RegisterRequest
	if err := decode(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		httputil.Error(w, http.StatusBadRequest, "email and password are required")
		return
	}
	if err := s.validateRegistration(&req); err != nil {
		httputil.ErrorCode(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}

	user, err := s.users.Create(req.Email, req.Password, req.Name, req.Username)
	if err != nil {
		switch {
		case errors.Is(err, errUserAlreadyExists):
			httputil.ErrorCode(w, http.StatusConflict, "USER_EXISTS", "user already exists")
		case errors.Is(err, errUsernameAlreadyExists):
			httputil.ErrorCode(w, http.StatusConflict, "USERNAME_TAKEN", "username already taken")
		default:
			s.logger.Error("register failed", "error", err)
			httputil.Error(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}

	s.logger.Info("user registered", "user_id", user.ID)
	s.startSession(w, r, user, http.StatusCreated)
}

// google signs in with a Google ID token, creating the account on first
// use. The token signature is not verified.
// POST /auth/google
func (s *Server) google(w http.ResponseWriter, r *http.Request) {
	var req authapi.GoogleRequest
	if err := decode(r, &req); err != nil || req.IDToken == "" {
		httputil.Error(w, http.StatusBadRequest, "id_token is required")
		return
	}

	var claims googleClaims
	if _, _, err := jwt.NewParser().ParseUnverified(req.IDToken, &claims); err != nil || claims.Email == "" {
		httputil.ErrorCode(w, http.StatusUnauthorized, "INVALID_ID_TOKEN", "invalid id token")
		return
	}

	user, err := s.users.FindOrCreate(claims.Email, claims.Name)
	if err != nil {
		s.logger.Error("google sign-in failed", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "google sign-in failed")
		return
	}
	s.startSession(w, r, user, http.StatusOK)
}

// refresh rotates the refresh token.
// POST /auth/refresh
//
// For web clients: Reads refresh token from cookie, sets new cookie.
// For mobile clients: Reads/returns tokens in request/response body.
func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	mobile := httputil.IsMobileClient(r)

	var refreshToken string
	if mobile {
		var req authapi.RefreshRequest
		if err := decode(r, &req); err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
		refreshToken = req.RefreshToken
	} else {
		refreshToken, _ = httputil.GetRefreshTokenFromCookie(r)
	}
	if refreshToken == "" {
		httputil.Error(w, http.StatusUnauthorized, "refresh token not found")
		return
	}

	pair, err := s.sessions.Rotate(refreshToken, s.users.Get)
	if err != nil {
		if errors.Is(err, errSessionNotFound) ||
			errors.Is(err, errSessionExpired) ||
			errors.Is(err, errSessionRevoked) {
			if !mobile {
				httputil.ClearRefreshCookie(w, s.cookie)
			}
			httputil.Error(w, http.StatusUnauthorized, "invalid or expired refresh token")
			return
		}
		s.logger.Error("refresh failed", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to refresh token")
		return
	}

	httputil.JSON(w, http.StatusOK, s.tokenBody(w, r, pair))
}

// me returns the authenticated user.
// GET /auth/me
func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserID(r.Context())
	user, err := s.users.Get(userID)
	if err != nil {
		httputil.Error(w, http.StatusUnauthorized, "unknown user")
		return
	}
	httputil.JSON(w, http.StatusOK, user)
}

// logout revokes the presented refresh token. It always succeeds.
// POST /auth/logout
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	var refreshToken string
	if httputil.IsMobileClient(r) {
		var req authapi.LogoutRequest
		_ = decode(r, &req)
		refreshToken = req.RefreshToken
	} else {
		refreshToken, _ = httputil.GetRefreshTokenFromCookie(r)
		httputil.ClearRefreshCookie(w, s.cookie)
	}

	if refreshToken != "" {
		s.sessions.Revoke(refreshToken)
	}
	w.WriteHeader(http.StatusNoContent)
}

// completeOnboarding sets the username of a user that signed up without one.
// POST /auth/onboarding/complete
func (s *Server) completeOnboarding(w http.ResponseWriter, r *http.Request) {
	var req authapi.OnboardingRequest
	if err := decode(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Username != "" {
		if err := validateUsername(req.Username); err != nil {
			httputil.ErrorCode(w, http.StatusBadRequest, codeValidation, err.Error())
			return
		}
	}
	if req.Name != nil {
		name, err := sanitizeName(*req.Name)
		if err != nil {
			httputil.ErrorCode(w, http.StatusBadRequest, codeValidation, err.Error())
			return
		}
		req.Name = &name
	}

	userID, _ := GetUserID(r.Context())
	user, err := s.users.CompleteOnboarding(userID, req.Username, req.Name)
	if err != nil {
		switch {
		case errors.Is(err, errInvalidUsername):
			httputil.Error(w, http.StatusBadRequest, "username is required")
		case errors.Is(err, errUsernameAlreadyExists):
			httputil.ErrorCode(w, http.StatusConflict, "USERNAME_TAKEN", "username already taken")
		default:
			httputil.Error(w, http.StatusUnauthorized, "unknown user")
		}
		return
	}
	httputil.JSON(w, http.StatusOK, user)
}

// changePassword replaces the current user's password.
// POST /auth/change-password
func (s *Server) changePassword(w http.ResponseWriter, r *http.Request) {
	var req authapi.ChangePasswordRequest
	if err := decode(r, &req); err != nil || req.NewPassword == "" {
		httputil.Error(w, http.StatusBadRequest, "new_password is required")
		return
	}

	if err := s.passwords.Validate(req.NewPassword); err != nil {
		httputil.ErrorCode(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}

	userID, _ := GetUserID(r.Context())
	if err := s.users.ChangePassword(userID, req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, errInvalidCredentials) {
			httputil.ErrorCode(w, http.StatusBadRequest, "INVALID_CREDENTIALS", "current password is incorrect")
			return
		}
		s.logger.Error("change password failed", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to change password")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// validateRegistration checks and cleans a register request in place.
func (s *Server) validateRegistration(req *authapi.RegisterRequest) error {
	req.Email = normalizeEmail(req.Email)
	if err := validateEmail(req.Email); err != nil {
		return err
	}
	if err := s.passwords.Validate(req.Password); err != nil {
		return err
	}
	if req.Username != nil && *req.Username != "" {
		if err := validateUsername(*req.Username); err != nil {
			return err
		}
	}
	name, err := sanitizeName(req.Name)
	if err != nil {
		return err
	}
	req.Name = name
	return nil
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, user domain.User, status int) {
	pair, err := s.sessions.Issue(user)
	if err != nil {
		s.logger.Error("failed to issue session", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	httputil.JSON(w, status, authResponse{
		tokenResponse: s.tokenBody(w, r, pair),
		User:          user,
	})
}

// tokenBody sets the refresh cookie for web clients and returns the body
// for the pair.
func (s *Server) tokenBody(w http.ResponseWriter, r *http.Request, pair *domain.TokenPair) tokenResponse {
	body := tokenResponse{
		AccessToken: pair.AccessToken,
		TokenType:   pair.TokenType,
		ExpiresIn:   pair.ExpiresIn,
	}
	if httputil.IsMobileClient(r) {
		body.RefreshToken = pair.RefreshToken
	} else {
		httputil.SetRefreshCookie(w, pair.RefreshToken, s.sessions.RefreshTokenTTL(), s.cookie)
	}
	return body
}
