package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/tendant/simple-idm-session/internal/authstub"
	"github.com/tendant/simple-idm-session/internal/config"
	"github.com/tendant/simple-idm-session/internal/httputil"
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.LoadStub()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	cookie := httputil.DefaultCookieConfig()
	cookie.Secure = cfg.CookieSecure

	stub := authstub.New(authstub.Config{
		Logger: logger,
		Session: authstub.SessionConfig{
			AccessTokenTTL:  cfg.AccessTokenTTL,
			RefreshTokenTTL: cfg.RefreshTokenTTL,
			JWTSecret:       []byte(cfg.JWTSecret),
			Issuer:          cfg.JWTIssuer,
		},
		RateLimit: authstub.RateLimitConfig{
			Enabled:         cfg.RateLimitEnabled,
			AuthRequests:    cfg.AuthRateLimit,
			RefreshRequests: cfg.RefreshRateLimit,
			Window:          cfg.RateLimitWindow,
		},
		Cookie: cookie,
		Passwords: authstub.PasswordPolicy{
			MinLength:        cfg.PasswordPolicy.MinLength,
			RequireUppercase: cfg.PasswordPolicy.RequireUppercase,
			RequireLowercase: cfg.PasswordPolicy.RequireLowercase,
			RequireNumber:    cfg.PasswordPolicy.RequireNumber,
			RequireSpecial:   cfg.PasswordPolicy.RequireSpecial,
		},
	})

	if cfg.HasSeedUser() {
		var username *string
		if cfg.SeedUsername != "" {
			username = &cfg.SeedUsername
		}
		user, err := stub.CreateUser(cfg.SeedEmail, cfg.SeedPassword, username)
		if err != nil {
			logger.Error("failed to create seed user", "error", err)
			os.Exit(1)
		}
		logger.Info("seed user created", "user_id", user.ID, "email", user.Email)
	}

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      stub,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting stub server", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
