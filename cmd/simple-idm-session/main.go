package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/tendant/simple-idm-session/internal/config"
	"github.com/tendant/simple-idm-session/internal/metrics"
	"github.com/tendant/simple-idm-session/pkg/authapi"
	"github.com/tendant/simple-idm-session/pkg/connectivity"
	"github.com/tendant/simple-idm-session/pkg/domain"
	"github.com/tendant/simple-idm-session/pkg/session"
	"github.com/tendant/simple-idm-session/pkg/tokenstore"
	"github.com/tendant/simple-idm-session/pkg/transport"
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	f, err := initFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	// Setup logger. Logs go to stderr so command output stays parseable.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize session", "error", err)
		os.Exit(1)
	}
	defer a.close()

	if err := a.run(ctx, f); err != nil {
		logger.Error("command failed", "command", f.command, "error", err)
		os.Exit(1)
	}
}

type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	api      *authapi.Client
	manager  *session.Manager
	registry *prometheus.Registry
	redis    *redis.Client
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tcfg := transport.Config{
		BaseURL: cfg.ServerURL,
		Timeout: cfg.RequestTimeout,
		Logger:  logger,
	}
	if cfg.Platform.SendsTokenInBody() {
		tcfg.ClientType = transport.ClientTypeMobile
	} else {
		jar, err := transport.NewJar()
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		tcfg.Jar = jar
	}
	tc, err := transport.New(tcfg)
	if err != nil {
		return nil, err
	}
	a.api = authapi.New(tc)

	opts := tokenstore.Options{
		Platform: cfg.Platform,
		Key:      cfg.StorageKey,
		FilePath: cfg.TokenFile,
		Jar:      tcfg.Jar,
		BaseURL:  tc.BaseURL(),
	}
	if cfg.Platform == tokenstore.PlatformRedis {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		opts.Redis = a.redis
		opts.RedisPrefix = "simple-idm:session:"
	}
	store, err := tokenstore.New(opts)
	if err != nil {
		a.close()
		return nil, err
	}

	a.manager, err = session.NewManager(session.Config{
		Store:            store,
		API:              a.api,
		Logger:           logger,
		Metrics:          metrics.NewSession(a.registry),
		BootstrapBackoff: cfg.BootstrapBackoff,
		Hooks: session.Hooks{
			OnOnboardingRequired: func(context.Context) {
				logger.Warn("onboarding required: complete your profile to continue")
			},
		},
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func (a *app) run(ctx context.Context, f flags) error {
	switch f.command {
	case "login":
		if err := a.manager.Login(ctx, authapi.Credentials{Email: f.email, Password: f.password}); err != nil {
			return err
		}
		return a.printState()
	case "logout":
		if err := a.manager.Bootstrap(ctx); err != nil {
			return err
		}
		if err := a.manager.Logout(ctx); err != nil {
			return err
		}
		return a.printState()
	case "me":
		if err := a.manager.Bootstrap(ctx); err != nil {
			return err
		}
		user, err := a.manager.Me(ctx)
		if err != nil {
			return err
		}
		return printJSON(user)
	case "watch":
		return a.watch(ctx)
	default:
		if err := a.manager.Bootstrap(ctx); err != nil {
			return err
		}
		return a.printState()
	}
}

func (a *app) watch(ctx context.Context) error {
	unsubscribe := a.manager.Subscribe(func(s session.State) {
		a.logger.Info("session status changed", "status", s.Status)
	})
	defer unsubscribe()

	if a.cfg.HasMetrics() {
		srv := &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("serving metrics", "addr", a.cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	scheduler := session.NewScheduler(a.manager, session.SchedulerConfig{
		Lead:           a.cfg.RenewLead,
		ForegroundSkew: a.cfg.ForegroundSkew,
		Logger:         a.logger,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	monitor := connectivity.New(a.api, scheduler.OnConnectivityChange, connectivity.Config{
		Interval: a.cfg.ConnectivityInterval,
		Timeout:  a.cfg.RequestTimeout,
		Logger:   a.logger,
	})
	go monitor.Run(ctx)

	if err := a.manager.Bootstrap(ctx); err != nil {
		return err
	}
	if err := a.printState(); err != nil {
		return err
	}

	resume := make(chan os.Signal, 1)
	signal.Notify(resume, syscall.SIGUSR1)
	defer signal.Stop(resume)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("watch stopped")
			return nil
		case <-resume:
			a.logger.Info("foreground resume")
			scheduler.OnForeground()
		}
	}
}

func (a *app) printState() error {
	s := a.manager.State()
	return printJSON(struct {
		Status string       `json:"status"`
		User   *domain.User `json:"user,omitempty"`
		Error  string       `json:"error,omitempty"`
	}{Status: string(s.Status), User: s.User, Error: s.Error})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
