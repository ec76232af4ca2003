package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/simple-idm-session/pkg/domain"
)

// Default scheduling windows.
const (
	DefaultRenewLead      = 2 * time.Minute
	DefaultForegroundSkew = 30 * time.Second
)

// SchedulerConfig holds proactive renewal configuration.
type SchedulerConfig struct {
	// Lead is how long before expiry the renewal fires. Tokens whose
	// lifetime is not longer than Lead renew at half their lifetime instead.
	Lead time.Duration
	// ForegroundSkew is the margin used on foreground resume.
	ForegroundSkew time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Scheduler renews the access token ahead of its expiry, on foreground
// resume and when connectivity returns while degraded.
type Scheduler struct {
	m      *Manager
	lead   time.Duration
	skew   time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	timer       *time.Timer
	next        time.Time
	online      bool
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewScheduler creates a scheduler for m. Call Start to arm it.
func NewScheduler(m *Manager, cfg SchedulerConfig) *Scheduler {
	if cfg.Lead == 0 {
		cfg.Lead = DefaultRenewLead
	}
	if cfg.ForegroundSkew == 0 {
		cfg.ForegroundSkew = DefaultForegroundSkew
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		m:      m,
		lead:   cfg.Lead,
		skew:   cfg.ForegroundSkew,
		logger: cfg.Logger,
		now:    cfg.Now,
		online: true,
	}
}

// Start arms the scheduler for the current token and follows token changes
// until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	unsubscribe := s.m.onTokenChange(s.reschedule)

	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	s.reschedule()
}

// Stop cancels any pending timer and waits for running renewals to return.
// A stopped scheduler cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.stopTimerLocked()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.wg.Wait()
}

// NextRenewal returns when the pending renewal fires.
func (s *Scheduler) NextRenewal() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return time.Time{}, false
	}
	return s.next, true
}

// OnForeground renews when the app resumes while authenticated with a token
// at or past expiry minus the skew.
func (s *Scheduler) OnForeground() {
	if s.m.Status() != domain.StatusAuthenticated {
		return
	}
	token := s.m.AccessToken()
	if token == "" {
		return
	}
	exp, err := TokenExpiry(token)
	if err != nil {
		s.logger.Warn("cannot read access token expiry on resume", "error", err)
		return
	}
	if s.now().Before(exp.Add(-s.skew)) {
		return
	}
	s.logger.Info("access token stale on resume, renewing")
	s.spawn(s.renew)
}

// OnConnectivityChange records reachability. Going from offline to online
// while degraded triggers recovery.
func (s *Scheduler) OnConnectivityChange(online bool) {
	s.mu.Lock()
	wasOnline := s.online
	s.online = online
	s.mu.Unlock()

	if wasOnline || !online {
		return
	}
	if s.m.Status() != domain.StatusDegraded {
		return
	}
	s.logger.Info("connectivity restored while degraded, recovering session")
	s.spawn(s.recover)
}

func (s *Scheduler) reschedule() {
	token := s.m.AccessToken()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	s.stopTimerLocked()
	if token == "" {
		return
	}

	times, err := ParseTokenTimes(token)
	if err != nil {
		s.logger.Warn("cannot schedule renewal", "error", err)
		return
	}

	lead := s.lead
	// Tokens shorter-lived than the lead would renew in a loop.
	if life := times.Lifetime(); life > 0 && lead >= life {
		lead = life / 2
	}

	fireAt := times.ExpiresAt.Add(-lead)
	delay := fireAt.Sub(s.now())
	if delay <= 0 {
		s.spawnLocked(s.renew)
		return
	}

	s.next = fireAt
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timer == timer {
			s.timer = nil
		}
		s.mu.Unlock()
		s.spawn(s.renew)
	})
	s.timer = timer
	s.logger.Debug("renewal scheduled", "at", fireAt)
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.next = time.Time{}
}

func (s *Scheduler) spawn(fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawnLocked(fn)
}

func (s *Scheduler) spawnLocked(fn func(context.Context)) {
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

func (s *Scheduler) renew(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	out := s.m.RenewSession(ctx)
	if !out.OK {
		s.logger.Info("proactive renewal failed", "reason", out.Reason)
	}
}

func (s *Scheduler) recover(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	out := s.m.Recover(ctx)
	if !out.OK {
		s.logger.Info("session recovery failed", "reason", out.Reason)
	}
}
