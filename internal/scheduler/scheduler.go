// Package scheduler drives the two periodic jobs: the main poll cycle and
// an independent proactive token refresh that keeps the token fresh even
// when the poll interval is long.
package scheduler

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/thetic/hass-mytpu/internal/poller"
)

const (
	pollTimeout    = 5 * time.Minute
	refreshTimeout = 2 * time.Minute
)

// TokenRefresher is the slice of the token manager the refresh job drives.
type TokenRefresher interface {
	ProactiveRefresh(ctx context.Context, minRemaining time.Duration) (bool, error)
	TokenData() map[string]any
}

// TokenSaver persists token blobs after a background refresh.
type TokenSaver interface {
	Save(blob map[string]any) error
}

// Config are the scheduling knobs. The refresh interval and margin are tuned
// against the observed server: refresh tokens last about two hours, and the
// server may reject refresh grants once the access token has expired, so a
// 45-minute wakeup with a 15-minute margin refreshes while still valid.
type Config struct {
	PollInterval  time.Duration
	RefreshEvery  time.Duration
	RefreshMargin time.Duration
}

var tokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mytpu_token_refreshes_total",
	Help: "Proactive token refresh attempts by outcome.",
}, []string{"outcome"})

type Scheduler struct {
	ctx         context.Context
	coordinator *poller.Coordinator
	tokens      TokenRefresher
	tokenStore  TokenSaver
	cfg         Config
	logger      *logrus.Logger
	cron        *cron.Cron
}

func NewScheduler(
	ctx context.Context,
	coordinator *poller.Coordinator,
	tokens TokenRefresher,
	tokenStore TokenSaver,
	cfg Config,
	logger *logrus.Logger,
) *Scheduler {
	return &Scheduler{
		ctx:         ctx,
		coordinator: coordinator,
		tokens:      tokens,
		tokenStore:  tokenStore,
		cfg:         cfg,
		logger:      logger,
		cron:        cron.New(),
	}
}

// Start registers both jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("@every "+s.cfg.PollInterval.String(), s.poll); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every "+s.cfg.RefreshEvery.String(), s.refreshToken); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.WithFields(logrus.Fields{
		"poll_interval":    s.cfg.PollInterval,
		"refresh_interval": s.cfg.RefreshEvery,
	}).Info("scheduler started")
	return nil
}

// Stop halts the cron runner and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) poll() {
	ctx, cancel := context.WithTimeout(s.ctx, pollTimeout)
	defer cancel()

	_, result := s.coordinator.RunCycle(ctx)
	switch result.Status {
	case poller.StatusOK:
		s.logger.Debug("poll cycle completed")
	case poller.StatusAuthRequired:
		s.logger.WithError(result.Err).Error("poll cycle requires re-authentication; waiting for new credentials")
	default:
		s.logger.WithError(result.Err).Warn("poll cycle failed, will retry on next interval")
	}
}

func (s *Scheduler) refreshToken() {
	ctx, cancel := context.WithTimeout(s.ctx, refreshTimeout)
	defer cancel()

	refreshed, err := s.tokens.ProactiveRefresh(ctx, s.cfg.RefreshMargin)
	if err != nil {
		// Classification is the coordinator's job; the background task
		// only logs and lets the next poll surface the failure.
		tokenRefreshes.WithLabelValues("error").Inc()
		s.logger.WithError(err).Warn("background token refresh failed")
		return
	}
	if !refreshed {
		tokenRefreshes.WithLabelValues("fresh").Inc()
		s.logger.Debug("background token refresh: token still fresh")
		return
	}

	tokenRefreshes.WithLabelValues("refreshed").Inc()
	if data := s.tokens.TokenData(); data != nil {
		if err := s.tokenStore.Save(data); err != nil {
			s.logger.WithError(err).Warn("failed to persist refreshed token")
			return
		}
	}
	s.logger.Info("background token refresh: token refreshed and persisted")
}
