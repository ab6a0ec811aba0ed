// Package poller orchestrates one refresh cycle: resolve account context,
// fetch usage per configured meter, import statistics, persist token
// changes, and classify failures for the retry/reauth policy.
package poller

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/thetic/hass-mytpu/internal/auth"
	"github.com/thetic/hass-mytpu/internal/stats"
	"github.com/thetic/hass-mytpu/internal/tpu"
)

// DefaultServerErrorReauthThreshold is how many consecutive server errors on
// the token-exchange path are tolerated before escalating to reauth. The
// server returns 500, not 401, for a token that is almost certainly
// permanently expired, so persistent 500s cannot be retried forever.
const DefaultServerErrorReauthThreshold = 3

// Status classifies the outcome of a cycle for the host's retry policy.
type Status int

const (
	StatusOK Status = iota
	// StatusTransient failures are retried on the next scheduled poll.
	StatusTransient
	// StatusAuthRequired is terminal: the user must re-enter credentials.
	StatusAuthRequired
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAuthRequired:
		return "auth_required"
	default:
		return "transient"
	}
}

// CycleResult is the classified outcome of one refresh cycle. It replaces
// cross-package error-type catching: callers inspect Status, while Err keeps
// the cause for diagnostics.
type CycleResult struct {
	Status Status
	Err    error
}

// ServiceSummary is the latest reading of one meter, kept for display only.
// Durable state lives in the imported statistics.
type ServiceSummary struct {
	Date        time.Time `json:"date"`
	Consumption float64   `json:"consumption"`
	Unit        string    `json:"unit"`
}

// Summary is the display snapshot of the most recent successful cycle,
// keyed by statistic series id.
type Summary struct {
	Services  map[string]ServiceSummary `json:"services"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// UsageAPI is the slice of the API client the coordinator drives.
type UsageAPI interface {
	AccountInfo(ctx context.Context) (*tpu.AccountInfo, error)
	Usage(ctx context.Context, svc tpu.Service, from, to *time.Time) ([]tpu.UsageReading, error)
}

// TokenSnapshotter exposes the current token blob for persistence.
// Implemented by auth.Manager.
type TokenSnapshotter interface {
	TokenData() map[string]any
}

// TokenSaver persists token blobs. Implemented by state.TokenStore.
type TokenSaver interface {
	Save(blob map[string]any) error
}

var cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mytpu_poll_cycles_total",
	Help: "Refresh cycles by classified result.",
}, []string{"result"})

// Coordinator runs refresh cycles over the configured services.
type Coordinator struct {
	client     UsageAPI
	tokens     TokenSnapshotter
	tokenStore TokenSaver
	store      stats.Store
	importer   *stats.Importer
	services   []tpu.Service
	threshold  int
	logger     *logrus.Logger

	mu                      sync.Mutex
	consecutiveServerErrors int
	lastSavedToken          map[string]any
	lastSummary             *Summary
	lastResult              CycleResult
}

func New(
	client UsageAPI,
	tokens TokenSnapshotter,
	tokenStore TokenSaver,
	store stats.Store,
	importer *stats.Importer,
	services []tpu.Service,
	threshold int,
	logger *logrus.Logger,
) *Coordinator {
	if threshold <= 0 {
		threshold = DefaultServerErrorReauthThreshold
	}
	return &Coordinator{
		client:     client,
		tokens:     tokens,
		tokenStore: tokenStore,
		store:      store,
		importer:   importer,
		services:   services,
		threshold:  threshold,
		logger:     logger,
	}
}

// RunCycle performs one full refresh. The returned summary is nil on
// failure; the result carries the classification.
func (c *Coordinator) RunCycle(ctx context.Context) (*Summary, CycleResult) {
	// Resolving account context may trigger authentication, so persist any
	// token change immediately after.
	if _, err := c.client.AccountInfo(ctx); err != nil {
		return nil, c.fail(err)
	}
	c.persistTokenIfChanged()

	summary := &Summary{
		Services:  make(map[string]ServiceSummary),
		UpdatedAt: time.Now().UTC(),
	}

	for _, svc := range c.services {
		seriesID := stats.SeriesID(svc)

		last, err := c.store.LastPoint(ctx, seriesID)
		if err != nil {
			return nil, c.fail(err)
		}

		// Resume from the day after the last persisted point instead of
		// refetching the whole default window.
		var from *time.Time
		if last != nil {
			f := nextFetchStart(last.Start)
			from = &f
		}

		readings, err := c.client.Usage(ctx, svc, from, nil)
		if err != nil {
			return nil, c.fail(err)
		}
		if len(readings) == 0 {
			continue
		}

		if _, err := c.importer.Import(ctx, svc, readings); err != nil {
			return nil, c.fail(err)
		}

		latest := readings[len(readings)-1]
		summary.Services[seriesID] = ServiceSummary{
			Date:        latest.Date,
			Consumption: latest.Consumption,
			Unit:        latest.Unit,
		}
	}

	// Usage fetches may have refreshed the token mid-cycle.
	c.persistTokenIfChanged()

	result := CycleResult{Status: StatusOK}
	cyclesTotal.WithLabelValues(result.Status.String()).Inc()

	c.mu.Lock()
	c.consecutiveServerErrors = 0
	c.lastSummary = summary
	c.lastResult = result
	c.mu.Unlock()

	return summary, result
}

// LastSummary returns the snapshot of the most recent successful cycle, or
// nil when none has completed yet.
func (c *Coordinator) LastSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSummary
}

// LastResult returns the classification of the most recent cycle.
func (c *Coordinator) LastResult() CycleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResult
}

func (c *Coordinator) fail(err error) CycleResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := CycleResult{Status: StatusTransient, Err: err}

	var authErr *auth.AuthError
	var srvErr *auth.ServerError
	switch {
	case errors.As(err, &authErr):
		result.Status = StatusAuthRequired
		c.logger.WithError(err).Error("authentication failed, reauth required")
	case errors.As(err, &srvErr):
		c.consecutiveServerErrors++
		if c.consecutiveServerErrors >= c.threshold {
			// Persistent 500s on token exchange almost always mean the
			// refresh token expired; stop retrying and demand reauth.
			result.Status = StatusAuthRequired
			c.logger.WithError(err).WithField("consecutive", c.consecutiveServerErrors).
				Warn("token exchange failing consistently, requesting reauth")
		} else {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"consecutive": c.consecutiveServerErrors,
				"threshold":   c.threshold,
			}).Warn("server error, will retry")
		}
	default:
		c.logger.WithError(err).Warn("refresh cycle failed, will retry")
	}

	c.lastResult = result
	cyclesTotal.WithLabelValues(result.Status.String()).Inc()
	return result
}

// persistTokenIfChanged writes the token blob when it differs from the last
// write. Save failures are logged, not fatal: the token survives in memory
// and the next cycle retries the write.
func (c *Coordinator) persistTokenIfChanged() {
	data := c.tokens.TokenData()
	if data == nil {
		return
	}

	c.mu.Lock()
	changed := !reflect.DeepEqual(data, c.lastSavedToken)
	c.mu.Unlock()
	if !changed {
		return
	}

	if err := c.tokenStore.Save(data); err != nil {
		c.logger.WithError(err).Warn("failed to persist token data")
		return
	}

	c.mu.Lock()
	c.lastSavedToken = data
	c.mu.Unlock()
	c.logger.Debug("persisted updated token data")
}

// nextFetchStart is the day after a persisted point, at midnight UTC, which
// is how reading dates are normalized.
func nextFetchStart(last time.Time) time.Time {
	next := last.UTC().AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, time.UTC)
}
