// Package web serves the read-only status surface: daemon health (including
// the needs-reauth signal), the latest poll snapshot, and statistic series
// queries. Durable state lives in the statistics store; everything here is
// a view over it.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/thetic/hass-mytpu/internal/poller"
	"github.com/thetic/hass-mytpu/internal/stats"
)

// maxQueryRange bounds series queries to the portal's own history depth.
const maxQueryRange = 2 * 365 * 24 * time.Hour

// StatusProvider exposes the coordinator's last cycle outcome.
type StatusProvider interface {
	LastSummary() *poller.Summary
	LastResult() poller.CycleResult
}

// SeriesReader is the read side of the statistics store.
type SeriesReader interface {
	SeriesPoints(ctx context.Context, seriesID string, start, end time.Time) ([]stats.Point, error)
	Series(ctx context.Context) ([]stats.SeriesMetadata, error)
}

// ServerConfig holds configuration options for the HTTP server.
type ServerConfig struct {
	CacheSize      int     // size of the LRU response cache
	RateLimit      float64 // requests per second
	RateLimitBurst int     // maximum burst size
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		CacheSize:      1000,
		RateLimit:      5.0,
		RateLimitBurst: 10,
	}
}

// NewRouter wires the middleware chain and routes.
func NewRouter(status StatusProvider, reader SeriesReader, cfg ServerConfig, logger *logrus.Logger) (*gin.Engine, error) {
	cache, err := NewResponseCache(cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	router := gin.New()
	router.Use(
		gin.Recovery(),
		RequestIDMiddleware(),
		RateLimitMiddleware(limiter),
		LoggingMiddleware(logger),
		MetricsMiddleware(),
	)

	h := &handlers{status: status, reader: reader}

	router.GET("/healthz", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	api.GET("/snapshot", h.snapshot)
	api.GET("/series", h.listSeries)
	// Identical range queries over append-only series are safe to cache.
	api.GET("/series/:id/points", CacheMiddleware(cache), h.seriesPoints)

	return router, nil
}

type handlers struct {
	status StatusProvider
	reader SeriesReader
}

func (h *handlers) health(c *gin.Context) {
	result := h.status.LastResult()

	body := gin.H{
		"status":       result.Status.String(),
		"needs_reauth": result.Status == poller.StatusAuthRequired,
	}
	if result.Err != nil {
		body["error"] = result.Err.Error()
	}

	code := http.StatusOK
	if result.Status == poller.StatusAuthRequired {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, body)
}

func (h *handlers) snapshot(c *gin.Context) {
	summary := h.status.LastSummary()
	if summary == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no completed poll cycle yet"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handlers) listSeries(c *gin.Context) {
	series, err := h.reader.Series(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"series": series})
}

func (h *handlers) seriesPoints(c *gin.Context) {
	start, end, err := parseRange(c.Query("start"), c.Query("end"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	points, err := h.reader.SeriesPoints(c.Request.Context(), c.Param("id"), start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"series_id": c.Param("id"),
		"points":    points,
	})
}

// parseRange validates the query window: RFC 3339 bounds, start before end,
// defaulting to the trailing 30 days.
func parseRange(startStr, endStr string) (time.Time, time.Time, error) {
	end := time.Now().UTC()
	if endStr != "" {
		parsed, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
		}
		end = parsed
	}

	start := end.AddDate(0, 0, -30)
	if startStr != "" {
		parsed, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
		}
		start = parsed
	}

	if !start.Before(end) {
		return time.Time{}, time.Time{}, errors.New("start must be before end")
	}
	if end.Sub(start) > maxQueryRange {
		return time.Time{}, time.Time{}, errors.New("time range exceeds maximum allowed")
	}
	return start, end, nil
}
