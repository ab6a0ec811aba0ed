// Package stats converts usage-history readings into monotonic cumulative
// statistic series, deduplicated against previously persisted points.
package stats

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/thetic/hass-mytpu/internal/tpu"
)

// Source is the namespace prefix of every statistic series this system owns.
const Source = "mytpu"

// Point is one persisted cumulative statistic sample: the day's consumption
// (State) and the running total since first import (Sum).
type Point struct {
	Start time.Time
	State float64
	Sum   float64
}

// SeriesMetadata describes one statistic series.
type SeriesMetadata struct {
	SeriesID string
	Name     string
	Unit     string
	Source   string
}

// Store is the persistence contract the importer runs against. Append-only,
// keyed by series id.
type Store interface {
	// LastPoint returns the most recent persisted point for the series, or
	// nil when the series has never been imported.
	LastPoint(ctx context.Context, seriesID string) (*Point, error)
	AppendPoints(ctx context.Context, meta SeriesMetadata, points []Point) error
}

var pointsImported = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mytpu_statistic_points_imported_total",
	Help: "Statistic points written per series.",
}, []string{"series"})

// SeriesID derives the stable statistic series identifier for a service:
// source, normalized type+meter id (lowercased, hyphens to underscores),
// and category suffix.
func SeriesID(svc tpu.Service) string {
	meterID := strings.ToLower(strings.ReplaceAll(string(svc.Type)+"_"+svc.MeterNumber, "-", "_"))
	return Source + ":" + meterID + "_" + svc.Type.Category()
}

// MetadataFor builds the series metadata for a service.
func MetadataFor(svc tpu.Service) SeriesMetadata {
	name := "TPU Energy " + svc.DisplayMeterNumber
	if svc.Type == tpu.ServiceWater {
		name = "TPU Water " + svc.DisplayMeterNumber
	}
	return SeriesMetadata{
		SeriesID: SeriesID(svc),
		Name:     name,
		Unit:     svc.Type.Unit(),
		Source:   Source,
	}
}

// Importer owns no persistent state: it reads the last persisted point
// before each run and writes new points at the end.
type Importer struct {
	store  Store
	logger *logrus.Logger
}

func NewImporter(store Store, logger *logrus.Logger) *Importer {
	return &Importer{store: store, logger: logger}
}

// Import converts a date-ascending list of readings into cumulative points
// and appends them to the service's series. Readings at or before the
// persisted watermark are skipped, so replaying the same readings is
// idempotent. On the very first import a zero baseline point is inserted one
// day before the first reading, so downstream consumers see day-one
// consumption as a delta rather than the full historical total. Returns the
// number of points written.
func (im *Importer) Import(ctx context.Context, svc tpu.Service, readings []tpu.UsageReading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	meta := MetadataFor(svc)

	last, err := im.store.LastPoint(ctx, meta.SeriesID)
	if err != nil {
		return 0, err
	}

	var points []Point
	var sum float64
	var watermark time.Time
	if last != nil {
		sum = last.Sum
		watermark = last.Start
	} else {
		points = append(points, Point{Start: readings[0].Date.Add(-24 * time.Hour)})
	}

	for _, r := range readings {
		// Compare by instant, not calendar day, so the same instant is
		// never reprocessed across timezone-normalization paths.
		if last != nil && !r.Date.After(watermark) {
			continue
		}
		sum += r.Consumption
		points = append(points, Point{Start: r.Date, State: r.Consumption, Sum: sum})
	}

	if len(points) == 0 {
		im.logger.WithField("series", meta.SeriesID).Debug("no new readings past watermark")
		return 0, nil
	}

	if err := im.store.AppendPoints(ctx, meta, points); err != nil {
		return 0, err
	}

	pointsImported.WithLabelValues(meta.SeriesID).Add(float64(len(points)))
	im.logger.WithFields(logrus.Fields{
		"series": meta.SeriesID,
		"points": len(points),
		"sum":    sum,
	}).Info("imported statistics")

	return len(points), nil
}
