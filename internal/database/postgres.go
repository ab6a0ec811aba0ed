// Package database implements the Postgres-backed statistics store.
//
// Each statistic series is an append-only sequence of cumulative points
// keyed by (series_id, start); series metadata lives in a companion table.
// Appends are transactional and conflict-tolerant, so replaying an import is
// harmless.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/thetic/hass-mytpu/internal/stats"
)

// StatisticsRepository is the full persistence surface: the importer's store
// contract plus the read paths the status API serves.
type StatisticsRepository interface {
	stats.Store

	// SeriesPoints returns the points of a series within [start, end],
	// ascending by start.
	SeriesPoints(ctx context.Context, seriesID string, start, end time.Time) ([]stats.Point, error)

	// Series lists the metadata of every known series.
	Series(ctx context.Context) ([]stats.SeriesMetadata, error)

	Close() error
}

// PostgresRepo implements StatisticsRepository on database/sql with lib/pq.
type PostgresRepo struct {
	db *sql.DB
}

// NewPostgresRepo opens a connection pool and verifies connectivity. The
// connection string is the usual keyword form:
// "host=... port=... user=... password=... dbname=... sslmode=...".
func NewPostgresRepo(connStr string) (*PostgresRepo, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PostgresRepo{db: db}, nil
}

// Migrate creates the statistics tables when they do not exist yet.
func (r *PostgresRepo) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS statistics_meta (
			series_id TEXT PRIMARY KEY,
			name      TEXT NOT NULL,
			unit      TEXT NOT NULL,
			source    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS statistics (
			series_id TEXT NOT NULL REFERENCES statistics_meta (series_id),
			start     TIMESTAMPTZ NOT NULL,
			state     DOUBLE PRECISION NOT NULL,
			sum       DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (series_id, start)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// LastPoint returns the most recent point of a series, or nil when the
// series has never been imported.
func (r *PostgresRepo) LastPoint(ctx context.Context, seriesID string) (*stats.Point, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT start, state, sum
        FROM statistics
        WHERE series_id = $1
        ORDER BY start DESC
        LIMIT 1
    `, seriesID)

	var p stats.Point
	if err := row.Scan(&p.Start, &p.State, &p.Sum); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// AppendPoints upserts the series metadata and inserts the points in a
// single transaction. Either all points land or none. Points already present
// are left untouched, keeping replays idempotent.
func (r *PostgresRepo) AppendPoints(ctx context.Context, meta stats.SeriesMetadata, points []stats.Point) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // rollback if not committed

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO statistics_meta (series_id, name, unit, source)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (series_id) DO UPDATE SET
            name = excluded.name,
            unit = excluded.unit,
            source = excluded.source
    `, meta.SeriesID, meta.Name, meta.Unit, meta.Source); err != nil {
		return fmt.Errorf("failed to upsert series metadata: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO statistics (series_id, start, state, sum)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (series_id, start) DO NOTHING
    `)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, meta.SeriesID, p.Start, p.State, p.Sum); err != nil {
			return fmt.Errorf("failed to insert point: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SeriesPoints returns the points of a series within [start, end].
func (r *PostgresRepo) SeriesPoints(ctx context.Context, seriesID string, start, end time.Time) ([]stats.Point, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT start, state, sum
        FROM statistics
        WHERE series_id = $1 AND start BETWEEN $2 AND $3
        ORDER BY start
    `, seriesID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []stats.Point
	for rows.Next() {
		var p stats.Point
		if err := rows.Scan(&p.Start, &p.State, &p.Sum); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Series lists every known series.
func (r *PostgresRepo) Series(ctx context.Context) ([]stats.SeriesMetadata, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT series_id, name, unit, source
        FROM statistics_meta
        ORDER BY series_id
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var series []stats.SeriesMetadata
	for rows.Next() {
		var m stats.SeriesMetadata
		if err := rows.Scan(&m.SeriesID, &m.Name, &m.Unit, &m.Source); err != nil {
			return nil, err
		}
		series = append(series, m)
	}
	return series, rows.Err()
}

// Close releases the connection pool.
func (r *PostgresRepo) Close() error {
	return r.db.Close()
}

// Compile-time interface implementation check
var _ StatisticsRepository = (*PostgresRepo)(nil)
