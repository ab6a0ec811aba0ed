package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetic/hass-mytpu/internal/stats"
)

func newMockRepo(t *testing.T) (*PostgresRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &PostgresRepo{db: db}, mock
}

func TestLastPointReturnsLatest(t *testing.T) {
	repo, mock := newMockRepo(t)

	start := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT start, state, sum`).
		WithArgs("mytpu:p_m_100_energy").
		WillReturnRows(sqlmock.NewRows([]string{"start", "state", "sum"}).
			AddRow(start, 5.0, 107.5))

	p, err := repo.LastPoint(context.Background(), "mytpu:p_m_100_energy")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, start, p.Start)
	assert.Equal(t, 5.0, p.State)
	assert.Equal(t, 107.5, p.Sum)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLastPointEmptySeries(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT start, state, sum`).
		WithArgs("mytpu:w_w_7_water").
		WillReturnRows(sqlmock.NewRows([]string{"start", "state", "sum"}))

	p, err := repo.LastPoint(context.Background(), "mytpu:w_w_7_water")
	require.NoError(t, err)
	assert.Nil(t, p, "never-imported series yields nil, not an error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendPointsTransaction(t *testing.T) {
	repo, mock := newMockRepo(t)

	meta := stats.SeriesMetadata{
		SeriesID: "mytpu:p_m_100_energy",
		Name:     "TPU Energy M-100",
		Unit:     "kWh",
		Source:   "mytpu",
	}
	day1 := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO statistics_meta`).
		WithArgs(meta.SeriesID, meta.Name, meta.Unit, meta.Source).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectPrepare(`INSERT INTO statistics`)
	mock.ExpectExec(`INSERT INTO statistics`).
		WithArgs(meta.SeriesID, day1, 5.0, 5.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO statistics`).
		WithArgs(meta.SeriesID, day2, 7.0, 12.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.AppendPoints(context.Background(), meta, []stats.Point{
		{Start: day1, State: 5, Sum: 5},
		{Start: day2, State: 7, Sum: 12},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendPointsRollsBackOnInsertFailure(t *testing.T) {
	repo, mock := newMockRepo(t)

	meta := stats.SeriesMetadata{SeriesID: "mytpu:p_m_100_energy", Name: "TPU Energy M-100", Unit: "kWh", Source: "mytpu"}
	day1 := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO statistics_meta`).
		WithArgs(meta.SeriesID, meta.Name, meta.Unit, meta.Source).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectPrepare(`INSERT INTO statistics`)
	mock.ExpectExec(`INSERT INTO statistics`).
		WithArgs(meta.SeriesID, day1, 5.0, 5.0).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := repo.AppendPoints(context.Background(), meta, []stats.Point{{Start: day1, State: 5, Sum: 5}})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendPointsEmptyIsNoop(t *testing.T) {
	repo, mock := newMockRepo(t)

	require.NoError(t, repo.AppendPoints(context.Background(), stats.SeriesMetadata{}, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeriesPoints(t *testing.T) {
	repo, mock := newMockRepo(t)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT start, state, sum`).
		WithArgs("mytpu:p_m_100_energy", start, end).
		WillReturnRows(sqlmock.NewRows([]string{"start", "state", "sum"}).
			AddRow(start.AddDate(0, 0, 13), 5.0, 5.0).
			AddRow(start.AddDate(0, 0, 14), 7.0, 12.0))

	points, err := repo.SeriesPoints(context.Background(), "mytpu:p_m_100_energy", start, end)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 12.0, points[1].Sum)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeries(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT series_id, name, unit, source`).
		WillReturnRows(sqlmock.NewRows([]string{"series_id", "name", "unit", "source"}).
			AddRow("mytpu:p_m_100_energy", "TPU Energy M-100", "kWh", "mytpu").
			AddRow("mytpu:w_w_7_water", "TPU Water W-7", "CCF", "mytpu"))

	series, err := repo.Series(context.Background())
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, "CCF", series[1].Unit)
	assert.NoError(t, mock.ExpectationsWereMet())
}
