package requestlog

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/g1331/AutoRouter-sub005/internal/model"
)

// TestAggregateSpendingQueriesBilledCost exercises the SQL text and bind
// order of AggregateSpending against a stubbed driver, without needing a
// real SQLite/Postgres file on disk.
func TestAggregateSpendingQueriesBilledCost(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &Store{db: db, dialect: "postgres"}
	periodStart := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(SUM(b.final_cost), 0)
		FROM billing_snapshots b
		JOIN request_logs r ON r.id = b.request_log_id
		WHERE r.upstream_id = $1 AND r.created_at >= $2 AND b.final_cost IS NOT NULL`)).
		WithArgs("u1", periodStart).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(12.5))

	total, err := s.AggregateSpending(context.Background(), "u1", model.SpendingRule{PeriodType: "daily"}, periodStart)
	require.NoError(t, err)
	require.Equal(t, 12.5, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestAggregateSpendingWrapsQueryError confirms a driver-level failure is
// wrapped with the upstream/rule context instead of surfacing the raw
// database/sql error.
func TestAggregateSpendingWrapsQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &Store{db: db, dialect: "postgres"}
	mock.ExpectQuery(".*").WillReturnError(sqlmock.ErrCancelled)

	_, err = s.AggregateSpending(context.Background(), "u1", model.SpendingRule{PeriodType: "monthly"}, time.Now())
	require.Error(t, err)
	require.Contains(t, err.Error(), "aggregate spending for upstream u1")
}
