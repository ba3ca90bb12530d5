package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

var rowColumns = []string{"key", "url", "snapshot", "size", "stored_at"}

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	s, mockPool := newMockStore(t, zaptest.NewLogger(t))

	mockPool.ExpectExec(flexibleSQLMatcher(sqlCreateTable)).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlCreateIndex)).WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestFetch(t *testing.T) {
	ctx := context.Background()
	storedAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("should return the stored row", func(t *testing.T) {
		s, mockPool := newMockStore(t, zaptest.NewLogger(t))
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRow)).
			WithArgs("abc").
			WillReturnRows(pgxmock.NewRows(rowColumns).
				AddRow("abc", "/db/doc", []byte(`{"status":200}`), int64(14), storedAt))

		row, err := s.Fetch(ctx, "abc")
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.Equal(t, "/db/doc", row.URL)
		assert.Equal(t, `{"status":200}`, string(row.Snapshot))
		assert.Equal(t, int64(14), row.Size)
		assert.True(t, storedAt.Equal(row.StoredAt))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should return nil for a missing row", func(t *testing.T) {
		s, mockPool := newMockStore(t, zaptest.NewLogger(t))
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRow)).
			WithArgs("missing").
			WillReturnRows(pgxmock.NewRows(rowColumns))

		row, err := s.Fetch(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, row)
	})

	t.Run("should wrap query errors", func(t *testing.T) {
		s, mockPool := newMockStore(t, zaptest.NewLogger(t))
		queryErr := errors.New("connection reset")
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRow)).WithArgs("abc").WillReturnError(queryErr)

		_, err := s.Fetch(ctx, "abc")
		assert.ErrorIs(t, err, queryErr)
	})
}

func TestPut(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	row := &Row{Key: "k1", URL: "/db/doc", Snapshot: []byte(`{"body":"{}"}`), Size: 13, StoredAt: now}

	t.Run("should evict, upsert and commit without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(observedZapCore))

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRowForUpdate)).
			WithArgs("k1").
			WillReturnRows(pgxmock.NewRows(rowColumns).
				AddRow("k1", "/db/doc", []byte(`{"old":true}`), int64(12), now.Add(-time.Minute)))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlEvict)).
			WithArgs("k1", int64(100-13)).
			WillReturnResult(pgxmock.NewResult("DELETE", 2))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsert)).
			WithArgs("k1", "/db/doc", `{"body":"{}"}`, int64(13), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		prev, err := s.Put(ctx, row, 100)
		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, `{"old":true}`, string(prev.Snapshot))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Equal(t, 0, observedLogs.Len(), "Expected no error logs for a committed transaction")
	})

	t.Run("should roll back when the upsert fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zaptest.NewLogger(t))
		upsertErr := errors.New("disk full")

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRowForUpdate)).
			WithArgs("k1").
			WillReturnRows(pgxmock.NewRows(rowColumns))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlEvict)).
			WithArgs("k1", int64(100-13)).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsert)).
			WithArgs("k1", "/db/doc", `{"body":"{}"}`, int64(13), pgxmock.AnyArg()).
			WillReturnError(upsertErr)
		mockPool.ExpectRollback()

		_, err := s.Put(ctx, row, 100)
		require.Error(t, err)
		assert.ErrorIs(t, err, upsertErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should fail when the transaction cannot begin", func(t *testing.T) {
		s, mockPool := newMockStore(t, zaptest.NewLogger(t))
		beginErr := errors.New("too many connections")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		_, err := s.Put(ctx, row, 100)
		assert.ErrorIs(t, err, beginErr)
	})
}

func TestDeleteAndTotals(t *testing.T) {
	ctx := context.Background()
	s, mockPool := newMockStore(t, zaptest.NewLogger(t))

	mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteRow)).WithArgs("k1").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlTotalSize)).WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(int64(420)))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteAll)).WillReturnResult(pgxmock.NewResult("DELETE", 3))

	require.NoError(t, s.Delete(ctx, "k1"))

	total, err := s.TotalSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(420), total)

	n, err := s.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
