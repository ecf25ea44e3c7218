package storage

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/sessionbot/internal/trading"
)

func newMockPostgres(t *testing.T) (*PostgresStorage, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStorage(db, zaptest.NewLogger(t)), mock
}

func TestPostgresStorage_Initialize(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS session_targets")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Initialize(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorage_Upsert(t *testing.T) {
	s, mock := newMockPostgres(t)
	record := sampleRecord("morning", trading.DecisionTakeProfitReached)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO session_targets")).
		WithArgs("u1", "2026-06-01", "morning", trading.RecordSchemaVersion,
			true, false, sqlmock.AnyArg(), record.SessionStart, sql.NullTime{},
			"712.40", 11).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpsertSessionTarget(context.Background(), record))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorage_UpsertError(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO session_targets")).
		WillReturnError(errors.New("connection reset"))

	err := s.UpsertSessionTarget(context.Background(), sampleRecord("morning", trading.DecisionTakeProfitReached))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestPostgresStorage_MarkSessionEnd(t *testing.T) {
	key := trading.RecordKey{UserID: "u1", Date: "2026-06-01", SessionType: "morning"}
	end := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		affected int64
		wantErr  error
	}{
		{name: "记录存在", affected: 1},
		{name: "记录不存在", affected: 0, wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockPostgres(t)
			mock.ExpectExec(regexp.QuoteMeta("UPDATE session_targets SET session_end")).
				WithArgs("u1", "2026-06-01", "morning", end).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			err := s.MarkSessionEnd(context.Background(), key, end)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

var recordColumns = []string{
	"schema_version", "user_id", "session_date", "session_type",
	"take_profit_reached", "stop_loss_reached", "target_reached_at",
	"session_start", "session_end", "profit", "trades_count",
}

func TestPostgresStorage_Get(t *testing.T) {
	s, mock := newMockPostgres(t)
	key := trading.RecordKey{UserID: "u1", Date: "2026-06-01", SessionType: "night"}
	start := time.Date(2026, 6, 1, 19, 0, 0, 0, time.UTC)
	reached := start.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("FROM session_targets WHERE user_id = $1")).
		WithArgs("u1", "2026-06-01", "night").
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow(1, "u1", "2026-06-01", "night", false, true, reached, start, nil, "-220.00", 4))

	record, err := s.GetSessionTarget(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, record.StopLossReached)
	assert.Equal(t, "-220", record.Profit.String())
	assert.Nil(t, record.SessionEnd)
	require.NotNil(t, record.TargetReachedAt)
	assert.True(t, reached.Equal(*record.TargetReachedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorage_GetMissing(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM session_targets WHERE user_id = $1")).
		WillReturnRows(sqlmock.NewRows(recordColumns))

	_, err := s.GetSessionTarget(context.Background(),
		trading.RecordKey{UserID: "u1", Date: "2026-06-01", SessionType: "night"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStorage_List(t *testing.T) {
	s, mock := newMockPostgres(t)
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY session_type")).
		WithArgs("u1", "2026-06-01").
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow(1, "u1", "2026-06-01", "afternoon", true, false, start, start, nil, "700.00", 6).
			AddRow(1, "u1", "2026-06-01", "morning", true, false, start, start, end, "705.50", 8))

	records, err := s.ListSessionTargets(context.Background(), "u1", "2026-06-01")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "afternoon", records[0].SessionType)
	require.NotNil(t, records[1].SessionEnd)
	assert.True(t, end.Equal(*records[1].SessionEnd))
	assert.NoError(t, mock.ExpectationsWereMet())
}
