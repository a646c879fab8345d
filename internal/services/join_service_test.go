package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playoffpool/backend/internal/audit"
	"github.com/playoffpool/backend/internal/models"
	"github.com/playoffpool/backend/internal/observability"
)

func newTestJoinService(t *testing.T) (*JoinService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ledger := NewLedgerService(db, nil, metrics)
	svc := NewJoinService(db, ledger, audit.NewLogger(), metrics)
	return svc, mock
}

func openContestRow(entryFee int64, maxParticipants int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "status", "entry_fee_cents", "max_participants", "rake_bps",
		"strategy_key", "payout_structure", "invite_code", "lock_time", "settled_at", "created_at",
	}).AddRow(
		"contest-1", "Playoff Pool", models.ContestStatusOpen, entryFee, maxParticipants, 500,
		StrategyStandardRake, []byte(`{"1":100}`), "INV123",
		sql.NullTime{Valid: true, Time: time.Now().Add(time.Hour)}, sql.NullTime{}, time.Now(),
	)
}

func expectUserLock(mock sqlmock.Sqlmock, userID string) {
	mock.ExpectQuery(`SELECT id FROM users WHERE id`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(userID))
}

func TestJoinContest_HappyPath(t *testing.T) {
	svc, mock := newTestJoinService(t)

	mock.ExpectBegin()
	expectUserLock(mock, "user-1")
	mock.ExpectQuery(`(?s)SELECT id, name, status.+FOR UPDATE`).
		WithArgs("contest-1").
		WillReturnRows(openContestRow(1000, 10))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("contest-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM contest_participants`).
		WithArgs("contest-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(CASE direction`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(5000)))
	mock.ExpectExec(`INSERT INTO contest_participants`).
		WithArgs("contest-1", "user-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`INSERT INTO ledger_entries`).
		WithArgs(models.EntryTypeWalletDebit, models.DirectionDebit, int64(1000), "user-1",
			models.ReferenceTypeContest, "contest-1", "wallet_debit:contest-1:user-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), time.Now()))
	mock.ExpectExec(`INSERT INTO audit_log`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	result, err := svc.JoinContest(context.Background(), "user-1", "contest-1")
	require.NoError(t, err)
	assert.False(t, result.AlreadyJoined)
	assert.Equal(t, int64(1000), result.EntryFeeCents)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJoinContest_ReplayIsNoOpSuccess(t *testing.T) {
	svc, mock := newTestJoinService(t)

	mock.ExpectBegin()
	expectUserLock(mock, "user-1")
	mock.ExpectQuery(`(?s)SELECT id, name, status.+FOR UPDATE`).
		WithArgs("contest-1").
		WillReturnRows(openContestRow(1000, 10))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("contest-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	// No debit, no participant insert, no audit row.
	mock.ExpectRollback()

	result, err := svc.JoinContest(context.Background(), "user-1", "contest-1")
	require.NoError(t, err)
	assert.True(t, result.AlreadyJoined)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJoinContest_InsufficientFunds(t *testing.T) {
	svc, mock := newTestJoinService(t)

	mock.ExpectBegin()
	expectUserLock(mock, "user-1")
	mock.ExpectQuery(`(?s)SELECT id, name, status.+FOR UPDATE`).
		WithArgs("contest-1").
		WillReturnRows(openContestRow(1000, 10))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("contest-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM contest_participants`).
		WithArgs("contest-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(CASE direction`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(999)))
	mock.ExpectRollback()

	_, err := svc.JoinContest(context.Background(), "user-1", "contest-1")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJoinContest_ContestFull(t *testing.T) {
	svc, mock := newTestJoinService(t)

	mock.ExpectBegin()
	expectUserLock(mock, "user-1")
	mock.ExpectQuery(`(?s)SELECT id, name, status.+FOR UPDATE`).
		WithArgs("contest-1").
		WillReturnRows(openContestRow(1000, 4))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("contest-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM contest_participants`).
		WithArgs("contest-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectRollback()

	_, err := svc.JoinContest(context.Background(), "user-1", "contest-1")
	assert.ErrorIs(t, err, ErrContestFull)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJoinContest_LockTimePassed(t *testing.T) {
	svc, mock := newTestJoinService(t)

	lockedContest := sqlmock.NewRows([]string{
		"id", "name", "status", "entry_fee_cents", "max_participants", "rake_bps",
		"strategy_key", "payout_structure", "invite_code", "lock_time", "settled_at", "created_at",
	}).AddRow(
		"contest-1", "Playoff Pool", models.ContestStatusOpen, int64(1000), 10, 500,
		StrategyStandardRake, []byte(`{"1":100}`), "INV123",
		sql.NullTime{Valid: true, Time: time.Now().Add(-time.Minute)}, sql.NullTime{}, time.Now(),
	)

	mock.ExpectBegin()
	expectUserLock(mock, "user-1")
	mock.ExpectQuery(`(?s)SELECT id, name, status.+FOR UPDATE`).
		WithArgs("contest-1").
		WillReturnRows(lockedContest)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("contest-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	_, err := svc.JoinContest(context.Background(), "user-1", "contest-1")
	assert.ErrorIs(t, err, ErrContestLockPassed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJoinContest_LostInsertRaceSkipsDebit(t *testing.T) {
	svc, mock := newTestJoinService(t)

	mock.ExpectBegin()
	expectUserLock(mock, "user-1")
	mock.ExpectQuery(`(?s)SELECT id, name, status.+FOR UPDATE`).
		WithArgs("contest-1").
		WillReturnRows(openContestRow(1000, 10))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("contest-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM contest_participants`).
		WithArgs("contest-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(CASE direction`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(5000)))
	// ON CONFLICT DO NOTHING swallowed the insert: no debit may follow.
	mock.ExpectExec(`INSERT INTO contest_participants`).
		WithArgs("contest-1", "user-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	result, err := svc.JoinContest(context.Background(), "user-1", "contest-1")
	require.NoError(t, err)
	assert.True(t, result.AlreadyJoined)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJoinContest_UserNotFound(t *testing.T) {
	svc, mock := newTestJoinService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM users WHERE id`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := svc.JoinContest(context.Background(), "ghost", "contest-1")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJoinContest_FreeContestSkipsBalanceCheck(t *testing.T) {
	svc, mock := newTestJoinService(t)

	mock.ExpectBegin()
	expectUserLock(mock, "user-1")
	mock.ExpectQuery(`(?s)SELECT id, name, status.+FOR UPDATE`).
		WithArgs("contest-1").
		WillReturnRows(openContestRow(0, 10))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("contest-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM contest_participants`).
		WithArgs("contest-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO contest_participants`).
		WithArgs("contest-1", "user-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO audit_log`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	result, err := svc.JoinContest(context.Background(), "user-1", "contest-1")
	require.NoError(t, err)
	assert.False(t, result.AlreadyJoined)
	assert.Equal(t, int64(0), result.EntryFeeCents)
	assert.NoError(t, mock.ExpectationsWereMet())
}
