package store

import (
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"gym-reserve-backend/internal/model"
)

// Any matches any driver value in sqlmock expectations.
type Any struct{}

func (Any) Match(v driver.Value) bool { return true }

// A helper function to create a mock database connection.
func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func TestLockEquipmentUsesRowLockOnPostgres(t *testing.T) {
	gormDB, mock := newTestDB(t)
	s := NewGormStore(gormDB)

	mock.ExpectQuery(`SELECT \* FROM "equipment" WHERE "equipment"\."id" = \$1.*FOR UPDATE`).
		WithArgs(int64(5), 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "gym_id", "name", "status", "base_session_time_minutes"}).
			AddRow(5, 1, "Bench Press", model.StatusAvailable, 15))

	eq, err := s.LockEquipment(gormDB, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), eq.ID)
	assert.Equal(t, model.StatusAvailable, eq.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireStaleNotified(t *testing.T) {
	gormDB, mock := newTestDB(t)
	s := NewGormStore(gormDB)

	cutoff := time.Now().Add(-15 * time.Second)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "reservations" SET "status"=$1,"updated_at"=$2 WHERE equipment_id = $3 AND status = $4 AND notified_at < $5`)).
		WithArgs(model.ReservationExpired, Any{}, int64(1), model.ReservationNotified, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := s.ExpireStaleNotified(gormDB, 1, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitingCount(t *testing.T) {
	gormDB, mock := newTestDB(t)
	s := NewGormStore(gormDB)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "reservations" WHERE equipment_id = $1 AND status = $2`)).
		WithArgs(int64(3), model.ReservationWaiting).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := s.WaitingCount(gormDB, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveSessionForUserNotFoundIsNil(t *testing.T) {
	gormDB, mock := newTestDB(t)
	s := NewGormStore(gormDB)

	mock.ExpectQuery(`SELECT \* FROM "usage_sessions" WHERE user_id = \$1 AND end_time IS NULL`).
		WithArgs(int64(42), 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	sess, err := s.ActiveSessionForUser(gormDB, 42)
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Session rows are never locked independently; the equipment row is the only
// serialization point, so these lookups must not emit FOR UPDATE.
func TestSessionLookupsDoNotTakeRowLocks(t *testing.T) {
	gormDB, mock := newTestDB(t)
	s := NewGormStore(gormDB)

	mock.ExpectQuery(`SELECT \* FROM "usage_sessions" WHERE user_id = \$1 AND end_time IS NULL ORDER BY "usage_sessions"\."id" LIMIT \$2$`).
		WithArgs(int64(7), 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "equipment_id"}).AddRow(3, 7, 1))

	sess, err := s.ActiveSessionForUser(gormDB, 7)
	require.NoError(t, err)
	require.NotNil(t, sess)

	mock.ExpectQuery(`SELECT \* FROM "usage_sessions" WHERE "usage_sessions"\."id" = \$1 ORDER BY "usage_sessions"\."id" LIMIT \$2$`).
		WithArgs(int64(3), 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "equipment_id"}).AddRow(3, 7, 1))

	sess, err = s.SessionByID(gormDB, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sess.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchHeartbeatSkipsFinalizedSessions(t *testing.T) {
	gormDB, mock := newTestDB(t)
	s := NewGormStore(gormDB)

	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "usage_sessions" SET "last_heartbeat"=$1,"updated_at"=$2 WHERE id = $3 AND end_time IS NULL`)).
		WithArgs(at, at, int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := s.TouchHeartbeat(gormDB, 9, at)
	require.NoError(t, err)
	assert.False(t, ok, "a finalized session must not be revived")
	assert.NoError(t, mock.ExpectationsWereMet())
}
