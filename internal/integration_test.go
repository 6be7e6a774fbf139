package internal

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"gym-reserve-backend/config"
	"gym-reserve-backend/internal/db"
	"gym-reserve-backend/internal/engine"
	"gym-reserve-backend/internal/estimator"
	"gym-reserve-backend/internal/model"
	"gym-reserve-backend/internal/notifier"
	"gym-reserve-backend/internal/store"
)

// pushRecorder captures push notifications instead of delivering them.
type pushRecorder struct {
	mu   sync.Mutex
	msgs []recordedPush
}

type recordedPush struct {
	UserID int64
	Title  string
}

func (p *pushRecorder) Notify(userID int64, title, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, recordedPush{UserID: userID, Title: title})
}

func (p *pushRecorder) forUser(userID int64) []recordedPush {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []recordedPush
	for _, m := range p.msgs {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}

// lockRecorder captures hardware lock commands.
type lockRecorder struct {
	mu   sync.Mutex
	last map[int64]bool
}

func (l *lockRecorder) SetLockState(_ context.Context, equipmentID int64, locked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		l.last = make(map[int64]bool)
	}
	l.last[equipmentID] = locked
}

func (l *lockRecorder) lastState(equipmentID int64) (bool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.last[equipmentID]
	return v, ok
}

type fixture struct {
	db     *gorm.DB
	store  *store.GormStore
	engine *engine.Engine
	bus    *notifier.Bus
	push   *pushRecorder
	locks  *lockRecorder
	cfg    config.SessionConfig
}

func setupTest(t *testing.T, name string) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	testDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := testDB.DB()
	require.NoError(t, err)
	// A single connection makes sqlite serialize transactions, so concurrency
	// tests are deterministic.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(testDB))

	cfg := config.SessionConfig{
		NotificationTimeoutMinutes: 0.25,
		HeartbeatTimeoutSeconds:    45,
		StartGraceSeconds:          10,
		ReaperIntervalSeconds:      30,
		ExpiryIntervalSeconds:      15,
		SweepBatchSize:             20,
		ExtendDefaultMinutes:       7,
	}

	s := store.NewGormStore(testDB)
	bus := notifier.NewBus(0)
	push := &pushRecorder{}
	locks := &lockRecorder{}
	eng := engine.NewEngine(s, cfg, bus, push, locks, estimator.Heuristic{})

	gym := model.Gym{ID: 1, Name: "Main Gym"}
	require.NoError(t, testDB.Create(&gym).Error)

	return &fixture{db: testDB, store: s, engine: eng, bus: bus, push: push, locks: locks, cfg: cfg}
}

func (f *fixture) addEquipment(t *testing.T, id int64, tag string, baseMinutes int) model.Equipment {
	t.Helper()
	eq := model.Equipment{
		ID:                     id,
		GymID:                  1,
		Name:                   fmt.Sprintf("Equipment %d", id),
		NFCTagID:               tag,
		BodyPart:               model.BodyPartUpper,
		Status:                 model.StatusAvailable,
		BaseSessionTimeMinutes: baseMinutes,
	}
	require.NoError(t, f.db.Create(&eq).Error)
	return eq
}

func (f *fixture) equipmentStatus(t *testing.T, id int64) string {
	t.Helper()
	var eq model.Equipment
	require.NoError(t, f.db.First(&eq, id).Error)
	return eq.Status
}

func (f *fixture) reservationStatus(t *testing.T, id int64) string {
	t.Helper()
	var r model.Reservation
	require.NoError(t, f.db.First(&r, id).Error)
	return r.Status
}

func (f *fixture) activeSessionCount(t *testing.T, userID int64) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&model.UsageSession{}).
		Where("user_id = ? AND end_time IS NULL", userID).Count(&n).Error)
	return n
}

func TestSessionLifecycle(t *testing.T) {
	f := setupTest(t, "lifecycle")
	f.addEquipment(t, 1, "EQ-0001", 15)
	ctx := context.Background()

	// Start by tapping the tag in a sloppy raw form.
	result, err := f.engine.StartSession(ctx, 10, engine.EquipmentRef{NFCTag: "eq 1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.EquipmentID)
	assert.Equal(t, model.StatusInUse, result.EquipmentStatus)
	assert.Equal(t, model.SessionTypeBase, result.Session.SessionType, "no profile means base time")
	assert.Equal(t, 15, result.Session.AllocatedDurationMinutes)
	assert.Equal(t, model.StatusInUse, f.equipmentStatus(t, 1))

	// The hardware bridge was told to unlock the unit.
	locked, ok := f.locks.lastState(1)
	assert.True(t, ok)
	assert.False(t, locked)

	// Heartbeat keeps the session alive.
	active, err := f.engine.Heartbeat(ctx, 10)
	require.NoError(t, err)
	assert.True(t, active)

	// End releases the equipment and locks the unit again.
	eq, err := f.engine.EndSession(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAvailable, eq.Status)
	assert.Equal(t, int64(0), f.activeSessionCount(t, 10))
	locked, _ = f.locks.lastState(1)
	assert.True(t, locked)

	// Finalizing the already-ended session is a no-op, not an error.
	releasedEq, err := f.engine.FinalizeSession(ctx, result.Session.ID, "manual")
	require.NoError(t, err)
	assert.Nil(t, releasedEq)

	// Ending again without a session is NotFound.
	_, err = f.engine.EndSession(ctx, 10)
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestConcurrentClaimExactlyOneWins(t *testing.T) {
	f := setupTest(t, "concurrent")
	f.addEquipment(t, 1, "EQ-0001", 15)
	ctx := context.Background()

	const claimants = 4
	errs := make([]error, claimants)
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.StartSession(ctx, int64(100+i), engine.EquipmentRef{ID: 1})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, engine.ErrConflict)
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent claim must succeed")
	assert.Equal(t, model.StatusInUse, f.equipmentStatus(t, 1))
}

func TestWaitlistFIFOPromotion(t *testing.T) {
	f := setupTest(t, "fifo")
	f.addEquipment(t, 1, "EQ-0001", 15)
	ctx := context.Background()

	_, err := f.engine.StartSession(ctx, 1, engine.EquipmentRef{ID: 1})
	require.NoError(t, err)

	joinB, err := f.engine.JoinQueue(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, joinB.Position)

	joinC, err := f.engine.JoinQueue(ctx, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, joinC.Position)

	// While others are queued, an outsider cannot grab the unit even if the
	// holder releases it first.
	_, err = f.engine.EndSession(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAvailable, f.equipmentStatus(t, 1))

	// The FIFO head was promoted and notified; the second stays waiting.
	assert.Equal(t, model.ReservationNotified, f.reservationStatus(t, joinB.ReservationID))
	assert.Equal(t, model.ReservationWaiting, f.reservationStatus(t, joinC.ReservationID))
	require.Len(t, f.push.forUser(2), 1)
	assert.Equal(t, "It's your turn", f.push.forUser(2)[0].Title)

	_, err = f.engine.StartSession(ctx, 9, engine.EquipmentRef{ID: 1})
	assert.ErrorIs(t, err, engine.ErrConflict, "outsider must not bypass the queue")

	// The notified member claims within the window: base time, ticket consumed.
	result, err := f.engine.StartSession(ctx, 2, engine.EquipmentRef{ID: 1})
	require.NoError(t, err)
	assert.Equal(t, model.SessionTypeBase, result.Session.SessionType)
	assert.Equal(t, model.ReservationCompleted, f.reservationStatus(t, joinB.ReservationID))

	// Releasing again promotes the next in line.
	_, err = f.engine.EndSession(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationNotified, f.reservationStatus(t, joinC.ReservationID))
	require.Len(t, f.push.forUser(3), 1)
}

func TestClaimWindowExpiry(t *testing.T) {
	f := setupTest(t, "expiry")
	f.addEquipment(t, 1, "EQ-0001", 15)
	ctx := context.Background()

	_, err := f.engine.StartSession(ctx, 1, engine.EquipmentRef{ID: 1})
	require.NoError(t, err)
	joinB, err := f.engine.JoinQueue(ctx, 2, 1)
	require.NoError(t, err)
	joinC, err := f.engine.JoinQueue(ctx, 3, 1)
	require.NoError(t, err)

	_, err = f.engine.EndSession(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationNotified, f.reservationStatus(t, joinB.ReservationID))

	// Age the claim window past the timeout.
	stale := time.Now().UTC().Add(-f.cfg.NotificationTimeout() - time.Second)
	require.NoError(t, f.db.Model(&model.Reservation{}).
		Where("id = ?", joinB.ReservationID).Update("notified_at", stale).Error)

	expired, err := f.engine.ExpireNotified(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	// The lapsed ticket is forfeited and the next member is promoted.
	assert.Equal(t, model.ReservationExpired, f.reservationStatus(t, joinB.ReservationID))
	assert.Equal(t, model.ReservationNotified, f.reservationStatus(t, joinC.ReservationID))
	require.Len(t, f.push.forUser(3), 1)

	// The expired member can no longer claim ahead of the new ticket holder.
	_, err = f.engine.StartSession(ctx, 2, engine.EquipmentRef{ID: 1})
	assert.ErrorIs(t, err, engine.ErrConflict)
}

func TestQueueCapAndIdempotentJoin(t *testing.T) {
	f := setupTest(t, "queuecap")
	for i := int64(1); i <= 4; i++ {
		f.addEquipment(t, i, fmt.Sprintf("EQ-%04d", i), 15)
		// Occupy each unit so joining its queue is meaningful.
		_, err := f.engine.StartSession(context.Background(), 100+i, engine.EquipmentRef{ID: i})
		require.NoError(t, err)
	}
	ctx := context.Background()

	first, err := f.engine.JoinQueue(ctx, 7, 1)
	require.NoError(t, err)
	assert.False(t, first.AlreadyQueued)

	// Joining the same queue again returns the existing entry.
	again, err := f.engine.JoinQueue(ctx, 7, 1)
	require.NoError(t, err)
	assert.True(t, again.AlreadyQueued)
	assert.Equal(t, first.ReservationID, again.ReservationID)

	var total int64
	require.NoError(t, f.db.Model(&model.Reservation{}).
		Where("user_id = ?", 7).Count(&total).Error)
	assert.Equal(t, int64(1), total, "idempotent join must not duplicate the entry")

	_, err = f.engine.JoinQueue(ctx, 7, 2)
	require.NoError(t, err)
	_, err = f.engine.JoinQueue(ctx, 7, 3)
	require.NoError(t, err)

	// The fourth distinct queue exceeds the cap.
	_, err = f.engine.JoinQueue(ctx, 7, 4)
	assert.ErrorIs(t, err, engine.ErrLimitExceeded)
}

func TestLeaveQueuePromotesNext(t *testing.T) {
	f := setupTest(t, "leave")
	f.addEquipment(t, 1, "EQ-0001", 15)
	ctx := context.Background()

	_, err := f.engine.StartSession(ctx, 1, engine.EquipmentRef{ID: 1})
	require.NoError(t, err)
	joinB, err := f.engine.JoinQueue(ctx, 2, 1)
	require.NoError(t, err)
	joinC, err := f.engine.JoinQueue(ctx, 3, 1)
	require.NoError(t, err)

	_, err = f.engine.EndSession(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationNotified, f.reservationStatus(t, joinB.ReservationID))

	// The notified member declines their turn; the next is promoted.
	left, err := f.engine.LeaveQueue(ctx, 2, engine.ReservationRef{ReservationID: joinB.ReservationID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), left.EquipmentID)
	assert.Equal(t, model.ReservationExpired, f.reservationStatus(t, joinB.ReservationID))
	assert.Equal(t, model.ReservationNotified, f.reservationStatus(t, joinC.ReservationID))

	// Leaving by equipment id works too.
	_, err = f.engine.LeaveQueue(ctx, 3, engine.ReservationRef{EquipmentID: 1})
	require.NoError(t, err)
	assert.Equal(t, model.ReservationExpired, f.reservationStatus(t, joinC.ReservationID))

	// A member cannot withdraw someone else's entry.
	_, err = f.engine.LeaveQueue(ctx, 99, engine.ReservationRef{ReservationID: joinB.ReservationID})
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestSwitchEquipmentFinalizesPrevious(t *testing.T) {
	f := setupTest(t, "switch")
	f.addEquipment(t, 1, "EQ-0001", 15)
	f.addEquipment(t, 2, "EQ-0002", 20)
	ctx := context.Background()

	_, err := f.engine.StartSession(ctx, 5, engine.EquipmentRef{ID: 1})
	require.NoError(t, err)

	// Tapping a second unit implicitly ends the first session.
	result, err := f.engine.StartSession(ctx, 5, engine.EquipmentRef{ID: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.EquipmentID)
	assert.Equal(t, int64(1), f.activeSessionCount(t, 5))
	assert.Equal(t, model.StatusAvailable, f.equipmentStatus(t, 1))
	assert.Equal(t, model.StatusInUse, f.equipmentStatus(t, 2))

	// Re-tapping the same unit restarts the session rather than failing.
	result2, err := f.engine.StartSession(ctx, 5, engine.EquipmentRef{ID: 2})
	require.NoError(t, err)
	assert.NotEqual(t, result.Session.ID, result2.Session.ID)
	assert.Equal(t, int64(1), f.activeSessionCount(t, 5))
}

func TestEstimatorDrivenAllocation(t *testing.T) {
	f := setupTest(t, "estimator")
	f.addEquipment(t, 1, "EQ-0001", 20)
	ctx := context.Background()

	profile := model.UserProfile{UserID: 8, Gender: "F", Goal: "MUSCLE_GAIN", Career: model.CareerAdvanced}
	require.NoError(t, f.db.Create(&profile).Error)

	result, err := f.engine.StartSession(ctx, 8, engine.EquipmentRef{ID: 1})
	require.NoError(t, err)
	assert.Equal(t, model.SessionTypeAIRecommended, result.Session.SessionType)
	assert.Equal(t, 25, result.Session.AllocatedDurationMinutes, "advanced career scales 20 base minutes")
}

func TestStaleSessionSweep(t *testing.T) {
	f := setupTest(t, "stalesweep")
	f.addEquipment(t, 1, "EQ-0001", 15)
	ctx := context.Background()

	result, err := f.engine.StartSession(ctx, 4, engine.EquipmentRef{ID: 1})
	require.NoError(t, err)

	// A fresh session is untouched by the sweep.
	reaped, err := f.engine.SweepStaleOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reaped)
	assert.Equal(t, model.StatusInUse, f.equipmentStatus(t, 1))

	// Age the heartbeat past the timeout.
	stale := time.Now().UTC().Add(-f.cfg.HeartbeatTimeout() - time.Minute)
	require.NoError(t, f.db.Model(&model.UsageSession{}).
		Where("id = ?", result.Session.ID).Update("last_heartbeat", stale).Error)

	reaped, err = f.engine.SweepStaleOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)
	assert.Equal(t, model.StatusAvailable, f.equipmentStatus(t, 1))
	assert.Equal(t, int64(0), f.activeSessionCount(t, 4))
}

func TestStartGraceForMissingHeartbeat(t *testing.T) {
	f := setupTest(t, "grace")
	f.addEquipment(t, 1, "EQ-0001", 15)
	ctx := context.Background()

	result, err := f.engine.StartSession(ctx, 4, engine.EquipmentRef{ID: 1})
	require.NoError(t, err)

	// A session that never heartbeated is judged by start time plus grace.
	require.NoError(t, f.db.Model(&model.UsageSession{}).
		Where("id = ?", result.Session.ID).Update("last_heartbeat", nil).Error)

	reaped, err := f.engine.SweepStaleOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reaped, "still inside the start grace window")

	old := time.Now().UTC().Add(-f.cfg.HeartbeatTimeout() - f.cfg.StartGrace() - time.Minute)
	require.NoError(t, f.db.Model(&model.UsageSession{}).
		Where("id = ?", result.Session.ID).Update("start_time", old).Error)

	reaped, err = f.engine.SweepStaleOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)
}

func TestOrphanedEquipmentIsReleased(t *testing.T) {
	f := setupTest(t, "orphan")
	f.addEquipment(t, 1, "EQ-0001", 15)
	ctx := context.Background()

	// Simulate drift: the unit is marked IN_USE but no session exists.
	require.NoError(t, f.db.Model(&model.Equipment{}).
		Where("id = ?", 1).Update("status", model.StatusInUse).Error)

	released, err := f.engine.ReleaseOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Equal(t, model.StatusAvailable, f.equipmentStatus(t, 1))
}

func TestOverrunFinalizesWhenOthersWait(t *testing.T) {
	f := setupTest(t, "overrun")
	f.addEquipment(t, 1, "EQ-0001", 15)
	ctx := context.Background()

	result, err := f.engine.StartSession(ctx, 1, engine.EquipmentRef{ID: 1})
	require.NoError(t, err)
	joinB, err := f.engine.JoinQueue(ctx, 2, 1)
	require.NoError(t, err)

	// Push the session past its allotted time; keep the heartbeat fresh so
	// only the overrun rule applies.
	overdue := time.Now().UTC().Add(-time.Duration(result.Session.AllocatedDurationMinutes+1) * time.Minute)
	require.NoError(t, f.db.Model(&model.UsageSession{}).
		Where("id = ?", result.Session.ID).Update("start_time", overdue).Error)

	finalized, err := f.engine.SweepOverruns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, finalized)
	assert.Equal(t, int64(0), f.activeSessionCount(t, 1))
	assert.Equal(t, model.ReservationNotified, f.reservationStatus(t, joinB.ReservationID))
}

func TestOverrunPromptsWhenQueueEmpty(t *testing.T) {
	f := setupTest(t, "overrunprompt")
	f.addEquipment(t, 1, "EQ-0001", 15)
	ctx := context.Background()

	result, err := f.engine.StartSession(ctx, 1, engine.EquipmentRef{ID: 1})
	require.NoError(t, err)

	overdue := time.Now().UTC().Add(-time.Duration(result.Session.AllocatedDurationMinutes+1) * time.Minute)
	require.NoError(t, f.db.Model(&model.UsageSession{}).
		Where("id = ?", result.Session.ID).Update("start_time", overdue).Error)

	// Nobody waits, so the session survives and the member gets one prompt.
	finalized, err := f.engine.SweepOverruns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, finalized)
	assert.Equal(t, int64(1), f.activeSessionCount(t, 1))
	require.Len(t, f.push.forUser(1), 1)
	assert.Equal(t, "Time's up", f.push.forUser(1)[0].Title)

	// A second sweep does not prompt again.
	_, err = f.engine.SweepOverruns(ctx)
	require.NoError(t, err)
	assert.Len(t, f.push.forUser(1), 1)

	// Extending grants more time and re-arms the prompt.
	sess, err := f.engine.ExtendSession(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, result.Session.AllocatedDurationMinutes+f.cfg.ExtendDefaultMinutes, sess.AllocatedDurationMinutes)
	assert.Nil(t, sess.ExtendPromptAt)
}

func TestHeartbeatWithoutSessionIsNoOp(t *testing.T) {
	f := setupTest(t, "heartbeat")
	ctx := context.Background()

	active, err := f.engine.Heartbeat(ctx, 42)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestOperatorStatusOverride(t *testing.T) {
	f := setupTest(t, "override")
	f.addEquipment(t, 1, "EQ-0001", 15)
	ctx := context.Background()

	// IN_USE can only come from a claim.
	_, err := f.engine.SetEquipmentStatus(ctx, 1, model.StatusInUse)
	assert.ErrorIs(t, err, engine.ErrConflict)

	_, err = f.engine.SetEquipmentStatus(ctx, 1, "BROKEN")
	assert.ErrorIs(t, err, engine.ErrConflict)

	eq, err := f.engine.SetEquipmentStatus(ctx, 1, model.StatusLocked)
	require.NoError(t, err)
	assert.Equal(t, model.StatusLocked, eq.Status)

	// A locked unit cannot be claimed.
	_, err = f.engine.StartSession(ctx, 1, engine.EquipmentRef{ID: 1})
	assert.ErrorIs(t, err, engine.ErrConflict)

	_, err = f.engine.SetEquipmentStatus(ctx, 1, model.StatusAvailable)
	require.NoError(t, err)

	// Every operator-set state keeps the unit physically locked; only a
	// claim unlocks it.
	locked, ok := f.locks.lastState(1)
	assert.True(t, ok)
	assert.True(t, locked)

	// Maintenance may be applied over an active session, and it is sticky:
	// finalizing the session must not return the unit to service.
	_, err = f.engine.StartSession(ctx, 1, engine.EquipmentRef{ID: 1})
	require.NoError(t, err)
	_, err = f.engine.SetEquipmentStatus(ctx, 1, model.StatusLocked)
	assert.ErrorIs(t, err, engine.ErrConflict, "locking out an active session is refused")
	_, err = f.engine.SetEquipmentStatus(ctx, 1, model.StatusMaintenance)
	require.NoError(t, err)

	releasedEq, err := f.engine.EndSession(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMaintenance, releasedEq.Status)
	assert.Equal(t, model.StatusMaintenance, f.equipmentStatus(t, 1))
}

func TestMaintenanceFreezesQueue(t *testing.T) {
	f := setupTest(t, "maintqueue")
	f.addEquipment(t, 1, "EQ-0001", 15)
	ctx := context.Background()

	_, err := f.engine.StartSession(ctx, 1, engine.EquipmentRef{ID: 1})
	require.NoError(t, err)
	join, err := f.engine.JoinQueue(ctx, 2, 1)
	require.NoError(t, err)

	// The operator pulls the unit while it is occupied.
	_, err = f.engine.SetEquipmentStatus(ctx, 1, model.StatusMaintenance)
	require.NoError(t, err)

	// Finalizing keeps maintenance and promotes nobody onto the dead unit.
	_, err = f.engine.EndSession(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMaintenance, f.equipmentStatus(t, 1))
	assert.Equal(t, model.ReservationWaiting, f.reservationStatus(t, join.ReservationID))
	assert.Empty(t, f.push.forUser(2))

	// The waiting member cannot claim it either.
	_, err = f.engine.StartSession(ctx, 2, engine.EquipmentRef{ID: 1})
	assert.ErrorIs(t, err, engine.ErrConflict)

	// Returning the unit to service wakes the queue.
	_, err = f.engine.SetEquipmentStatus(ctx, 1, model.StatusAvailable)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationNotified, f.reservationStatus(t, join.ReservationID))
	require.Len(t, f.push.forUser(2), 1)

	result, err := f.engine.StartSession(ctx, 2, engine.EquipmentRef{ID: 1})
	require.NoError(t, err)
	assert.Equal(t, model.StatusInUse, result.EquipmentStatus)
	assert.Equal(t, model.ReservationCompleted, f.reservationStatus(t, join.ReservationID))
}

func TestTicketCannotClaimOutOfServiceUnit(t *testing.T) {
	f := setupTest(t, "ticketlocked")
	f.addEquipment(t, 1, "EQ-0001", 15)
	ctx := context.Background()

	_, err := f.engine.StartSession(ctx, 1, engine.EquipmentRef{ID: 1})
	require.NoError(t, err)
	join, err := f.engine.JoinQueue(ctx, 2, 1)
	require.NoError(t, err)
	_, err = f.engine.EndSession(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, model.ReservationNotified, f.reservationStatus(t, join.ReservationID))

	// The operator locks the unit before the notified member taps. Their
	// ticket does not open an out-of-service unit.
	_, err = f.engine.SetEquipmentStatus(ctx, 1, model.StatusLocked)
	require.NoError(t, err)
	_, err = f.engine.StartSession(ctx, 2, engine.EquipmentRef{ID: 1})
	assert.ErrorIs(t, err, engine.ErrConflict)
	assert.Equal(t, model.StatusLocked, f.equipmentStatus(t, 1))
	assert.Equal(t, model.ReservationNotified, f.reservationStatus(t, join.ReservationID))

	// Once back in service the still-valid ticket claims as usual.
	_, err = f.engine.SetEquipmentStatus(ctx, 1, model.StatusAvailable)
	require.NoError(t, err)
	result, err := f.engine.StartSession(ctx, 2, engine.EquipmentRef{ID: 1})
	require.NoError(t, err)
	assert.Equal(t, model.StatusInUse, result.EquipmentStatus)
}

func TestChangeEventsFlowAfterCommit(t *testing.T) {
	f := setupTest(t, "events")
	f.addEquipment(t, 1, "EQ-0001", 15)
	ctx := context.Background()

	backlog, events, cancel := f.bus.Subscribe(0)
	defer cancel()
	require.Empty(t, backlog)

	_, err := f.engine.StartSession(ctx, 1, engine.EquipmentRef{ID: 1})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, int64(1), ev.Payload.ID)
		assert.Equal(t, model.StatusInUse, ev.Payload.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the change event")
	}

	// A failed claim publishes nothing.
	_, err = f.engine.StartSession(ctx, 2, engine.EquipmentRef{ID: 1})
	require.Error(t, err)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after failed claim: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartSessionUnknownEquipment(t *testing.T) {
	f := setupTest(t, "unknown")
	ctx := context.Background()

	_, err := f.engine.StartSession(ctx, 1, engine.EquipmentRef{ID: 999})
	assert.ErrorIs(t, err, engine.ErrNotFound)

	_, err = f.engine.StartSession(ctx, 1, engine.EquipmentRef{NFCTag: "garbage tag !!"})
	assert.ErrorIs(t, err, engine.ErrNotFound)

	_, err = f.engine.JoinQueue(ctx, 1, 999)
	assert.ErrorIs(t, err, engine.ErrNotFound)
}
