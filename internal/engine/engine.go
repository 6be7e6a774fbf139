package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"gym-reserve-backend/config"
	"gym-reserve-backend/internal/estimator"
	"gym-reserve-backend/internal/hardware"
	"gym-reserve-backend/internal/model"
	"gym-reserve-backend/internal/notifier"
	"gym-reserve-backend/internal/parse"
	"gym-reserve-backend/internal/store"
)

// Pusher delivers a push notification to a member. Delivery is
// fire-and-forget; implementations must never block.
type Pusher interface {
	Notify(userID int64, title, body string)
}

// Engine orchestrates the session lifecycle and waitlist promotion. It is
// the only writer of UsageSession.end_time and Equipment.status.
type Engine struct {
	store *store.GormStore
	cfg   config.SessionConfig
	bus   *notifier.Bus
	push  Pusher
	hw    hardware.Controller
	rec   estimator.Recommender
}

// NewEngine wires the engine with its collaborators. All dependencies are
// constructed at the composition root and injected here.
func NewEngine(s *store.GormStore, cfg config.SessionConfig, bus *notifier.Bus, push Pusher, hw hardware.Controller, rec estimator.Recommender) *Engine {
	return &Engine{store: s, cfg: cfg, bus: bus, push: push, hw: hw, rec: rec}
}

// EquipmentRef identifies an equipment unit by database id or by the
// physical tag mounted on it.
type EquipmentRef struct {
	ID     int64
	NFCTag string
}

// StartResult is returned by StartSession.
type StartResult struct {
	Session         model.UsageSession `json:"session"`
	EquipmentID     int64              `json:"equipment_id"`
	EquipmentName   string             `json:"equipment_name"`
	EquipmentStatus string             `json:"equipment_status"`
}

// JoinResult is returned by JoinQueue.
type JoinResult struct {
	ReservationID int64 `json:"reservation_id"`
	EquipmentID   int64 `json:"equipment_id"`
	Position      int   `json:"position"`
	WaitingCount  int64 `json:"waiting_count"`
	AlreadyQueued bool  `json:"already_queued"`
}

// ReservationRef identifies a waitlist entry by its id or by the equipment
// it belongs to.
type ReservationRef struct {
	ReservationID int64
	EquipmentID   int64
}

// LeaveResult is returned by LeaveQueue.
type LeaveResult struct {
	EquipmentID  int64 `json:"equipment_id"`
	WaitingCount int64 `json:"waiting_count"`
}

func (e *Engine) resolveEquipment(ctx context.Context, ref EquipmentRef) (*model.Equipment, error) {
	if ref.ID != 0 {
		eq, err := e.store.EquipmentByID(ctx, ref.ID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: equipment %d", ErrNotFound, ref.ID)
		}
		return eq, err
	}

	tag, err := parse.ParseTag(ref.NFCTag)
	if err != nil {
		return nil, fmt.Errorf("%w: unrecognized tag %q", ErrNotFound, ref.NFCTag)
	}
	eq, err := e.store.EquipmentByTag(ctx, tag.Canonical())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no equipment for tag %s", ErrNotFound, tag.Canonical())
	}
	return eq, err
}

// StartSession claims an equipment unit for a member. Concurrent claims on
// the same unit are serialized on its row lock; the loser surfaces
// ErrConflict. If the member already has an active session elsewhere it is
// finalized first (switching equipment is never a hard error).
func (e *Engine) StartSession(ctx context.Context, userID int64, ref EquipmentRef) (*StartResult, error) {
	eq, err := e.resolveEquipment(ctx, ref)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cutoff := now.Add(-e.cfg.NotificationTimeout())

	// Phase one: under the equipment lock, end any session the member still
	// has running, expire lapsed claim tickets, and verify the member may
	// claim this unit at all.
	var ticketID int64
	ev := &pendingEvents{}
	err = e.store.Transaction(ctx, func(tx *gorm.DB) error {
		locked, err := e.store.LockEquipment(tx, eq.ID)
		if err != nil {
			return err
		}
		eq = locked

		existing, err := e.store.ActiveSessionForUser(tx, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			released, err := e.lockAndFinalize(tx, existing.ID, existing.EquipmentID, now, "user_start_new_session", ev)
			if err != nil {
				return err
			}
			log.Printf("Ended session %d for user %d before starting a new one", existing.ID, userID)
			// The member's old equipment may have been this very unit; use
			// the re-read row so the availability check sees the release.
			if released != nil && released.ID == eq.ID {
				eq = released
			}
		}

		if _, err := e.store.ExpireStaleNotified(tx, eq.ID, cutoff); err != nil {
			return err
		}

		ticket, err := e.store.ValidNotified(tx, eq.ID, userID, cutoff)
		if err != nil {
			return err
		}

		if eq.Status != model.StatusAvailable {
			// A valid ticket only bridges the IN_USE window around a release
			// racing the member's tap; out-of-service units stay closed.
			if ticket == nil || eq.Status != model.StatusInUse {
				return fmt.Errorf("%w: equipment %d is %s", ErrConflict, eq.ID, eq.Status)
			}
		}

		othersQueued, err := e.store.OthersQueued(tx, eq.ID, userID, cutoff)
		if err != nil {
			return err
		}
		if othersQueued && ticket == nil {
			return fmt.Errorf("%w: others are queued; only the notified member may start", ErrConflict)
		}

		if ticket != nil {
			ticketID = ticket.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, ev)

	// Estimation runs outside any lock: it may be slow and must never extend
	// the equipment row's lock hold time.
	allocated := eq.BaseSessionTimeMinutes
	sessionType := model.SessionTypeBase
	if ticketID == 0 {
		if minutes, ok := e.recommend(ctx, userID, eq); ok {
			allocated = minutes
			sessionType = model.SessionTypeAIRecommended
		}
	}
	if allocated < 1 {
		allocated = 1
	}

	// Phase two: re-lock, re-verify, commit the claim.
	var result *StartResult
	ev = &pendingEvents{}
	err = e.store.Transaction(ctx, func(tx *gorm.DB) error {
		locked, err := e.store.LockEquipment(tx, eq.ID)
		if err != nil {
			return err
		}

		ticketHeld := false
		if ticketID != 0 {
			ticket, err := e.store.ReservationByID(tx, ticketID)
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if ticket != nil && ticket.Status == model.ReservationNotified {
				ticket.Status = model.ReservationCompleted
				if err := e.store.SaveReservation(tx, ticket); err != nil {
					return err
				}
				ticketHeld = true
			}
		} else {
			// The claimant may still hold a WAITING entry on this very unit
			// (claimed while the queue was otherwise empty); retire it so it
			// stops counting against their entry cap.
			entry, err := e.store.LiveEntry(tx, userID, eq.ID)
			if err != nil {
				return err
			}
			if entry != nil {
				entry.Status = model.ReservationCompleted
				if err := e.store.SaveReservation(tx, entry); err != nil {
					return err
				}
			}
		}

		if ticketHeld {
			if locked.Status == model.StatusLocked || locked.Status == model.StatusMaintenance {
				return fmt.Errorf("%w: equipment %d is %s", ErrConflict, locked.ID, locked.Status)
			}
		} else {
			if locked.Status != model.StatusAvailable {
				log.Printf("Equipment %d not available at commit time: %s", locked.ID, locked.Status)
				return fmt.Errorf("%w: equipment %d was claimed concurrently", ErrConflict, locked.ID)
			}
			// Re-verify the queue: the claimant's ticket may have lapsed and
			// someone else been promoted between the two phases.
			othersQueued, err := e.store.OthersQueued(tx, locked.ID, userID, time.Now().UTC().Add(-e.cfg.NotificationTimeout()))
			if err != nil {
				return err
			}
			if othersQueued {
				return fmt.Errorf("%w: others are queued; only the notified member may start", ErrConflict)
			}
		}

		locked.Status = model.StatusInUse
		if err := e.store.SaveEquipment(tx, locked); err != nil {
			return err
		}

		startedAt := time.Now().UTC()
		hb := startedAt
		sess := model.UsageSession{
			UserID:                   userID,
			EquipmentID:              locked.ID,
			StartTime:                startedAt,
			AllocatedDurationMinutes: allocated,
			SessionType:              sessionType,
			LastHeartbeat:            &hb,
		}
		if err := e.store.CreateSession(tx, &sess); err != nil {
			return err
		}

		ev.change(locked.ID)
		ev.lock(locked.ID, false)
		result = &StartResult{
			Session:         sess,
			EquipmentID:     locked.ID,
			EquipmentName:   locked.Name,
			EquipmentStatus: locked.Status,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, ev)
	return result, nil
}

// EndSession finalizes the member's active session at their request.
func (e *Engine) EndSession(ctx context.Context, userID int64) (*model.Equipment, error) {
	now := time.Now().UTC()
	var eq *model.Equipment
	ev := &pendingEvents{}
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		sess, err := e.store.ActiveSessionForUser(tx, userID)
		if err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("%w: no active session for user %d", ErrNotFound, userID)
		}
		eq, err = e.lockAndFinalize(tx, sess.ID, sess.EquipmentID, now, "user_end_session", ev)
		if err != nil {
			return err
		}
		if eq == nil {
			// Finalized elsewhere between the lookup and the lock.
			return fmt.Errorf("%w: no active session for user %d", ErrNotFound, userID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, ev)
	return eq, nil
}

// Heartbeat renews the member's session liveness. A heartbeat without an
// active session succeeds as a no-op: clients keep pinging briefly after a
// session ends. Each heartbeat also piggybacks one bounded stale sweep, so
// recovery keeps running even without the periodic reaper.
func (e *Engine) Heartbeat(ctx context.Context, userID int64) (bool, error) {
	now := time.Now().UTC()
	active := false
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		sess, err := e.store.ActiveSessionForUser(tx, userID)
		if err != nil {
			return err
		}
		if sess == nil {
			log.Printf("Heartbeat skipped: no active session for user %d", userID)
			return nil
		}
		active, err = e.store.TouchHeartbeat(tx, sess.ID, now)
		return err
	})
	if err != nil {
		return false, err
	}

	if _, err := e.SweepStaleOnce(ctx); err != nil {
		log.Printf("Heartbeat-triggered stale sweep failed: %v", err)
	}
	return active, nil
}

// ExtendSession adds minutes to the member's active session. Timeouts are
// pure time-window comparisons, so extension is just a field rewrite.
func (e *Engine) ExtendSession(ctx context.Context, userID int64) (*model.UsageSession, error) {
	var out *model.UsageSession
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		sess, err := e.store.ActiveSessionForUser(tx, userID)
		if err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("%w: no active session for user %d", ErrNotFound, userID)
		}
		ok, err := e.store.ExtendAllocation(tx, sess.ID, e.cfg.ExtendDefaultMinutes)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: no active session for user %d", ErrNotFound, userID)
		}
		out, err = e.store.SessionByID(tx, sess.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Printf("User %d extended session %d by %d minutes", userID, out.ID, e.cfg.ExtendDefaultMinutes)
	return out, nil
}

// FinalizeSession finalizes one session by id. It is idempotent: a second
// call is a no-op returning nil equipment.
func (e *Engine) FinalizeSession(ctx context.Context, sessionID int64, reason string) (*model.Equipment, error) {
	now := time.Now().UTC()
	var eq *model.Equipment
	ev := &pendingEvents{}
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		sess, err := e.store.SessionByID(tx, sessionID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: session %d", ErrNotFound, sessionID)
		}
		if err != nil {
			return err
		}
		if sess.EndTime != nil {
			return nil
		}
		eq, err = e.lockAndFinalize(tx, sess.ID, sess.EquipmentID, now, reason, ev)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, ev)
	return eq, nil
}

// lockAndFinalize takes the equipment row lock, re-reads the session under it
// and finalizes. Equipment-first is the universal lock order; the re-read
// turns a finalize that raced ahead of the lock into a no-op. Returns nil
// equipment when there was nothing left to finalize.
func (e *Engine) lockAndFinalize(tx *gorm.DB, sessionID, equipmentID int64, now time.Time, reason string, ev *pendingEvents) (*model.Equipment, error) {
	eq, err := e.store.LockEquipment(tx, equipmentID)
	if err != nil {
		return nil, err
	}
	sess, err := e.store.SessionByID(tx, sessionID)
	if err != nil {
		return nil, err
	}
	return e.finalizeLocked(tx, sess, eq, now, reason, ev)
}

// finalizeLocked finalizes a session inside the caller's transaction. The
// caller must hold eq's row lock and have read sess under it. No-op when
// end_time is already set. Releases the equipment and promotes the queue
// head.
func (e *Engine) finalizeLocked(tx *gorm.DB, sess *model.UsageSession, eq *model.Equipment, now time.Time, reason string, ev *pendingEvents) (*model.Equipment, error) {
	if sess.EndTime != nil {
		return nil, nil
	}

	end := now
	sess.EndTime = &end
	if err := e.store.SaveSession(tx, sess); err != nil {
		return nil, err
	}

	// Maintenance is sticky: finalizing a session must not silently return a
	// unit an operator has pulled from service.
	if eq.Status != model.StatusMaintenance {
		eq.Status = model.StatusAvailable
		if err := e.store.SaveEquipment(tx, eq); err != nil {
			return nil, err
		}
		ev.lock(eq.ID, true)
	}
	ev.change(eq.ID)

	cutoff := now.Add(-e.cfg.NotificationTimeout())
	if _, err := e.store.ExpireStaleNotified(tx, eq.ID, cutoff); err != nil {
		return nil, err
	}
	if err := e.promoteNext(tx, eq, now, ev); err != nil {
		return nil, err
	}

	log.Printf("Finalized session %d on equipment %d (%s)", sess.ID, eq.ID, reason)
	return eq, nil
}

// promoteNext moves the FIFO head of an equipment's waitlist from WAITING to
// NOTIFIED. NOTIFIED is a singleton ticket: nothing is promoted while
// another NOTIFIED entry exists. Units that cannot currently be claimed
// promote nobody; the next release or return to service will.
func (e *Engine) promoteNext(tx *gorm.DB, eq *model.Equipment, now time.Time, ev *pendingEvents) error {
	if eq.Status != model.StatusAvailable {
		return nil
	}

	has, err := e.store.HasNotified(tx, eq.ID)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	next, err := e.store.OldestWaiting(tx, eq.ID)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	next.Status = model.ReservationNotified
	next.NotifiedAt = &now
	if err := e.store.SaveReservation(tx, next); err != nil {
		return err
	}

	ev.change(eq.ID)
	ev.push(next.UserID, "It's your turn", "The equipment you were waiting for is free. Claim it before your window closes.")
	return nil
}

// JoinQueue adds the member to an equipment unit's waitlist. Joining a queue
// the member is already in is not an error: the existing position is
// returned so retries stay idempotent.
func (e *Engine) JoinQueue(ctx context.Context, userID, equipmentID int64) (*JoinResult, error) {
	eq, err := e.resolveEquipment(ctx, EquipmentRef{ID: equipmentID})
	if err != nil {
		return nil, err
	}

	var result *JoinResult
	ev := &pendingEvents{}
	err = e.store.Transaction(ctx, func(tx *gorm.DB) error {
		if _, err := e.store.LockEquipment(tx, eq.ID); err != nil {
			return err
		}

		existing, err := e.store.LiveEntry(tx, userID, eq.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			position := 1
			if existing.Status == model.ReservationWaiting {
				if position, err = e.store.WaitingPosition(tx, existing); err != nil {
					return err
				}
			}
			waiting, err := e.store.WaitingCount(tx, eq.ID)
			if err != nil {
				return err
			}
			result = &JoinResult{
				ReservationID: existing.ID,
				EquipmentID:   eq.ID,
				Position:      position,
				WaitingCount:  waiting,
				AlreadyQueued: true,
			}
			return nil
		}

		live, err := e.store.LiveEntryCount(tx, userID)
		if err != nil {
			return err
		}
		if live >= maxQueuedPerUser {
			return fmt.Errorf("%w: at most %d concurrent waitlist entries", ErrLimitExceeded, maxQueuedPerUser)
		}

		entry := model.Reservation{
			UserID:      userID,
			EquipmentID: eq.ID,
			Status:      model.ReservationWaiting,
		}
		if err := e.store.CreateReservation(tx, &entry); err != nil {
			return err
		}

		waiting, err := e.store.WaitingCount(tx, eq.ID)
		if err != nil {
			return err
		}

		ev.change(eq.ID)
		result = &JoinResult{
			ReservationID: entry.ID,
			EquipmentID:   eq.ID,
			Position:      int(waiting),
			WaitingCount:  waiting,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, ev)
	return result, nil
}

// maxQueuedPerUser caps how many distinct equipment waitlists one member can
// sit in at once.
const maxQueuedPerUser = 3

// LeaveQueue withdraws the member's waitlist entry. A NOTIFIED member
// declining their turn forfeits it; the next WAITING member is promoted.
func (e *Engine) LeaveQueue(ctx context.Context, userID int64, ref ReservationRef) (*LeaveResult, error) {
	now := time.Now().UTC()
	var result *LeaveResult
	ev := &pendingEvents{}
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		var entry *model.Reservation
		var err error
		switch {
		case ref.ReservationID != 0:
			entry, err = e.store.ReservationForUser(tx, ref.ReservationID, userID)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: reservation %d", ErrNotFound, ref.ReservationID)
			}
			if err != nil {
				return err
			}
		case ref.EquipmentID != 0:
			entry, err = e.store.LiveEntry(tx, userID, ref.EquipmentID)
			if err != nil {
				return err
			}
			if entry == nil {
				return fmt.Errorf("%w: no waitlist entry for equipment %d", ErrNotFound, ref.EquipmentID)
			}
		default:
			return fmt.Errorf("%w: reservation reference required", ErrNotFound)
		}

		eq, err := e.store.LockEquipment(tx, entry.EquipmentID)
		if err != nil {
			return err
		}

		entry.Status = model.ReservationExpired
		if err := e.store.SaveReservation(tx, entry); err != nil {
			return err
		}

		if err := e.promoteNext(tx, eq, now, ev); err != nil {
			return err
		}

		waiting, err := e.store.WaitingCount(tx, entry.EquipmentID)
		if err != nil {
			return err
		}

		ev.change(entry.EquipmentID)
		result = &LeaveResult{EquipmentID: entry.EquipmentID, WaitingCount: waiting}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, ev)
	return result, nil
}

// SetEquipmentStatus is the administrative override for taking a unit out of
// (or back into) service. IN_USE cannot be assigned directly: only a session
// claim sets it.
func (e *Engine) SetEquipmentStatus(ctx context.Context, equipmentID int64, status string) (*model.Equipment, error) {
	if !model.ValidStatus(status) || status == model.StatusInUse {
		return nil, fmt.Errorf("%w: status %q cannot be assigned", ErrConflict, status)
	}

	now := time.Now().UTC()
	var eq *model.Equipment
	ev := &pendingEvents{}
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		eq, err = e.store.LockEquipment(tx, equipmentID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: equipment %d", ErrNotFound, equipmentID)
		}
		if err != nil {
			return err
		}

		active, err := e.store.ActiveSessionForEquipment(tx, eq.ID)
		if err != nil {
			return err
		}
		if active != nil && status != model.StatusMaintenance {
			return fmt.Errorf("%w: equipment %d has an active session", ErrConflict, eq.ID)
		}

		eq.Status = status
		if err := e.store.SaveEquipment(tx, eq); err != nil {
			return err
		}

		// Returning a unit to service wakes its queue: tickets that lapsed
		// while it was out of service are expired and the head is promoted.
		if status == model.StatusAvailable {
			cutoff := now.Add(-e.cfg.NotificationTimeout())
			if _, err := e.store.ExpireStaleNotified(tx, eq.ID, cutoff); err != nil {
				return err
			}
			if err := e.promoteNext(tx, eq, now, ev); err != nil {
				return err
			}
		}

		ev.change(eq.ID)
		// The unit stays physically locked in every operator-set state;
		// AVAILABLE units unlock only when claimed.
		ev.lock(eq.ID, true)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, ev)
	return eq, nil
}

// recommend asks the estimator for an allotted duration. Any failure falls
// back to the equipment's base time; estimation errors never surface to the
// caller.
func (e *Engine) recommend(ctx context.Context, userID int64, eq *model.Equipment) (int, bool) {
	profile, err := e.store.ProfileByUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("Estimator: loading profile for user %d: %v", userID, err)
		} else {
			log.Printf("Estimator: no profile for user %d, falling back to base time", userID)
		}
		return 0, false
	}

	upper, lower := e.recentBodyPartRatios(ctx, userID)
	minutes, err := e.rec.Recommend(ctx,
		estimator.Profile{
			Gender:   profile.Gender,
			Goal:     profile.Goal,
			Career:   profile.Career,
			HeightCM: profile.HeightCM,
			WeightKG: profile.WeightKG,
		},
		estimator.Input{
			BaseMinutes: eq.BaseSessionTimeMinutes,
			ModelID:     eq.AIModelID,
			BodyPart:    eq.BodyPart,
			UpperRatio:  upper,
			LowerRatio:  lower,
		})
	if err != nil {
		log.Printf("Estimator failed for user %d equipment %d: %v", userID, eq.ID, err)
		return 0, false
	}
	if minutes < 1 {
		minutes = 1
	}
	return minutes, true
}

// recentBodyPartRatios splits the member's last day of finished training
// time into upper- and lower-body fractions.
func (e *Engine) recentBodyPartRatios(ctx context.Context, userID int64) (upper, lower float64) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	sessions, err := e.store.FinishedSessionsSince(ctx, userID, since)
	if err != nil {
		log.Printf("Estimator: loading recent sessions for user %d: %v", userID, err)
		return 0, 0
	}

	var total, upperMin, lowerMin float64
	for _, s := range sessions {
		if s.EndTime == nil {
			continue
		}
		d := s.EndTime.Sub(s.StartTime).Minutes()
		total += d
		switch s.Equipment.BodyPart {
		case model.BodyPartUpper:
			upperMin += d
		case model.BodyPartLower:
			lowerMin += d
		}
	}
	if total <= 0 {
		return 0, 0
	}
	return upperMin / total, lowerMin / total
}
