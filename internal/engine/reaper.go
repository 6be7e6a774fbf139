package engine

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"gym-reserve-backend/internal/model"
)

// SweepStaleOnce runs one bounded batch of stale-session recovery and
// returns how many sessions it finalized. Two passes: sessions whose
// heartbeat lapsed, then equipment stuck IN_USE with no session at all.
// Each row is handled in its own short transaction; one bad row is logged
// and skipped, never aborting the batch.
func (e *Engine) SweepStaleOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-e.cfg.HeartbeatTimeout())
	graceCutoff := now.Add(-(e.cfg.HeartbeatTimeout() + e.cfg.StartGrace()))

	var stale []model.UsageSession
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		stale, err = e.store.StaleSessions(tx, cutoff, graceCutoff, e.cfg.SweepBatchSize)
		return err
	})
	if err != nil {
		return 0, err
	}

	reaped := 0
	for i := range stale {
		id := stale[i].ID
		ev := &pendingEvents{}
		err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
			// Equipment row first: the universal lock order.
			eq, err := e.store.LockEquipment(tx, stale[i].EquipmentID)
			if err != nil {
				return err
			}
			sess, err := e.store.SessionByID(tx, id)
			if err != nil {
				return err
			}
			// Re-check under the lock: a heartbeat or finalize may have landed
			// since the batch select.
			if sess.EndTime != nil || !e.isStale(sess, cutoff, graceCutoff) {
				return nil
			}
			if _, err := e.finalizeLocked(tx, sess, eq, now, "heartbeat_timeout", ev); err != nil {
				return err
			}
			reaped++
			return nil
		})
		if err != nil {
			log.Printf("Stale sweep: finalizing session %d: %v", id, err)
			continue
		}
		e.emit(ctx, ev)
	}

	released, err := e.ReleaseOrphans(ctx)
	if err != nil {
		return reaped, err
	}
	return reaped + released, nil
}

// isStale reports whether an active session's heartbeat has lapsed. Sessions
// that never heartbeated get the extra start grace on top of the timeout.
func (e *Engine) isStale(sess *model.UsageSession, cutoff, graceCutoff time.Time) bool {
	if sess.LastHeartbeat != nil {
		return sess.LastHeartbeat.Before(cutoff)
	}
	return sess.StartTime.Before(graceCutoff)
}

// ReleaseOrphans repairs equipment rows stuck IN_USE without any active
// session. This state cannot arise through the engine's own operations, but
// manual database edits and partial migrations have produced it before; the
// sweep makes the system self-healing either way.
func (e *Engine) ReleaseOrphans(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	var orphans []model.Equipment
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		orphans, err = e.store.OrphanedInUse(tx, e.cfg.SweepBatchSize)
		return err
	})
	if err != nil {
		return 0, err
	}

	released := 0
	for i := range orphans {
		id := orphans[i].ID
		ev := &pendingEvents{}
		err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
			eq, err := e.store.LockEquipment(tx, id)
			if err != nil {
				return err
			}
			// Re-check under the lock: a claim may have landed between the
			// batch select and now.
			if eq.Status != model.StatusInUse {
				return nil
			}
			active, err := e.store.ActiveSessionForEquipment(tx, eq.ID)
			if err != nil {
				return err
			}
			if active != nil {
				return nil
			}
			eq.Status = model.StatusAvailable
			if err := e.store.SaveEquipment(tx, eq); err != nil {
				return err
			}
			ev.change(eq.ID)
			ev.lock(eq.ID, true)
			if err := e.promoteNext(tx, eq, now, ev); err != nil {
				return err
			}
			released++
			log.Printf("Released orphaned equipment %d (IN_USE with no active session)", eq.ID)
			return nil
		})
		if err != nil {
			log.Printf("Orphan sweep: releasing equipment %d: %v", id, err)
			continue
		}
		e.emit(ctx, ev)
	}
	return released, nil
}

// SweepOverruns walks active sessions whose allotted time has run out. A
// session with members waiting is finalized so the queue moves; a session
// with an empty queue gets a one-shot "extend?" prompt instead and is left
// to the heartbeat rule.
func (e *Engine) SweepOverruns(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	finalized := 0
	offset := 0
	for {
		var batch []model.UsageSession
		err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
			var err error
			batch, err = e.store.ActiveSessionsBatch(tx, offset, e.cfg.SweepBatchSize)
			return err
		})
		if err != nil {
			return finalized, err
		}

		for i := range batch {
			if now.Before(batch[i].ExpectedEnd()) {
				continue
			}
			done, err := e.handleOverrun(ctx, batch[i].ID, batch[i].EquipmentID, now)
			if err != nil {
				log.Printf("Overrun sweep: session %d: %v", batch[i].ID, err)
				continue
			}
			if done {
				finalized++
			}
		}

		if len(batch) < e.cfg.SweepBatchSize {
			return finalized, nil
		}
		offset += len(batch)
	}
}

// handleOverrun re-verifies one overdue session under its equipment's lock
// and either finalizes it or sends the one-shot extend prompt. Returns
// whether the session was finalized.
func (e *Engine) handleOverrun(ctx context.Context, sessionID, equipmentID int64, now time.Time) (bool, error) {
	done := false
	ev := &pendingEvents{}
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		eq, err := e.store.LockEquipment(tx, equipmentID)
		if err != nil {
			return err
		}
		sess, err := e.store.SessionByID(tx, sessionID)
		if err != nil {
			return err
		}
		// The member may have ended or extended the session since the select.
		if sess.EndTime != nil || now.Before(sess.ExpectedEnd()) {
			return nil
		}

		waiting, err := e.store.WaitingCount(tx, eq.ID)
		if err != nil {
			return err
		}
		if waiting > 0 {
			if _, err := e.finalizeLocked(tx, sess, eq, now, "duration_expired", ev); err != nil {
				return err
			}
			done = true
			return nil
		}

		if sess.ExtendPromptAt == nil {
			at := now
			sess.ExtendPromptAt = &at
			if err := e.store.SaveSession(tx, sess); err != nil {
				return err
			}
			ev.push(sess.UserID, "Time's up",
				"Your allotted time has run out and nobody is waiting. Extend your session to keep going.")
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	e.emit(ctx, ev)
	return done, nil
}

// Reaper periodically recovers stale sessions and overruns.
type Reaper struct {
	engine   *Engine
	interval time.Duration
}

// NewReaper creates a reaper running at the given interval.
func NewReaper(e *Engine, interval time.Duration) *Reaper {
	return &Reaper{engine: e, interval: interval}
}

// Run executes sweeps on a timer until the context is canceled.
func (r *Reaper) Run(ctx context.Context) {
	log.Printf("Reaper started, sweeping every %v", r.interval)
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-ctx.Done():
			log.Println("Reaper shutting down")
			return
		}
	}
}

// RunOnce executes a single full sweep cycle.
func (r *Reaper) RunOnce(ctx context.Context) {
	if n, err := r.engine.SweepStaleOnce(ctx); err != nil {
		log.Printf("Stale session sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("Stale session sweep recovered %d sessions", n)
	}

	if n, err := r.engine.SweepOverruns(ctx); err != nil {
		log.Printf("Overrun sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("Overrun sweep finalized %d sessions", n)
	}
}
