package engine

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"gym-reserve-backend/internal/model"
)

// ExpireNotified expires lapsed claim-window tickets across all equipment
// and promotes each affected queue. Bounded batches; returns how many
// tickets were expired. Finalize and claim paths also expire lazily, so the
// sweeper only guarantees an upper bound on how long a dead ticket can block
// a queue.
func (e *Engine) ExpireNotified(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-e.cfg.NotificationTimeout())

	var stale []model.Reservation
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		stale, err = e.store.StaleNotifiedBatch(tx, cutoff, e.cfg.SweepBatchSize)
		return err
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range stale {
		id := stale[i].ID
		ev := &pendingEvents{}
		err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
			// Equipment row first, reservation second: same lock order as the
			// claim and finalize paths.
			eq, err := e.store.LockEquipment(tx, stale[i].EquipmentID)
			if err != nil {
				return err
			}
			entry, err := e.store.ReservationByID(tx, id)
			if err != nil {
				return err
			}
			// Claim and finalize paths expire lazily too; the entry may
			// already be COMPLETED or EXPIRED by now.
			if entry.Status != model.ReservationNotified || entry.NotifiedAt == nil || !entry.NotifiedAt.Before(cutoff) {
				return nil
			}
			entry.Status = model.ReservationExpired
			if err := e.store.SaveReservation(tx, entry); err != nil {
				return err
			}
			expired++

			if err := e.promoteNext(tx, eq, now, ev); err != nil {
				return err
			}
			ev.change(entry.EquipmentID)
			return nil
		})
		if err != nil {
			log.Printf("Notification expiry sweep: entry %d: %v", id, err)
			continue
		}
		e.emit(ctx, ev)
	}
	return expired, nil
}

// ExpirySweeper periodically expires lapsed claim windows.
type ExpirySweeper struct {
	engine   *Engine
	interval time.Duration
}

// NewExpirySweeper creates a sweeper running at the given interval.
func NewExpirySweeper(e *Engine, interval time.Duration) *ExpirySweeper {
	return &ExpirySweeper{engine: e, interval: interval}
}

// Run executes sweeps on a timer until the context is canceled.
func (s *ExpirySweeper) Run(ctx context.Context) {
	log.Printf("Notification expiry sweeper started, sweeping every %v", s.interval)
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			log.Println("Notification expiry sweeper shutting down")
			return
		}
	}
}

// RunOnce executes a single sweep.
func (s *ExpirySweeper) RunOnce(ctx context.Context) {
	if n, err := s.engine.ExpireNotified(ctx); err != nil {
		log.Printf("Notification expiry sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("Notification expiry sweep expired %d claim windows", n)
	}
}
