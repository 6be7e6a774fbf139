package store

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"gym-reserve-backend/internal/model"
)

var liveStatuses = []string{model.ReservationWaiting, model.ReservationNotified}

// LiveEntry returns the user's WAITING or NOTIFIED entry for an equipment
// unit, or nil. At most one such entry exists per (user, equipment).
func (s *GormStore) LiveEntry(tx *gorm.DB, userID, equipmentID int64) (*model.Reservation, error) {
	var r model.Reservation
	err := tx.Where("user_id = ? AND equipment_id = ? AND status IN ?", userID, equipmentID, liveStatuses).
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// LiveEntryCount counts the user's WAITING/NOTIFIED entries across all
// equipment, for the per-user queue cap.
func (s *GormStore) LiveEntryCount(tx *gorm.DB, userID int64) (int64, error) {
	var n int64
	err := tx.Model(&model.Reservation{}).
		Where("user_id = ? AND status IN ?", userID, liveStatuses).
		Count(&n).Error
	return n, err
}

// ReservationByID fetches one reservation row, locked for update.
func (s *GormStore) ReservationByID(tx *gorm.DB, id int64) (*model.Reservation, error) {
	var r model.Reservation
	if err := s.Lock(tx).First(&r, id).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// ReservationForUser fetches a reservation by id scoped to its owner.
func (s *GormStore) ReservationForUser(tx *gorm.DB, id, userID int64) (*model.Reservation, error) {
	var r model.Reservation
	err := s.Lock(tx).Where("id = ? AND user_id = ?", id, userID).First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateReservation inserts a new waitlist entry.
func (s *GormStore) CreateReservation(tx *gorm.DB, r *model.Reservation) error {
	return tx.Create(r).Error
}

// SaveReservation persists reservation mutations.
func (s *GormStore) SaveReservation(tx *gorm.DB, r *model.Reservation) error {
	r.UpdatedAt = time.Now().UTC()
	return tx.Save(r).Error
}

// ExpireStaleNotified expires this equipment's NOTIFIED entries whose claim
// window (notified_at older than cutoff) has lapsed. Returns how many rows
// were expired.
func (s *GormStore) ExpireStaleNotified(tx *gorm.DB, equipmentID int64, cutoff time.Time) (int64, error) {
	res := tx.Model(&model.Reservation{}).
		Where("equipment_id = ? AND status = ? AND notified_at < ?", equipmentID, model.ReservationNotified, cutoff).
		Updates(map[string]any{"status": model.ReservationExpired, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// ValidNotified returns the user's still-valid NOTIFIED entry for an
// equipment unit (notified_at within the claim window), or nil.
func (s *GormStore) ValidNotified(tx *gorm.DB, equipmentID, userID int64, cutoff time.Time) (*model.Reservation, error) {
	var r model.Reservation
	err := s.Lock(tx).
		Where("equipment_id = ? AND user_id = ? AND status = ? AND notified_at >= ?",
			equipmentID, userID, model.ReservationNotified, cutoff).
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// OthersQueued reports whether someone other than userID is rightfully ahead
// in this equipment's queue: a WAITING entry, or a NOTIFIED entry whose claim
// window is still open.
func (s *GormStore) OthersQueued(tx *gorm.DB, equipmentID, userID int64, cutoff time.Time) (bool, error) {
	var n int64
	err := tx.Model(&model.Reservation{}).
		Where("equipment_id = ? AND user_id <> ?", equipmentID, userID).
		Where("status = ? OR (status = ? AND notified_at >= ?)",
			model.ReservationWaiting, model.ReservationNotified, cutoff).
		Count(&n).Error
	return n > 0, err
}

// OldestWaiting returns the FIFO head of an equipment's WAITING queue, or
// nil when the queue is empty. Locked rows are skipped so concurrent
// promoters never deadlock.
func (s *GormStore) OldestWaiting(tx *gorm.DB, equipmentID int64) (*model.Reservation, error) {
	var r model.Reservation
	err := s.LockSkip(tx).
		Where("equipment_id = ? AND status = ?", equipmentID, model.ReservationWaiting).
		Order("created_at").
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// HasNotified reports whether an equipment unit currently has any NOTIFIED
// entry, regardless of age. NOTIFIED is a singleton ticket per equipment.
func (s *GormStore) HasNotified(tx *gorm.DB, equipmentID int64) (bool, error) {
	var n int64
	err := tx.Model(&model.Reservation{}).
		Where("equipment_id = ? AND status = ?", equipmentID, model.ReservationNotified).
		Count(&n).Error
	return n > 0, err
}

// StaleNotifiedBatch returns up to batch NOTIFIED entries across all
// equipment whose claim window lapsed, oldest first, skipping locked rows.
func (s *GormStore) StaleNotifiedBatch(tx *gorm.DB, cutoff time.Time, batch int) ([]model.Reservation, error) {
	var out []model.Reservation
	err := s.LockSkip(tx).
		Where("status = ? AND notified_at < ?", model.ReservationNotified, cutoff).
		Order("notified_at").
		Limit(batch).
		Find(&out).Error
	return out, err
}

// WaitingCount counts WAITING entries for one equipment unit.
func (s *GormStore) WaitingCount(tx *gorm.DB, equipmentID int64) (int64, error) {
	var n int64
	err := tx.Model(&model.Reservation{}).
		Where("equipment_id = ? AND status = ?", equipmentID, model.ReservationWaiting).
		Count(&n).Error
	return n, err
}

// WaitingPosition computes a WAITING entry's 1-based position in its
// equipment's FIFO queue.
func (s *GormStore) WaitingPosition(tx *gorm.DB, r *model.Reservation) (int, error) {
	var ahead int64
	err := tx.Model(&model.Reservation{}).
		Where("equipment_id = ? AND status = ? AND created_at < ?", r.EquipmentID, model.ReservationWaiting, r.CreatedAt).
		Count(&ahead).Error
	return int(ahead) + 1, err
}
