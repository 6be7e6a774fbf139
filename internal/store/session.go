package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"gym-reserve-backend/internal/model"
)

// ActiveSessionForUser returns the user's single non-finalized session, or
// nil when none exists. Session rows are never locked: serialization always
// happens on the equipment row, so callers mutating the session must hold
// that lock and re-read first.
func (s *GormStore) ActiveSessionForUser(tx *gorm.DB, userID int64) (*model.UsageSession, error) {
	var sess model.UsageSession
	err := tx.Where("user_id = ? AND end_time IS NULL", userID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ActiveSessionForEquipment returns the non-finalized session on an equipment
// unit, or nil. Caller must hold the equipment row lock.
func (s *GormStore) ActiveSessionForEquipment(tx *gorm.DB, equipmentID int64) (*model.UsageSession, error) {
	var sess model.UsageSession
	err := tx.Where("equipment_id = ? AND end_time IS NULL", equipmentID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// SessionByID fetches one session row without locking it.
func (s *GormStore) SessionByID(tx *gorm.DB, id int64) (*model.UsageSession, error) {
	var sess model.UsageSession
	if err := tx.First(&sess, id).Error; err != nil {
		return nil, err
	}
	return &sess, nil
}

// CreateSession inserts a new usage session.
func (s *GormStore) CreateSession(tx *gorm.DB, sess *model.UsageSession) error {
	return tx.Create(sess).Error
}

// SaveSession persists session mutations. The caller must hold the session's
// equipment row lock and have re-read the session under it.
func (s *GormStore) SaveSession(tx *gorm.DB, sess *model.UsageSession) error {
	sess.UpdatedAt = time.Now().UTC()
	return tx.Save(sess).Error
}

// TouchHeartbeat stamps a session's liveness. The write is conditional on the
// session still being active, so no lock is needed: a racing finalize either
// wins (zero rows) or loses harmlessly.
func (s *GormStore) TouchHeartbeat(tx *gorm.DB, sessionID int64, at time.Time) (bool, error) {
	res := tx.Model(&model.UsageSession{}).
		Where("id = ? AND end_time IS NULL", sessionID).
		Updates(map[string]any{"last_heartbeat": at, "updated_at": at})
	return res.RowsAffected > 0, res.Error
}

// ExtendAllocation adds minutes to an active session's allotment and re-arms
// the extend prompt. Conditional on end_time like TouchHeartbeat.
func (s *GormStore) ExtendAllocation(tx *gorm.DB, sessionID int64, minutes int) (bool, error) {
	res := tx.Model(&model.UsageSession{}).
		Where("id = ? AND end_time IS NULL", sessionID).
		Updates(map[string]any{
			"allocated_duration_minutes": gorm.Expr("allocated_duration_minutes + ?", minutes),
			"extend_prompt_at":           nil,
			"updated_at":                 time.Now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

// StaleSessions returns up to batch active sessions whose heartbeat lapsed:
// last_heartbeat older than cutoff, or never heartbeated and started before
// graceCutoff. Locked rows are skipped.
func (s *GormStore) StaleSessions(tx *gorm.DB, cutoff, graceCutoff time.Time, batch int) ([]model.UsageSession, error) {
	var out []model.UsageSession
	err := s.LockSkip(tx).
		Where("end_time IS NULL").
		Where("last_heartbeat < ? OR (last_heartbeat IS NULL AND start_time < ?)", cutoff, graceCutoff).
		Order("start_time").
		Limit(batch).
		Find(&out).Error
	return out, err
}

// ActiveSessionsBatch returns up to batch active sessions ordered by start
// time, skipping locked rows. The overrun sweep filters them by expected end
// in Go because interval arithmetic is not portable across dialects.
func (s *GormStore) ActiveSessionsBatch(tx *gorm.DB, offset, batch int) ([]model.UsageSession, error) {
	var out []model.UsageSession
	err := s.LockSkip(tx).
		Where("end_time IS NULL").
		Order("start_time").
		Offset(offset).
		Limit(batch).
		Find(&out).Error
	return out, err
}

// FinishedSessionsSince returns the user's finalized sessions started after
// since, with equipment preloaded for body-part classification.
func (s *GormStore) FinishedSessionsSince(ctx context.Context, userID int64, since time.Time) ([]model.UsageSession, error) {
	var out []model.UsageSession
	err := s.db.WithContext(ctx).
		Preload("Equipment").
		Where("user_id = ? AND start_time >= ? AND end_time IS NOT NULL", userID, since).
		Find(&out).Error
	return out, err
}

// ProfileByUser fetches the estimator profile for a user.
func (s *GormStore) ProfileByUser(ctx context.Context, userID int64) (*model.UserProfile, error) {
	var p model.UserProfile
	if err := s.db.WithContext(ctx).First(&p, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &p, nil
}
