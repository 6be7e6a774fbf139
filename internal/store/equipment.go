package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"gym-reserve-backend/internal/model"
)

// EquipmentByID fetches one equipment row without locking it.
func (s *GormStore) EquipmentByID(ctx context.Context, id int64) (*model.Equipment, error) {
	var eq model.Equipment
	if err := s.db.WithContext(ctx).First(&eq, id).Error; err != nil {
		return nil, err
	}
	return &eq, nil
}

// EquipmentByTag fetches one equipment row by its canonical NFC tag id.
func (s *GormStore) EquipmentByTag(ctx context.Context, tag string) (*model.Equipment, error) {
	var eq model.Equipment
	if err := s.db.WithContext(ctx).First(&eq, "nfc_tag_id = ?", tag).Error; err != nil {
		return nil, err
	}
	return &eq, nil
}

// LockEquipment reloads an equipment row under an exclusive row lock. Every
// contested operation (claim, finalize, promote) funnels through this.
func (s *GormStore) LockEquipment(tx *gorm.DB, id int64) (*model.Equipment, error) {
	var eq model.Equipment
	if err := s.Lock(tx).First(&eq, id).Error; err != nil {
		return nil, err
	}
	return &eq, nil
}

// SaveEquipment persists an equipment row. Caller must hold its row lock.
func (s *GormStore) SaveEquipment(tx *gorm.DB, eq *model.Equipment) error {
	eq.UpdatedAt = time.Now().UTC()
	return tx.Save(eq).Error
}

// OrphanedInUse returns up to batch equipment rows stuck IN_USE with no
// active session referencing them. Locked rows are skipped.
func (s *GormStore) OrphanedInUse(tx *gorm.DB, batch int) ([]model.Equipment, error) {
	var out []model.Equipment
	err := s.LockSkip(tx).
		Where("status = ?", model.StatusInUse).
		Where("NOT EXISTS (SELECT 1 FROM usage_sessions us WHERE us.equipment_id = equipment.id AND us.end_time IS NULL)").
		Order("id").
		Limit(batch).
		Find(&out).Error
	return out, err
}

// EquipmentByGym lists a gym's equipment.
func (s *GormStore) EquipmentByGym(ctx context.Context, gymID int64) ([]model.Equipment, error) {
	var out []model.Equipment
	err := s.db.WithContext(ctx).Where("gym_id = ?", gymID).Order("id").Find(&out).Error
	return out, err
}

// WaitingCounts aggregates the WAITING queue depth per equipment in a single
// query.
func (s *GormStore) WaitingCounts(ctx context.Context, equipmentIDs []int64) (map[int64]int64, error) {
	counts := make(map[int64]int64, len(equipmentIDs))
	if len(equipmentIDs) == 0 {
		return counts, nil
	}

	type aggRow struct {
		EquipmentID int64
		Waiting     int64
	}
	var aggs []aggRow
	err := s.db.WithContext(ctx).
		Model(&model.Reservation{}).
		Select("equipment_id as equipment_id, COUNT(*) as waiting").
		Where("equipment_id IN ? AND status = ?", equipmentIDs, model.ReservationWaiting).
		Group("equipment_id").
		Scan(&aggs).Error
	if err != nil {
		return nil, err
	}
	for _, a := range aggs {
		counts[a.EquipmentID] = a.Waiting
	}
	return counts, nil
}
