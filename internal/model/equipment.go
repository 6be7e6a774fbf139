package model

import "time"

// Equipment status values. Status is the single source of truth for whether a
// unit can be claimed.
const (
	StatusAvailable   = "AVAILABLE"
	StatusInUse       = "IN_USE"
	StatusLocked      = "LOCKED"
	StatusMaintenance = "MAINTENANCE"
)

// ValidStatus reports whether s is a recognized equipment status.
func ValidStatus(s string) bool {
	switch s {
	case StatusAvailable, StatusInUse, StatusLocked, StatusMaintenance:
		return true
	}
	return false
}

// Body-part categories used by the duration estimator.
const (
	BodyPartUpper = "UPPER"
	BodyPartLower = "LOWER"
)

// Equipment represents a single physical unit, usable by at most one member
// at a time.
type Equipment struct {
	ID     int64  `gorm:"primaryKey"`
	GymID  int64  `gorm:"index;not null"`
	Name   string `gorm:"size:128;not null"`
	// NFCTagID is the normalized identifier of the physical tag mounted on
	// the unit. Tapping the tag resolves to this row.
	NFCTagID string `gorm:"column:nfc_tag_id;uniqueIndex;size:64"`
	Category string `gorm:"size:64"`
	BodyPart string `gorm:"size:16"`
	Status   string `gorm:"size:20;not null;default:AVAILABLE;index"`
	// BaseSessionTimeMinutes is the allotted time applied when a waitlisted
	// member claims the unit, and the fallback when estimation fails.
	BaseSessionTimeMinutes int    `gorm:"not null;default:15"`
	ImageURL               string `gorm:"size:512"`
	AIModelID              int    `gorm:"column:ai_model_id"`
	CreatedAt              time.Time
	UpdatedAt              time.Time

	// Associations
	Gym Gym `gorm:"constraint:OnDelete:CASCADE"`
}
