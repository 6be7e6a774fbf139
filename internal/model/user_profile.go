package model

import "time"

// Training career levels.
const (
	CareerBeginner     = "BEGINNER"
	CareerIntermediate = "INTERMEDIATE"
	CareerAdvanced     = "ADVANCED"
)

// UserProfile carries the member attributes consumed by the duration
// estimator. Identity itself is managed by the external auth service; this
// row only mirrors what estimation needs.
type UserProfile struct {
	ID       int64  `gorm:"primaryKey"`
	UserID   int64  `gorm:"uniqueIndex;not null"`
	Gender   string `gorm:"size:16"`
	Goal     string `gorm:"size:64"`
	Career   string `gorm:"size:16"`
	HeightCM float64
	WeightKG float64
	CreatedAt time.Time
	UpdatedAt time.Time
}
