package model

import "time"

// Gym represents a gym location that owns a pool of equipment.
type Gym struct {
	ID        int64     `gorm:"primaryKey"`
	Name      string    `gorm:"uniqueIndex;size:128;not null"`
	Address   string    `gorm:"size:256"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	// Associations
	Equipment []Equipment `gorm:"foreignKey:GymID"`
}
