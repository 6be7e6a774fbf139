package model

import "time"

// Reservation (waitlist entry) statuses.
const (
	ReservationWaiting   = "WAITING"
	ReservationNotified  = "NOTIFIED"
	ReservationExpired   = "EXPIRED"
	ReservationCompleted = "COMPLETED"
)

// Reservation is one member's place in one equipment unit's waitlist.
// CreatedAt is the FIFO ordering key among WAITING entries. At most one entry
// per (user, equipment) may be WAITING or NOTIFIED at a time, and at most one
// entry per equipment may be NOTIFIED at a time.
type Reservation struct {
	ID          int64     `gorm:"primaryKey"`
	UserID      int64     `gorm:"index;not null"`
	EquipmentID int64     `gorm:"index;not null"`
	Status      string    `gorm:"size:20;not null;index"`
	CreatedAt   time.Time `gorm:"not null;index"`
	NotifiedAt  *time.Time
	UpdatedAt   time.Time

	// Associations
	Equipment Equipment `gorm:"constraint:OnDelete:CASCADE"`
}
