package model

import "time"

// Session types: how the allotted duration was determined.
const (
	SessionTypeBase          = "BASE"
	SessionTypeAIRecommended = "AI_RECOMMENDED"
)

// UsageSession records one member's use of one equipment unit. Sessions are
// never deleted; EndTime being null is the "active" marker and is set exactly
// once at finalization.
type UsageSession struct {
	ID                       int64     `gorm:"primaryKey"`
	UserID                   int64     `gorm:"index;not null"`
	EquipmentID              int64     `gorm:"index;not null"`
	StartTime                time.Time `gorm:"not null;index"`
	EndTime                  *time.Time `gorm:"index"`
	AllocatedDurationMinutes int        `gorm:"not null"`
	SessionType              string     `gorm:"size:20;not null"`
	// LastHeartbeat is null until the first heartbeat arrives.
	LastHeartbeat *time.Time `gorm:"index"`
	// ExtendPromptAt marks that the "extend?" push was already sent for this
	// session, so the overrun sweep prompts at most once.
	ExtendPromptAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time

	// Associations
	Equipment Equipment `gorm:"constraint:OnDelete:CASCADE"`
}

// Active reports whether the session has not been finalized yet.
func (s *UsageSession) Active() bool { return s.EndTime == nil }

// ExpectedEnd returns the moment the allotted time runs out.
func (s *UsageSession) ExpectedEnd() time.Time {
	return s.StartTime.Add(time.Duration(s.AllocatedDurationMinutes) * time.Minute)
}
