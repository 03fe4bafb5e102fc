package models

import "time"

// Session is the hub's record of a support conversation.
type Session struct {
	ID                 string `gorm:"primaryKey;size:36"`
	CustomerName       string `gorm:"size:128"`
	CustomerEmail      string `gorm:"size:256;index"`
	CustomerProfile    string `gorm:"type:text"` // JSON object
	Status             string `gorm:"size:16;default:pending;index"`
	Priority           string `gorm:"size:8;default:medium"`
	Category           string `gorm:"size:64"`
	AssignedAgentID    string `gorm:"size:64;index"` // empty while queued
	Tags               string `gorm:"type:text"`     // JSON array
	UnreadCount        int    `gorm:"default:0"`
	LastPreview        string `gorm:"size:512"`
	LastMessageAt      *time.Time
	QueuedAt           time.Time
	SatisfactionRating *int
	InternalNotes      string `gorm:"type:text"`
	WrapUpCategory     string `gorm:"size:64"`
	WrapUpSummary      string `gorm:"type:text"`
	WrapUpRating       *int
	EndedAt            *time.Time
	LastActivityAt     time.Time `gorm:"index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time

	Messages  []Message  `gorm:"foreignKey:SessionID"`
	Transfers []Transfer `gorm:"foreignKey:SessionID"`
}

// Transfer records a hand-off between agents, or back to the queue when
// ToAgentID is empty.
type Transfer struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	SessionID   string `gorm:"size:36;not null;index"`
	FromAgentID string `gorm:"size:64;not null"`
	ToAgentID   string `gorm:"size:64"`
	Reason      string `gorm:"type:text;not null"`
	CreatedAt   time.Time
}
