package models

import "time"

// Message is one turn in a session thread. Seq orders messages that share
// a timestamp.
type Message struct {
	ID            string `gorm:"primaryKey;size:36"`
	SessionID     string `gorm:"size:36;not null;index:idx_session_created;index:idx_session_seq"`
	Seq           int64  `gorm:"not null;default:0;index:idx_session_seq"` // per-session send order
	SenderType    string `gorm:"size:16;not null"`
	SenderID      string `gorm:"size:64"`
	Body          string `gorm:"type:text"`
	CorrelationID string `gorm:"size:64;index"`
	IsRead        bool   `gorm:"default:false"`
	DeliveredAt   *time.Time
	CreatedAt     time.Time `gorm:"index:idx_session_created"`
}
