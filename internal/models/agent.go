package models

import "time"

// Agent is a support agent known to the hub. Rows are created on first
// contact and refreshed on every authenticated call.
type Agent struct {
	ID         string `gorm:"primaryKey;size:64"`
	Name       string `gorm:"size:128"`
	Status     string `gorm:"size:16;default:online;index"`
	StartedAt  time.Time
	LastSeenAt time.Time `gorm:"index"`
}
