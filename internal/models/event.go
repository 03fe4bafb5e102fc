package models

import "time"

// SessionEvent is one entry in the realtime event log. The autoincrement ID
// is the cursor clients resume from.
//
// An event is visible to an agent when AgentID is empty or names the agent,
// and ExcludeAgentID does not.
type SessionEvent struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	Type           string `gorm:"size:32;not null"`
	SessionID      string `gorm:"size:36;not null;index"`
	AgentID        string `gorm:"size:64;index"`
	ExcludeAgentID string `gorm:"size:64"`
	Payload        string `gorm:"type:text"` // JSON
	CreatedAt      time.Time
}

// VisibleTo reports whether agentID should receive the event.
func (e SessionEvent) VisibleTo(agentID string) bool {
	if e.ExcludeAgentID != "" && e.ExcludeAgentID == agentID {
		return false
	}
	return e.AgentID == "" || e.AgentID == agentID
}
