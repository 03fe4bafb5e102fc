package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/frontdesk/internal/models"
)

// AllModels returns every GORM model the hub persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.Session{},
		&models.Message{},
		&models.Transfer{},
		&models.SessionEvent{},
		&models.Agent{},
	}
}

// AutoMigrate creates or updates all hub tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// TouchAgent upserts the agent row and bumps its last-seen time. The name
// is only written when non-empty so anonymous calls do not erase it.
func TouchAgent(db *gorm.DB, id, name string, now time.Time) error {
	if id == "" {
		return nil
	}
	agent := models.Agent{ID: id, Name: name, Status: "online", StartedAt: now, LastSeenAt: now}
	cols := []string{"last_seen_at", "status"}
	if name != "" {
		cols = append(cols, "name")
	}
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(&agent)
	if result.Error != nil {
		return fmt.Errorf("db: touch agent %q: %w", id, result.Error)
	}
	return nil
}
