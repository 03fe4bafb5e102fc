package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zulandar/frontdesk/internal/alert"
	"github.com/zulandar/frontdesk/internal/config"
	"github.com/zulandar/frontdesk/internal/db"
	"github.com/zulandar/frontdesk/internal/hub"
	"github.com/zulandar/frontdesk/internal/inbox"
	"github.com/zulandar/frontdesk/internal/models"
)

// fixedSource serves a canned queue at a fixed time.
type fixedSource struct {
	now   time.Time
	queue []models.Session
}

func (f fixedSource) Queue(context.Context) ([]models.Session, error) { return f.queue, nil }
func (f fixedSource) Now() time.Time                                  { return f.now }
func (f fixedSource) Analytics(context.Context, inbox.SLAPolicy) (hub.Analytics, error) {
	return hub.Analytics{}, nil
}

func TestNewNotifier_DefaultsToLog(t *testing.T) {
	n, err := newNotifier(context.Background(), config.AlertsConfig{})
	require.NoError(t, err)
	assert.IsType(t, alert.LogNotifier{}, n)

	n, err = newNotifier(context.Background(), config.AlertsConfig{Platform: "discord", Channel: "1", Discord: config.DiscordConfig{BotToken: "t"}})
	require.NoError(t, err)
	assert.NotNil(t, n)
	assert.NoError(t, n.Close())
}

func TestRunAlertsCheck(t *testing.T) {
	cfg, err := config.Parse([]byte("sla:\n  warning_minutes: 15\n  danger_minutes: 30\n"))
	require.NoError(t, err)
	src := fixedSource{
		now: now,
		queue: []models.Session{
			{ID: "s1", CustomerName: "Ada", Priority: "high", Status: "pending", QueuedAt: now.Add(-40 * time.Minute)},
			{ID: "s2", CustomerName: "Grace", Status: "waiting", QueuedAt: now.Add(-5 * time.Minute)},
		},
	}

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, runAlertsCheck(cmd, cfg, src, false))
	assert.Regexp(t, `s1\s+Ada\s+high\s+40m\s+danger`, out.String())
	assert.NotContains(t, out.String(), "s2")
}

func TestAlertsCheckCmd_EmptyQueue(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fd.db")
	gdb, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.Close()

	path := writeConfig(t, "hub:\n  database:\n    path: "+dbPath+"\nlog:\n  level: error\n")
	out, err := runCmd(t, "alerts", "check", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "All queued sessions are within SLA.")
}

func TestAlertsRejectsBadCron(t *testing.T) {
	cfg, err := config.Parse([]byte("alerts:\n  digest_cron: \"every day\"\n"))
	require.NoError(t, err)
	_, _, err = newWatcher(context.Background(), cfg, fixedSource{now: now})
	assert.ErrorContains(t, err, "digest cron")
}
