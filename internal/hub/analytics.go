package hub

import (
	"context"
	"fmt"

	"github.com/zulandar/frontdesk/internal/inbox"
	"github.com/zulandar/frontdesk/internal/models"
)

// Analytics is a point-in-time snapshot of the queue.
type Analytics struct {
	ByStatus       map[string]int `json:"by_status"`
	BySLA          map[string]int `json:"by_sla"`
	AvgWaitSeconds float64        `json:"avg_wait_seconds"`
	OldestWaiting  string         `json:"oldest_waiting_id,omitempty"`
	ActiveByAgent  map[string]int `json:"active_by_agent"`
}

type countRow struct {
	Key string
	N   int
}

// Analytics counts sessions by status and, for queued sessions, by SLA
// level under policy.
func (st *Store) Analytics(ctx context.Context, policy inbox.SLAPolicy) (Analytics, error) {
	db := st.db.WithContext(ctx)
	out := Analytics{
		ByStatus: map[string]int{},
		BySLA: map[string]int{
			string(inbox.SLASafe):    0,
			string(inbox.SLAWarning): 0,
			string(inbox.SLADanger):  0,
		},
		ActiveByAgent: map[string]int{},
	}

	var rows []countRow
	if err := db.Model(&models.Session{}).Select("status AS `key`, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return Analytics{}, fmt.Errorf("hub: analytics by status: %w", err)
	}
	for _, r := range rows {
		out.ByStatus[r.Key] = r.N
	}

	rows = nil
	if err := db.Model(&models.Session{}).
		Select("assigned_agent_id AS `key`, COUNT(*) AS n").
		Where("status IN ? AND assigned_agent_id <> ?", []string{"active", "waiting"}, "").
		Group("assigned_agent_id").Scan(&rows).Error; err != nil {
		return Analytics{}, fmt.Errorf("hub: analytics by agent: %w", err)
	}
	for _, r := range rows {
		out.ActiveByAgent[r.Key] = r.N
	}

	waiting, err := st.Queue(ctx)
	if err != nil {
		return Analytics{}, fmt.Errorf("hub: analytics: %w", err)
	}
	now := st.now()
	var total float64
	for i, s := range waiting {
		wait := now.Sub(s.QueuedAt)
		if wait < 0 {
			wait = 0
		}
		out.BySLA[string(policy.Level(wait))]++
		total += wait.Seconds()
		if i == 0 {
			out.OldestWaiting = s.ID
		}
	}
	if len(waiting) > 0 {
		out.AvgWaitSeconds = total / float64(len(waiting))
	}
	return out, nil
}
