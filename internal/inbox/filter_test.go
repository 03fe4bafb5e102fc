package inbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixtureSessions() []Session {
	mine := pendingSession("mine", t0.Add(3*time.Minute))
	mine.Status = StatusActive
	mine.AssignedAgentID = "a1"
	mine.Priority = PriorityHigh

	other := pendingSession("other", t0.Add(2*time.Minute))
	other.Status = StatusWaiting
	other.AssignedAgentID = "a2"
	other.Customer = Customer{Name: "Grace", Email: "grace@navy.mil"}
	other.Tags = []string{"vip"}

	queued := pendingSession("queued", t0.Add(time.Minute))

	closed := pendingSession("closed", t0.Add(time.Hour))
	closed.Status = StatusEnded
	closed.AssignedAgentID = "a1"

	return []Session{closed, queued, other, mine}
}

func ids(list []Session) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.ID)
	}
	return out
}

func TestFilter_Tabs(t *testing.T) {
	list := fixtureSessions()
	tests := []struct {
		tab  Tab
		want []string
	}{
		{TabAll, []string{"mine", "other", "queued", "closed"}},
		{TabMine, []string{"mine"}},
		{TabQueue, []string{"queued"}},
		{TabClosed, []string{"closed"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.tab), func(t *testing.T) {
			got := Filter{Tab: tt.tab, AgentID: "a1"}.Apply(list)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestFilter_Predicates(t *testing.T) {
	list := fixtureSessions()
	tests := []struct {
		name string
		f    Filter
		want []string
	}{
		{"status", Filter{Status: StatusWaiting}, []string{"other"}},
		{"priority", Filter{Priority: PriorityHigh}, []string{"mine"}},
		{"tag", Filter{Tag: "vip"}, []string{"other"}},
		{"text by name", Filter{Text: "  GRACE "}, []string{"other"}},
		{"text by email", Filter{Text: "navy.mil"}, []string{"other"}},
		{"text no match", Filter{Text: "zzz"}, []string{}},
		{"combined", Filter{Text: "ada", Tab: TabMine, AgentID: "a1"}, []string{"mine"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(tt.f.Apply(list)))
		})
	}
}

func TestFilter_ApplyDoesNotMutateInput(t *testing.T) {
	list := fixtureSessions()
	before := ids(list)
	Filter{}.Apply(list)
	assert.Equal(t, before, ids(list))
}

func TestCounts(t *testing.T) {
	got := Counts(fixtureSessions(), "a1")
	assert.Equal(t, map[Tab]int{TabAll: 4, TabMine: 1, TabQueue: 1, TabClosed: 1}, got)
}

func TestSLAPolicy_Level(t *testing.T) {
	p := DefaultSLAPolicy
	tests := []struct {
		wait time.Duration
		want SLALevel
	}{
		{0, SLASafe},
		{14*time.Minute + 59*time.Second, SLASafe},
		{15 * time.Minute, SLAWarning},
		{20 * time.Minute, SLAWarning},
		{30 * time.Minute, SLAWarning},
		{31 * time.Minute, SLADanger},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Level(tt.wait), "wait %s", tt.wait)
	}
}

func TestSLAPolicy_Configurable(t *testing.T) {
	p := SLAPolicy{Warning: 5 * time.Minute, Danger: 10 * time.Minute}
	assert.Equal(t, SLAWarning, p.Level(6*time.Minute))
	assert.Equal(t, SLADanger, p.Level(11*time.Minute))
}

func TestSessionLevel_Scenario(t *testing.T) {
	p := DefaultSLAPolicy
	s := Session{ID: "S1", Status: StatusPending, WaitTime: 20 * time.Minute}
	assert.Equal(t, SLAWarning, p.SessionLevel(s, t0))

	s.WaitTime = 31 * time.Minute
	assert.Equal(t, SLADanger, p.SessionLevel(s, t0))

	s.Status = StatusActive
	assert.Equal(t, SLASafe, p.SessionLevel(s, t0), "assigned sessions are not waiting on us")
}

func TestSessionLevel_ClockRunsFromQueuedAt(t *testing.T) {
	s := Session{ID: "S1", Status: StatusPending, QueuedAt: t0, WaitTime: time.Minute}
	assert.Equal(t, SLADanger, DefaultSLAPolicy.SessionLevel(s, t0.Add(45*time.Minute)))
}
