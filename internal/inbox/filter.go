package inbox

import (
	"sort"
	"strings"
)

// Tab is one of the inbox list views.
type Tab string

const (
	TabAll    Tab = "all"
	TabMine   Tab = "mine"
	TabQueue  Tab = "queue"
	TabClosed Tab = "closed"
)

// Filter selects sessions for a list view. Zero-valued fields match
// everything. Filtering never mutates the store.
type Filter struct {
	Text     string
	Status   Status
	Priority Priority
	Tag      string
	Tab      Tab
	AgentID  string // required for TabMine
}

// Match reports whether s passes every criterion in f.
func (f Filter) Match(s Session) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Priority != "" && s.Priority != f.Priority {
		return false
	}
	if f.Tag != "" && !s.HasTag(f.Tag) {
		return false
	}
	switch f.Tab {
	case TabMine:
		if s.AssignedAgentID == "" || s.AssignedAgentID != f.AgentID || s.Status.Resolved() {
			return false
		}
	case TabQueue:
		if s.AssignedAgentID != "" || !s.Status.Queued() {
			return false
		}
	case TabClosed:
		if !s.Status.Resolved() {
			return false
		}
	}
	if q := strings.TrimSpace(strings.ToLower(f.Text)); q != "" {
		return matchText(s, q)
	}
	return true
}

func matchText(s Session, q string) bool {
	fields := []string{s.ID, s.Customer.Name, s.Customer.Email, s.Category, s.LastMessage.Preview}
	fields = append(fields, s.Tags...)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

// Apply returns the sessions in list matching f, in canonical order. The
// input slice is not modified.
func (f Filter) Apply(list []Session) []Session {
	out := make([]Session, 0, len(list))
	for _, s := range list {
		if f.Match(s) {
			out = append(out, s.Clone())
		}
	}
	SortSessions(out)
	return out
}

// SortSessions orders sessions for display: unresolved before ended, then
// most recent activity first, ties broken by id.
func SortSessions(list []Session) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Status.Resolved() != b.Status.Resolved() {
			return !a.Status.Resolved()
		}
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		return a.ID < b.ID
	})
}

// Counts tallies sessions per tab for badge display.
func Counts(list []Session, agentID string) map[Tab]int {
	out := map[Tab]int{TabAll: 0, TabMine: 0, TabQueue: 0, TabClosed: 0}
	for _, tab := range []Tab{TabAll, TabMine, TabQueue, TabClosed} {
		f := Filter{Tab: tab, AgentID: agentID}
		for _, s := range list {
			if f.Match(s) {
				out[tab]++
			}
		}
	}
	return out
}
