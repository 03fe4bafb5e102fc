package desk

import (
	"github.com/google/go-cmp/cmp"

	"github.com/zulandar/frontdesk/internal/inbox"
)

// SetFilter replaces the active filter. The agent id is always ours, so the
// "mine" tab cannot be pointed at someone else's queue.
func (c *Controller) SetFilter(f inbox.Filter) {
	f.AgentID = c.me.AgentID
	if f.Tab == "" {
		f.Tab = inbox.TabAll
	}
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
	c.signal()
}

// Filter returns the active filter.
func (c *Controller) Filter() inbox.Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

// FilteredSessions returns the sessions matching the active filter in
// canonical order. While neither the store nor the filter has changed, the
// same slice is returned; a recompute that yields equal content also keeps
// the previous slice, so renderers can compare by identity.
func (c *Controller) FilteredSessions() []inbox.Session {
	f := c.Filter()
	version := c.store.Version()

	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	if c.viewValid && c.viewVersion == version && c.viewFilter == f {
		return c.view
	}
	next := c.store.Query(f)
	if !c.viewValid || !cmp.Equal(next, c.view) {
		c.view = next
	}
	c.viewVersion = version
	c.viewFilter = f
	c.viewValid = true
	return c.view
}

// Counts returns how many sessions each tab would show, ignoring the text
// and facet filters.
func (c *Controller) Counts() map[inbox.Tab]int {
	return inbox.Counts(c.store.All(), c.me.AgentID)
}

// SLA returns the wait-time level of a session right now. Unknown sessions
// report safe.
func (c *Controller) SLA(id string) inbox.SLALevel {
	s, ok := c.store.Get(id)
	if !ok {
		return inbox.SLASafe
	}
	return c.sla.SessionLevel(s, c.now())
}

// SLAPolicy returns the thresholds in effect.
func (c *Controller) SLAPolicy() inbox.SLAPolicy { return c.sla }
