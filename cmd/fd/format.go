package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/zulandar/frontdesk/internal/alert"
	"github.com/zulandar/frontdesk/internal/inbox"
)

// printSessions writes a session table with each row's SLA level as of now.
func printSessions(out io.Writer, sessions []inbox.Session, sla inbox.SLAPolicy, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCUSTOMER\tSTATUS\tPRIORITY\tAGENT\tUNREAD\tWAIT\tSLA\tLAST MESSAGE")
	for _, s := range sessions {
		wait := "-"
		level := "-"
		if s.Status.Queued() {
			wait = formatWait(s.WaitAt(now))
			level = string(sla.SessionLevel(s, now))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			s.ID, customerLabel(s.Customer), s.Status, s.Priority, dash(s.AssignedAgentID),
			s.UnreadCount, wait, level, truncate(s.LastMessage.Preview, 40))
	}
	w.Flush()
}

// printCounts writes the per-tab counts on one line.
func printCounts(out io.Writer, counts map[inbox.Tab]int) {
	fmt.Fprintf(out, "all %d · mine %d · queue %d · closed %d\n",
		counts[inbox.TabAll], counts[inbox.TabMine], counts[inbox.TabQueue], counts[inbox.TabClosed])
}

// printThread writes a session header and its messages in order.
func printThread(out io.Writer, s inbox.Session, msgs []inbox.Message) {
	fmt.Fprintf(out, "%s  %s <%s>  %s/%s", s.ID, customerLabel(s.Customer), s.Customer.Email, s.Status, s.Priority)
	if s.AssignedAgentID != "" {
		fmt.Fprintf(out, "  agent %s", s.AssignedAgentID)
	}
	fmt.Fprintln(out)
	if len(s.Tags) > 0 {
		fmt.Fprintf(out, "tags: %s\n", strings.Join(s.Tags, ", "))
	}
	if s.WrapUp != nil {
		fmt.Fprintf(out, "wrap-up: [%s] %s\n", s.WrapUp.Category, s.WrapUp.Summary)
	}
	fmt.Fprintln(out, strings.Repeat("-", 60))
	for _, m := range msgs {
		who := string(m.SenderType)
		if m.SenderID != "" {
			who += ":" + m.SenderID
		}
		state := ""
		if m.State == inbox.MessageFailed {
			state = " (failed)"
		}
		fmt.Fprintf(out, "[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), who, m.Body, state)
	}
}

func printBreaches(out io.Writer, breaches []alert.Breach) {
	if len(breaches) == 0 {
		fmt.Fprintln(out, "All queued sessions are within SLA.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tCUSTOMER\tPRIORITY\tWAIT\tLEVEL")
	for _, b := range breaches {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", b.SessionID, dash(b.Customer), dash(b.Priority), formatWait(b.Wait), b.Level)
	}
	w.Flush()
}

func printStats(out io.Writer, byStatus, bySLA, byAgent map[string]int, avgWait time.Duration, oldest string) {
	fmt.Fprintf(out, "Sessions: pending %d · active %d · waiting %d · ended %d\n",
		byStatus["pending"], byStatus["active"], byStatus["waiting"], byStatus["ended"])
	fmt.Fprintf(out, "Queue SLA: safe %d · warning %d · danger %d\n",
		bySLA[string(inbox.SLASafe)], bySLA[string(inbox.SLAWarning)], bySLA[string(inbox.SLADanger)])
	fmt.Fprintf(out, "Average wait: %s\n", formatWait(avgWait))
	if oldest != "" {
		fmt.Fprintf(out, "Oldest waiting: %s\n", oldest)
	}
	if len(byAgent) > 0 {
		agents := make([]string, 0, len(byAgent))
		for id := range byAgent {
			agents = append(agents, id)
		}
		sort.Strings(agents)
		fmt.Fprintln(out, "Load by agent:")
		for _, id := range agents {
			fmt.Fprintf(out, "  %-16s %d\n", id, byAgent[id])
		}
	}
}

// formatWait renders d as "45s", "20m" or "1h05m".
func formatWait(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func customerLabel(c inbox.Customer) string {
	switch {
	case c.Name != "":
		return c.Name
	case c.Email != "":
		return c.Email
	default:
		return "-"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
