package alert

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zulandar/frontdesk/internal/hub"
	"github.com/zulandar/frontdesk/internal/inbox"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

func severityColor(s Severity) string {
	switch s {
	case SeveritySuccess:
		return ColorSuccess
	case SeverityWarning:
		return ColorWarning
	case SeverityError:
		return ColorError
	default:
		return ColorInfo
	}
}

func levelSeverity(l inbox.SLALevel) Severity {
	switch l {
	case inbox.SLADanger:
		return SeverityError
	case inbox.SLAWarning:
		return SeverityWarning
	default:
		return SeveritySuccess
	}
}

// Breach is a queued session that has crossed into a worse SLA level.
type Breach struct {
	SessionID string
	Customer  string
	Priority  string
	Category  string
	Level     inbox.SLALevel
	Wait      time.Duration
}

// FormatBreaches renders breaches as one message, danger first.
func FormatBreaches(breaches []Breach) Message {
	sorted := append([]Breach(nil), breaches...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if rank(sorted[i].Level) != rank(sorted[j].Level) {
			return rank(sorted[i].Level) > rank(sorted[j].Level)
		}
		return sorted[i].Wait > sorted[j].Wait
	})

	msg := Message{Text: breachSummary(sorted)}
	for _, b := range sorted {
		sev := levelSeverity(b.Level)
		e := Event{
			Title:    fmt.Sprintf("%s waiting %s", displayCustomer(b.Customer), formatWait(b.Wait)),
			Body:     fmt.Sprintf("Session `%s` is in *%s*.", b.SessionID, b.Level),
			Severity: sev,
			Color:    severityColor(sev),
			Fields: []Field{
				{Name: "Priority", Value: orDash(b.Priority), Short: true},
				{Name: "Category", Value: orDash(b.Category), Short: true},
			},
		}
		msg.Events = append(msg.Events, e)
	}
	return msg
}

func breachSummary(breaches []Breach) string {
	var warning, danger int
	for _, b := range breaches {
		if b.Level == inbox.SLADanger {
			danger++
		} else {
			warning++
		}
	}
	var parts []string
	if danger > 0 {
		parts = append(parts, fmt.Sprintf("%d in danger", danger))
	}
	if warning > 0 {
		parts = append(parts, fmt.Sprintf("%d in warning", warning))
	}
	return "Queue SLA: " + strings.Join(parts, ", ")
}

// FormatDigest renders a queue snapshot.
func FormatDigest(a hub.Analytics, policy inbox.SLAPolicy) Message {
	queued := a.ByStatus["pending"] + a.ByStatus["waiting"]
	sev := SeveritySuccess
	switch {
	case a.BySLA[string(inbox.SLADanger)] > 0:
		sev = SeverityError
	case a.BySLA[string(inbox.SLAWarning)] > 0:
		sev = SeverityWarning
	}

	e := Event{
		Title:    "Support queue digest",
		Body:     fmt.Sprintf("%d queued, %d active, %d ended.", queued, a.ByStatus["active"], a.ByStatus["ended"]),
		Severity: sev,
		Color:    severityColor(sev),
		Fields: []Field{
			{Name: "Safe", Value: fmt.Sprint(a.BySLA[string(inbox.SLASafe)]), Short: true},
			{Name: fmt.Sprintf("Warning (%s+)", formatWait(policy.Warning)), Value: fmt.Sprint(a.BySLA[string(inbox.SLAWarning)]), Short: true},
			{Name: fmt.Sprintf("Danger (%s+)", formatWait(policy.Danger)), Value: fmt.Sprint(a.BySLA[string(inbox.SLADanger)]), Short: true},
			{Name: "Avg wait", Value: formatWait(time.Duration(a.AvgWaitSeconds * float64(time.Second))), Short: true},
		},
	}
	if a.OldestWaiting != "" {
		e.Fields = append(e.Fields, Field{Name: "Oldest waiting", Value: a.OldestWaiting})
	}
	if len(a.ActiveByAgent) > 0 {
		agents := make([]string, 0, len(a.ActiveByAgent))
		for id := range a.ActiveByAgent {
			agents = append(agents, id)
		}
		sort.Strings(agents)
		lines := make([]string, 0, len(agents))
		for _, id := range agents {
			lines = append(lines, fmt.Sprintf("%s: %d", id, a.ActiveByAgent[id]))
		}
		e.Fields = append(e.Fields, Field{Name: "Load by agent", Value: strings.Join(lines, "\n")})
	}
	return Message{Text: fmt.Sprintf("Queue digest: %d queued", queued), Events: []Event{e}}
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

func displayCustomer(name string) string {
	if name == "" {
		return "Customer"
	}
	return name
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
