package inbox

import "time"

// SLALevel classifies how long a queued session has been waiting.
type SLALevel string

const (
	SLASafe    SLALevel = "safe"
	SLAWarning SLALevel = "warning"
	SLADanger  SLALevel = "danger"
)

// SLAPolicy holds the wait thresholds. Warning must not exceed Danger.
type SLAPolicy struct {
	Warning time.Duration
	Danger  time.Duration
}

// DefaultSLAPolicy is 15 minutes to warning and 30 to danger.
var DefaultSLAPolicy = SLAPolicy{Warning: 15 * time.Minute, Danger: 30 * time.Minute}

// Level maps a wait time to an SLA level: below Warning is safe, up to and
// including Danger is warning, beyond Danger is danger.
func (p SLAPolicy) Level(wait time.Duration) SLALevel {
	switch {
	case wait < p.Warning:
		return SLASafe
	case wait <= p.Danger:
		return SLAWarning
	default:
		return SLADanger
	}
}

// SessionLevel returns the SLA level for s as of now. Sessions that are no
// longer waiting on the organization are always safe.
func (p SLAPolicy) SessionLevel(s Session, now time.Time) SLALevel {
	if !s.Status.Queued() {
		return SLASafe
	}
	return p.Level(s.WaitAt(now))
}
