// Package alert watches the support queue for SLA breaches and posts them,
// along with scheduled queue digests, to a chat channel.
package alert

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Severity drives the sidebar color chat platforms render next to an event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Field is a name/value pair rendered in an event card.
type Field struct {
	Name  string
	Value string
	Short bool // render side by side where supported
}

// Event is one rich card in an outgoing message.
type Event struct {
	Title    string
	Body     string
	Severity Severity
	Color    string // hex, e.g. "#ff9800"
	Fields   []Field
}

// Message is what a Notifier delivers.
type Message struct {
	Channel string // empty means the notifier's default channel
	Text    string // plain text, also the fallback when events are rendered
	Events  []Event
}

// Notifier delivers messages to a chat platform.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
	Close() error
}

// LogNotifier writes messages to the diagnostic log. It is the notifier used
// when no chat platform is configured.
type LogNotifier struct {
	Logger *zerolog.Logger // nil uses the global logger
}

// Notify logs msg at a level matching its most severe event.
func (n LogNotifier) Notify(_ context.Context, msg Message) error {
	l := log.Logger
	if n.Logger != nil {
		l = *n.Logger
	}
	level := zerolog.InfoLevel
	for _, e := range msg.Events {
		switch e.Severity {
		case SeverityError:
			level = zerolog.ErrorLevel
		case SeverityWarning:
			if level < zerolog.WarnLevel {
				level = zerolog.WarnLevel
			}
		}
	}
	titles := make([]string, 0, len(msg.Events))
	for _, e := range msg.Events {
		titles = append(titles, e.Title)
	}
	l.WithLevel(level).
		Str("channel", msg.Channel).
		Strs("events", titles).
		Msg("alert: " + msg.Text)
	return nil
}

// Close is a no-op.
func (LogNotifier) Close() error { return nil }
