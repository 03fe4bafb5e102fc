package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zulandar/frontdesk/internal/alert"
)

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

type mockSession struct {
	mu      sync.Mutex
	sent    []sentMessage
	errs    []error // consumed one per call
	closed  bool
	options int
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.options = len(options)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ID: fmt.Sprintf("m%d", len(m.sent)), ChannelID: channelID}, nil
}

func (m *mockSession) Close() error {
	m.closed = true
	return nil
}

func rateLimited() error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
}

func newTestNotifier(t *testing.T) (*Notifier, *mockSession) {
	t.Helper()
	s := &mockSession{}
	n, err := New(Opts{Session: s, ChannelID: "123"})
	require.NoError(t, err)
	n.baseBackoff = time.Millisecond
	n.maxBackoff = 5 * time.Millisecond
	return n, s
}

func TestNew_RequiresBotToken(t *testing.T) {
	_, err := New(Opts{})
	assert.ErrorContains(t, err, "bot token is required")
}

func TestNotify_SendsEmbeds(t *testing.T) {
	n, s := newTestNotifier(t)
	err := n.Notify(context.Background(), alert.Message{
		Text: "Queue SLA: 1 in warning",
		Events: []alert.Event{{
			Title:  "Ada waiting 20m",
			Body:   "Session `s1` is in *warning*.",
			Color:  alert.ColorWarning,
			Fields: []alert.Field{{Name: "Priority", Value: "high", Short: true}},
		}},
	})
	require.NoError(t, err)
	require.Len(t, s.sent, 1)
	assert.Equal(t, "123", s.sent[0].channelID)
	assert.Equal(t, "Queue SLA: 1 in warning", s.sent[0].data.Content)
	require.Len(t, s.sent[0].data.Embeds, 1)
	embed := s.sent[0].data.Embeds[0]
	assert.Equal(t, 0xff9800, embed.Color)
	require.Len(t, embed.Fields, 1)
	assert.True(t, embed.Fields[0].Inline)
	assert.Equal(t, 1, s.options, "request carries the caller's context")
}

func TestNotify_SplitsLargeMessages(t *testing.T) {
	n, s := newTestNotifier(t)
	msg := alert.Message{Channel: "999", Text: "many"}
	for i := 0; i < maxEmbeds+3; i++ {
		msg.Events = append(msg.Events, alert.Event{Title: fmt.Sprintf("e%d", i)})
	}

	require.NoError(t, n.Notify(context.Background(), msg))
	require.Len(t, s.sent, 2)
	assert.Equal(t, "999", s.sent[1].channelID)
	assert.Len(t, s.sent[0].data.Embeds, maxEmbeds)
	assert.Len(t, s.sent[1].data.Embeds, 3)
	assert.Empty(t, s.sent[1].data.Content)
}

func TestNotify_NoChannel(t *testing.T) {
	n, err := New(Opts{Session: &mockSession{}})
	require.NoError(t, err)
	assert.ErrorContains(t, n.Notify(context.Background(), alert.Message{Text: "x"}), "no channel")
}

func TestNotify_RetriesRateLimit(t *testing.T) {
	n, s := newTestNotifier(t)
	s.errs = []error{rateLimited(), rateLimited(), nil}

	require.NoError(t, n.Notify(context.Background(), alert.Message{Text: "x"}))
	assert.Len(t, s.sent, 1)
}

func TestNotify_GivesUpAfterMaxRetries(t *testing.T) {
	n, s := newTestNotifier(t)
	for i := 0; i <= maxRetries; i++ {
		s.errs = append(s.errs, rateLimited())
	}

	err := n.Notify(context.Background(), alert.Message{Text: "x"})
	var restErr *discordgo.RESTError
	assert.ErrorAs(t, err, &restErr)
	assert.Empty(t, s.sent)
}

func TestNotify_OtherErrorNotRetried(t *testing.T) {
	n, s := newTestNotifier(t)
	s.errs = []error{errors.New("missing access"), nil}

	assert.ErrorContains(t, n.Notify(context.Background(), alert.Message{Text: "x"}), "missing access")
	assert.Empty(t, s.sent)
}

func TestClose(t *testing.T) {
	n, s := newTestNotifier(t)
	require.NoError(t, n.Close())
	assert.True(t, s.closed)
}

func TestParseHexColor(t *testing.T) {
	cases := map[string]int{
		alert.ColorSuccess: 0x36a64f,
		alert.ColorInfo:    0x2196f3,
		alert.ColorError:   0xe53935,
		"FF9800":           0xff9800,
		"#zz01":            0x01,
		"":                 0,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseHexColor(in), in)
	}
}
