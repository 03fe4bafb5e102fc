package slack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zulandar/frontdesk/internal/alert"
)

type postedMessage struct {
	channelID string
	options   []slackapi.MsgOption
}

type mockSlackClient struct {
	mu       sync.Mutex
	authErr  error
	posted   []postedMessage
	postErrs []error // consumed one per call
}

func (m *mockSlackClient) AuthTestContext(context.Context) (*slackapi.AuthTestResponse, error) {
	if m.authErr != nil {
		return nil, m.authErr
	}
	return &slackapi.AuthTestResponse{UserID: "U_BOT", Team: "support"}, nil
}

func (m *mockSlackClient) PostMessageContext(_ context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.postErrs) > 0 {
		err := m.postErrs[0]
		m.postErrs = m.postErrs[1:]
		if err != nil {
			return "", "", err
		}
	}
	m.posted = append(m.posted, postedMessage{channelID: channelID, options: options})
	return channelID, "1700000000.000001", nil
}

func (m *mockSlackClient) postedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posted)
}

func newTestNotifier(t *testing.T) (*Notifier, *mockSlackClient) {
	t.Helper()
	client := &mockSlackClient{}
	n, err := New(Opts{Client: client, ChannelID: "C_DEFAULT"})
	require.NoError(t, err)
	n.baseBackoff = time.Millisecond
	return n, client
}

func applied(t *testing.T, options []slackapi.MsgOption) map[string]string {
	t.Helper()
	_, values, err := slackapi.UnsafeApplyMsgOptions("xoxb-test", "C1", "https://slack.test/api/", options...)
	require.NoError(t, err)
	out := map[string]string{}
	for k := range values {
		out[k] = values.Get(k)
	}
	return out
}

func TestNew_RequiresBotToken(t *testing.T) {
	_, err := New(Opts{})
	assert.ErrorContains(t, err, "bot token is required")

	n, err := New(Opts{BotToken: "xoxb-1"})
	require.NoError(t, err)
	assert.NotNil(t, n.client)
}

func TestCheck(t *testing.T) {
	n, client := newTestNotifier(t)
	assert.NoError(t, n.Check(context.Background()))

	client.authErr = errors.New("invalid_auth")
	assert.ErrorContains(t, n.Check(context.Background()), "invalid_auth")
}

func TestNotify_DefaultChannel(t *testing.T) {
	n, client := newTestNotifier(t)
	require.NoError(t, n.Notify(context.Background(), alert.Message{Text: "hello"}))
	require.Equal(t, 1, client.postedCount())
	assert.Equal(t, "C_DEFAULT", client.posted[0].channelID)

	require.NoError(t, n.Notify(context.Background(), alert.Message{Channel: "C_OPS", Text: "hi"}))
	assert.Equal(t, "C_OPS", client.posted[1].channelID)
}

func TestNotify_NoChannel(t *testing.T) {
	n, err := New(Opts{Client: &mockSlackClient{}})
	require.NoError(t, err)
	assert.ErrorContains(t, n.Notify(context.Background(), alert.Message{Text: "x"}), "no channel")
}

func TestNotify_RetriesRateLimit(t *testing.T) {
	n, client := newTestNotifier(t)
	client.postErrs = []error{&slackapi.RateLimitedError{RetryAfter: time.Millisecond}, nil}

	require.NoError(t, n.Notify(context.Background(), alert.Message{Text: "x"}))
	assert.Equal(t, 1, client.postedCount())
}

func TestNotify_GivesUpAfterMaxRetries(t *testing.T) {
	n, client := newTestNotifier(t)
	for i := 0; i <= maxRetries; i++ {
		client.postErrs = append(client.postErrs, &slackapi.RateLimitedError{})
	}

	err := n.Notify(context.Background(), alert.Message{Text: "x"})
	var rle *slackapi.RateLimitedError
	assert.ErrorAs(t, err, &rle)
	assert.Equal(t, 0, client.postedCount())
}

func TestNotify_OtherErrorNotRetried(t *testing.T) {
	n, client := newTestNotifier(t)
	client.postErrs = []error{errors.New("channel_not_found"), nil}

	assert.ErrorContains(t, n.Notify(context.Background(), alert.Message{Text: "x"}), "channel_not_found")
	assert.Equal(t, 0, client.postedCount())
}

func TestNotify_CancelledWhileWaiting(t *testing.T) {
	n, client := newTestNotifier(t)
	client.postErrs = []error{&slackapi.RateLimitedError{RetryAfter: time.Hour}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, n.Notify(ctx, alert.Message{Text: "x"}), context.Canceled)
}

func TestBuildMessageOptions_TextOnly(t *testing.T) {
	v := applied(t, buildMessageOptions(alert.Message{Text: "plain"}))
	assert.Equal(t, "plain", v["text"])
	assert.Empty(t, v["attachments"])
}

func TestBuildMessageOptions_WithEvents(t *testing.T) {
	v := applied(t, buildMessageOptions(alert.Message{
		Text: "Queue SLA: 1 in danger",
		Events: []alert.Event{{
			Title:  "Ada waiting 31m",
			Body:   "Session `s1` is in *danger*.",
			Color:  alert.ColorError,
			Fields: []alert.Field{{Name: "Priority", Value: "high", Short: true}},
		}},
	}))
	assert.Equal(t, "Queue SLA: 1 in danger", v["text"])
	assert.Contains(t, v["attachments"], "Ada waiting 31m")
	assert.Contains(t, v["attachments"], alert.ColorError)
	assert.Contains(t, v["attachments"], "Priority")
}

func TestEventToAttachment(t *testing.T) {
	att := eventToAttachment(alert.Event{
		Title: "Digest",
		Body:  "2 queued",
		Color: alert.ColorWarning,
		Fields: []alert.Field{
			{Name: "Safe", Value: "1", Short: true},
			{Name: "Oldest waiting", Value: "s1"},
		},
	})
	assert.Equal(t, "Digest", att.Title)
	assert.Equal(t, "Digest", att.Fallback)
	assert.Equal(t, "2 queued", att.Text)
	assert.Equal(t, alert.ColorWarning, att.Color)
	require.Len(t, att.Fields, 2)
	assert.True(t, att.Fields[0].Short)
	assert.False(t, att.Fields[1].Short)
}
