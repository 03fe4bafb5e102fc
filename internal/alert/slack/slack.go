// Package slack posts alert messages to a Slack channel.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	slackapi "github.com/slack-go/slack"

	"github.com/zulandar/frontdesk/internal/alert"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Notifier implements alert.Notifier for Slack.
type Notifier struct {
	client      slackClient
	channelID   string
	baseBackoff time.Duration
}

// Opts holds parameters for creating a Slack Notifier.
type Opts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string // default channel
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Slack Notifier.
func New(opts Opts) (*Notifier, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	n := &Notifier{
		client:      opts.Client,
		channelID:   opts.ChannelID,
		baseBackoff: time.Second,
	}
	if n.client == nil {
		n.client = slackapi.New(opts.BotToken)
	}
	return n, nil
}

// Check verifies the bot token.
func (n *Notifier) Check(ctx context.Context) error {
	resp, err := n.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	log.Debug().Str("user", resp.UserID).Str("team", resp.Team).Msg("slack: authenticated")
	return nil
}

// Notify posts msg, retrying on rate limits.
func (n *Notifier) Notify(ctx context.Context, msg alert.Message) error {
	channel := msg.Channel
	if channel == "" {
		channel = n.channelID
	}
	if channel == "" {
		return fmt.Errorf("slack: no channel specified")
	}
	options := buildMessageOptions(msg)
	return n.retryOnRateLimit(ctx, func() error {
		_, _, err := n.client.PostMessageContext(ctx, channel, options...)
		if err != nil {
			return fmt.Errorf("slack: post message: %w", err)
		}
		return nil
	})
}

// Close is a no-op; the Web API client holds no connection.
func (n *Notifier) Close() error { return nil }

// buildMessageOptions converts an alert message into Slack message options.
func buildMessageOptions(msg alert.Message) []slackapi.MsgOption {
	var options []slackapi.MsgOption
	if len(msg.Events) > 0 {
		attachments := make([]slackapi.Attachment, 0, len(msg.Events))
		for _, evt := range msg.Events {
			attachments = append(attachments, eventToAttachment(evt))
		}
		options = append(options, slackapi.MsgOptionAttachments(attachments...))
	}
	if msg.Text != "" || len(msg.Events) == 0 {
		options = append(options, slackapi.MsgOptionText(msg.Text, false))
	}
	return options
}

func eventToAttachment(evt alert.Event) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:      evt.Title,
		Text:       evt.Body,
		Color:      evt.Color,
		Fallback:   evt.Title,
		MarkdownIn: []string{"text"},
	}
	for _, f := range evt.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	return att
}

// retryOnRateLimit calls fn and retries on Slack rate limit errors, waiting
// the RetryAfter Slack asks for when it gives one.
func (n *Notifier) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * n.baseBackoff
		}
		log.Warn().Int("attempt", attempt+1).Dur("wait", wait).Msg("slack: rate limited")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
