// Package discord posts alert messages to a Discord channel as embeds.
package discord

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"github.com/zulandar/frontdesk/internal/alert"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// maxEmbeds is Discord's per-message embed limit.
	maxEmbeds = 10
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Close() error
}

// Notifier implements alert.Notifier for Discord.
type Notifier struct {
	session     session
	channelID   string
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// Opts holds parameters for creating a Discord Notifier.
type Opts struct {
	BotToken  string
	ChannelID string // default channel
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Discord Notifier.
func New(opts Opts) (*Notifier, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	n := &Notifier{
		session:     opts.Session,
		channelID:   opts.ChannelID,
		baseBackoff: time.Second,
		maxBackoff:  30 * time.Second,
	}
	if n.session == nil {
		dg, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		n.session = dg
	}
	return n, nil
}

// Notify posts msg, splitting it when it carries more embeds than one
// Discord message allows.
func (n *Notifier) Notify(ctx context.Context, msg alert.Message) error {
	channel := msg.Channel
	if channel == "" {
		channel = n.channelID
	}
	if channel == "" {
		return fmt.Errorf("discord: no channel specified")
	}
	for _, data := range buildMessageSends(msg) {
		err := n.retryOnRateLimit(ctx, func() error {
			_, err := n.session.ChannelMessageSendComplex(channel, data, discordgo.WithContext(ctx))
			return err
		})
		if err != nil {
			return fmt.Errorf("discord: send message: %w", err)
		}
	}
	return nil
}

// Close releases the session.
func (n *Notifier) Close() error {
	return n.session.Close()
}

// buildMessageSends converts an alert message into one or more Discord
// messages. The text goes on the first.
func buildMessageSends(msg alert.Message) []*discordgo.MessageSend {
	first := &discordgo.MessageSend{Content: msg.Text}
	out := []*discordgo.MessageSend{first}
	cur := first
	for _, evt := range msg.Events {
		if len(cur.Embeds) == maxEmbeds {
			cur = &discordgo.MessageSend{}
			out = append(out, cur)
		}
		cur.Embeds = append(cur.Embeds, eventToEmbed(evt))
	}
	return out
}

func eventToEmbed(evt alert.Event) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       evt.Title,
		Description: evt.Body,
	}
	if evt.Color != "" {
		embed.Color = parseHexColor(evt.Color)
	}
	for _, f := range evt.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}
	return embed
}

// parseHexColor converts "#rrggbb" to the integer Discord expects. Invalid
// digits are skipped.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'a' && c <= 'f':
			v = int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v = int(c-'A') + 10
		default:
			continue
		}
		color = color<<4 | v
	}
	return color
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// 429 responses. It respects context cancellation.
func (n *Notifier) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil ||
			restErr.Response.StatusCode != http.StatusTooManyRequests || attempt == maxRetries {
			return err
		}
		wait := time.Duration(math.Pow(2, float64(attempt))) * n.baseBackoff
		if wait > n.maxBackoff {
			wait = n.maxBackoff
		}
		log.Warn().Int("attempt", attempt+1).Dur("wait", wait).Msg("discord: rate limited")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
