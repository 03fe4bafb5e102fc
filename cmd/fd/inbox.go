package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zulandar/frontdesk/internal/api"
	"github.com/zulandar/frontdesk/internal/config"
	"github.com/zulandar/frontdesk/internal/desk"
	"github.com/zulandar/frontdesk/internal/inbox"
	"github.com/zulandar/frontdesk/internal/realtime"
	"github.com/zulandar/frontdesk/internal/retry"
)

func newInboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Work the support inbox as an agent",
		Long: `Agent commands against the hub. The agent identity and API location come
from the agent and api sections of the config file.`,
	}

	cmd.AddCommand(newInboxListCmd())
	cmd.AddCommand(newInboxWatchCmd())
	cmd.AddCommand(newInboxShowCmd())
	cmd.AddCommand(newInboxAssignCmd())
	cmd.AddCommand(newInboxSendCmd())
	cmd.AddCommand(newInboxTransferCmd())
	cmd.AddCommand(newInboxEndCmd())
	cmd.AddCommand(newInboxWaitCmd())
	cmd.AddCommand(newInboxOpenCmd())
	cmd.AddCommand(newInboxStatsCmd())
	return cmd
}

// newClient builds the REST client for the configured agent.
func newClient(cfg *config.Config) (*api.Client, error) {
	return api.New(api.Options{
		BaseURL:   cfg.API.BaseURL,
		AgentID:   cfg.Agent.ID,
		Token:     cfg.Agent.Token,
		Timeout:   cfg.APITimeout(),
		RateLimit: cfg.API.RateLimit,
	})
}

// newDesk wires a controller to the hub over the configured transport.
func newDesk(cfg *config.Config) (*desk.Controller, *api.Client, error) {
	if err := cfg.RequireAgent(); err != nil {
		return nil, nil, err
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, nil, err
	}

	var transport realtime.Transport
	switch cfg.Realtime.Transport {
	case "poll":
		transport = &realtime.PollTransport{
			Source: client,
			Idle:   time.Duration(cfg.Realtime.PollIntervalSec) * time.Second,
		}
	default:
		transport = &realtime.WebSocketTransport{
			URL:     cfg.Realtime.URL,
			AgentID: cfg.Agent.ID,
			Token:   cfg.Agent.Token,
		}
	}

	backoff := retry.DefaultConfig()
	backoff.BaseDelay = time.Duration(cfg.Realtime.BackoffBaseMs) * time.Millisecond
	backoff.MaxDelay = time.Duration(cfg.Realtime.BackoffMaxMs) * time.Millisecond
	adapter, err := realtime.NewAdapter(realtime.Options{
		Transport:     transport,
		ParticipantID: cfg.Agent.ID,
		Backoff:       backoff,
		TypingTTL:     cfg.TypingTTL(),
		TypingRate:    cfg.Typing.MaxPerSec,
	})
	if err != nil {
		return nil, nil, err
	}

	c, err := desk.New(desk.Options{
		Identity:       desk.Identity{AgentID: cfg.Agent.ID, Name: cfg.Agent.Name},
		API:            client,
		Channel:        adapter,
		SLA:            slaPolicy(cfg),
		Timeout:        cfg.APITimeout(),
		TypingDebounce: cfg.TypingDebounce(),
		MaxSendRetries: cfg.API.MaxSendRetries,
	})
	if err != nil {
		return nil, nil, err
	}
	return c, client, nil
}

// withDesk loads config, starts a controller, runs fn and closes it.
func withDesk(cmd *cobra.Command, configPath string, fn func(ctx context.Context, c *desk.Controller) error) error {
	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	c, _, err := newDesk(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := signalContext(cmd.ErrOrStderr())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		return explain(err)
	}
	return explain(fn(ctx, c))
}

// explain turns a desk error into the message an agent should see.
func explain(err error) error {
	if err == nil {
		return nil
	}
	log.Debug().Err(err).Msg("fd: inbox action failed")
	return errors.New(desk.UserMessage(err))
}

func newInboxListCmd() *cobra.Command {
	var (
		configPath string
		f          inbox.Filter
		tab        string
		status     string
		priority   string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Tab = inbox.Tab(tab)
			f.Status = inbox.Status(status)
			f.Priority = inbox.Priority(priority)
			return withDesk(cmd, configPath, func(ctx context.Context, c *desk.Controller) error {
				c.SetFilter(f)
				out := cmd.OutOrStdout()
				printCounts(out, c.Counts())
				printSessions(out, c.FilteredSessions(), c.SLAPolicy(), time.Now())
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	addFilterFlags(cmd, &f, &tab, &status, &priority)
	return cmd
}

func addFilterFlags(cmd *cobra.Command, f *inbox.Filter, tab, status, priority *string) {
	cmd.Flags().StringVarP(tab, "tab", "t", string(inbox.TabAll), "all, mine, queue or closed")
	cmd.Flags().StringVarP(&f.Text, "search", "s", "", "match customer name, email or last message")
	cmd.Flags().StringVar(status, "status", "", "pending, active, waiting or ended")
	cmd.Flags().StringVar(priority, "priority", "", "high, medium or low")
	cmd.Flags().StringVar(&f.Tag, "tag", "", "only sessions carrying this tag")
}

func newInboxWatchCmd() *cobra.Command {
	var (
		configPath string
		f          inbox.Filter
		tab        string
		status     string
		priority   string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the inbox live",
		Long:  "Prints the inbox, then one line per change as sessions arrive, move or close. Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Tab = inbox.Tab(tab)
			f.Status = inbox.Status(status)
			f.Priority = inbox.Priority(priority)
			return withDesk(cmd, configPath, func(ctx context.Context, c *desk.Controller) error {
				c.SetFilter(f)
				return runWatch(ctx, cmd.OutOrStdout(), c)
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	addFilterFlags(cmd, &f, &tab, &status, &priority)
	return cmd
}

// runWatch prints the filtered inbox and then every change to it until ctx
// is cancelled.
func runWatch(ctx context.Context, out io.Writer, c *desk.Controller) error {
	changed := make(chan struct{}, 1)
	notices := make(chan desk.Notice, 16)
	c.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	c.OnNotice(func(n desk.Notice) {
		select {
		case notices <- n:
		default:
		}
	})

	fmt.Fprintf(out, "Watching inbox for %s... (Ctrl+C to stop)\n", c.Identity().AgentID)
	printCounts(out, c.Counts())
	prev := c.FilteredSessions()
	printSessions(out, prev, c.SLAPolicy(), time.Now())
	lastConn := c.ConnectionStatus()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-notices:
			fmt.Fprintf(out, "%s ! %s\n", n.At.Local().Format("15:04:05"), noticeText(n))
		case <-changed:
			if conn := c.ConnectionStatus(); conn != lastConn {
				fmt.Fprintf(out, "%s connection %s\n", time.Now().Format("15:04:05"), conn)
				lastConn = conn
			}
			next := c.FilteredSessions()
			for _, line := range diffSessions(prev, next) {
				fmt.Fprintf(out, "%s %s\n", time.Now().Format("15:04:05"), line)
			}
			prev = next
		}
	}
}

func noticeText(n desk.Notice) string {
	if n.Text != "" {
		return n.Text
	}
	if n.Err != nil {
		return desk.UserMessage(n.Err)
	}
	return string(n.Action)
}

// diffSessions describes what changed between two filtered views.
func diffSessions(prev, next []inbox.Session) []string {
	old := make(map[string]inbox.Session, len(prev))
	for _, s := range prev {
		old[s.ID] = s
	}
	var lines []string
	seen := make(map[string]bool, len(next))
	for _, s := range next {
		seen[s.ID] = true
		was, ok := old[s.ID]
		switch {
		case !ok:
			lines = append(lines, fmt.Sprintf("+ %s %s (%s, %s) %s", s.ID, customerLabel(s.Customer), s.Status, s.Priority, truncate(s.LastMessage.Preview, 40)))
		case was.Status != s.Status || was.AssignedAgentID != s.AssignedAgentID:
			lines = append(lines, fmt.Sprintf("~ %s %s → %s %s", s.ID, was.Status, s.Status, dash(s.AssignedAgentID)))
		case s.LastMessage.At.After(was.LastMessage.At):
			lines = append(lines, fmt.Sprintf("> %s %s: %s", s.ID, customerLabel(s.Customer), truncate(s.LastMessage.Preview, 60)))
		}
	}
	for _, s := range prev {
		if !seen[s.ID] {
			lines = append(lines, fmt.Sprintf("- %s %s", s.ID, customerLabel(s.Customer)))
		}
	}
	return lines
}

func newInboxShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDesk(cmd, configPath, func(ctx context.Context, c *desk.Controller) error {
				id := args[0]
				if err := c.Select(ctx, id); err != nil {
					return err
				}
				s, _ := c.Store().Get(id)
				printThread(cmd.OutOrStdout(), s, c.Store().Messages(id))
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newInboxAssignCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "assign <session-id>",
		Short: "Claim a pending session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDesk(cmd, configPath, func(ctx context.Context, c *desk.Controller) error {
				if err := c.Assign(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Assigned %s to %s\n", args[0], c.Identity().AgentID)
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newInboxSendCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "send <session-id> <message...>",
		Short: "Reply to a session you hold",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDesk(cmd, configPath, func(ctx context.Context, c *desk.Controller) error {
				m, err := c.SendMessage(ctx, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", m.ID)
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newInboxTransferCmd() *cobra.Command {
	var (
		configPath string
		to         string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "transfer <session-id>",
		Short: "Hand a session to another agent or back to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDesk(cmd, configPath, func(ctx context.Context, c *desk.Controller) error {
				if err := c.TransferSession(ctx, args[0], to, reason); err != nil {
					return err
				}
				target := to
				if target == "" {
					target = "the queue"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Transferred %s to %s\n", args[0], target)
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&to, "to", "", "target agent id (empty returns the session to the queue)")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "why the session is being transferred")
	return cmd
}

func newInboxEndCmd() *cobra.Command {
	var (
		configPath string
		category   string
		summary    string
		rating     int
	)

	cmd := &cobra.Command{
		Use:   "end <session-id>",
		Short: "Close a session with a wrap-up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := inbox.WrapUp{Category: category, Summary: summary}
			if cmd.Flags().Changed("rating") {
				w.Rating = &rating
			}
			return withDesk(cmd, configPath, func(ctx context.Context, c *desk.Controller) error {
				if err := c.EndSession(ctx, args[0], w); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Ended %s\n", args[0])
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&category, "category", "", "wrap-up category")
	cmd.Flags().StringVar(&summary, "summary", "", "wrap-up summary")
	cmd.Flags().IntVar(&rating, "rating", 0, "satisfaction rating 1-5")
	return cmd
}

func newInboxWaitCmd() *cobra.Command {
	var (
		configPath string
		resume     bool
	)

	cmd := &cobra.Command{
		Use:   "wait <session-id>",
		Short: "Park a session as waiting on the customer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDesk(cmd, configPath, func(ctx context.Context, c *desk.Controller) error {
				if err := c.SetWaiting(ctx, args[0], !resume); err != nil {
					return err
				}
				state := inbox.StatusWaiting
				if resume {
					state = inbox.StatusActive
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], state)
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&resume, "resume", false, "move a waiting session back to active")
	return cmd
}

func newInboxOpenCmd() *cobra.Command {
	var (
		configPath string
		req        api.OpenRequest
	)

	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a session as a customer (for testing)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			s, err := client.OpenSession(context.Background(), req)
			if err != nil {
				return explain(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Opened %s for %s\n", s.ID, customerLabel(s.Customer))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&req.CustomerName, "name", "", "customer name")
	cmd.Flags().StringVar(&req.CustomerEmail, "email", "", "customer email")
	cmd.Flags().StringVar(&req.Priority, "priority", "medium", "high, medium or low")
	cmd.Flags().StringVar(&req.Category, "category", "", "session category")
	cmd.Flags().StringSliceVar(&req.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVarP(&req.Body, "message", "m", "", "first customer message")
	return cmd
}

func newInboxStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			a, err := client.Analytics(context.Background())
			if err != nil {
				return explain(err)
			}
			printStats(cmd.OutOrStdout(), a.ByStatus, a.BySLA, a.Agents,
				time.Duration(a.AvgWaitSeconds*float64(time.Second)), a.OldestWaiting)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
