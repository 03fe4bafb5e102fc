package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/frontdesk/internal/alert"
	"github.com/zulandar/frontdesk/internal/alert/discord"
	"github.com/zulandar/frontdesk/internal/alert/slack"
	"github.com/zulandar/frontdesk/internal/config"
	"github.com/zulandar/frontdesk/internal/db"
	"github.com/zulandar/frontdesk/internal/hub"
)

func newAlertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Queue SLA alerts and digests",
		Long: `Watches the support queue and posts to Slack or Discord when a waiting
customer crosses the warning or danger threshold. Without alerts.platform
the alerts go to the log.`,
	}

	cmd.AddCommand(newAlertsRunCmd())
	cmd.AddCommand(newAlertsCheckCmd())
	cmd.AddCommand(newAlertsDigestCmd())
	return cmd
}

func newAlertsRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the SLA watcher against the hub database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.OutOrStdout())
			defer cancel()

			store, err := openHubStore(cfg)
			if err != nil {
				return err
			}
			w, notifier, err := newWatcher(ctx, cfg, store)
			if err != nil {
				return err
			}
			defer notifier.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Watching queue every %ds (Ctrl+C to stop)\n", cfg.Alerts.SweepInterval)
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newAlertsCheckCmd() *cobra.Command {
	var (
		configPath string
		post       bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Sweep the queue once and list sessions over their SLA",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			store, err := openHubStore(cfg)
			if err != nil {
				return err
			}
			return runAlertsCheck(cmd, cfg, store, post)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&post, "post", false, "also post the breaches to the configured channel")
	return cmd
}

func runAlertsCheck(cmd *cobra.Command, cfg *config.Config, src alert.Source, post bool) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	w, notifier, err := newWatcher(ctx, cfg, src)
	if err != nil {
		return err
	}
	defer notifier.Close()

	breaches, err := w.Sweep(ctx)
	if err != nil {
		return err
	}
	printBreaches(cmd.OutOrStdout(), breaches)
	if post && len(breaches) > 0 {
		msg := alert.FormatBreaches(breaches)
		msg.Channel = cfg.Alerts.Channel
		if err := notifier.Notify(ctx, msg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Posted %d breaches\n", len(breaches))
	}
	return nil
}

func newAlertsDigestCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Post a queue digest now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			store, err := openHubStore(cfg)
			if err != nil {
				return err
			}
			ctx := context.Background()
			w, notifier, err := newWatcher(ctx, cfg, store)
			if err != nil {
				return err
			}
			defer notifier.Close()
			if err := w.Digest(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Digest posted")
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

// newNotifier picks the notifier for the configured platform.
func newNotifier(ctx context.Context, cfg config.AlertsConfig) (alert.Notifier, error) {
	switch cfg.Platform {
	case "slack":
		n, err := slack.New(slack.Opts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Channel})
		if err != nil {
			return nil, err
		}
		if err := n.Check(ctx); err != nil {
			return nil, err
		}
		return n, nil
	case "discord":
		return discord.New(discord.Opts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Channel})
	default:
		return alert.LogNotifier{}, nil
	}
}

func openHubStore(cfg *config.Config) (*hub.Store, error) {
	gormDB, err := db.Open(cfg.Hub.Database)
	if err != nil {
		return nil, err
	}
	return hub.NewStore(gormDB, time.Now)
}
