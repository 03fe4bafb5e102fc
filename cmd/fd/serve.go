package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zulandar/frontdesk/internal/alert"
	"github.com/zulandar/frontdesk/internal/config"
	"github.com/zulandar/frontdesk/internal/hub"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		noAlerts   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the support hub",
		Long: `Runs the organization hub: the REST API agents and customers talk to,
plus realtime delivery over websocket, SSE and long-poll.

Typing presence is kept in Redis when hub.redis.addr is set, session events
are published to Kafka when hub.kafka.brokers is set, and the SLA alert
watcher runs in-process when alerts.platform is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Hub.Port = port
			}
			return runServe(cmd, cfg, !noAlerts)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on (overrides hub.port)")
	cmd.Flags().BoolVar(&noAlerts, "no-alerts", false, "do not run the SLA alert watcher")
	return cmd
}

func runServe(cmd *cobra.Command, cfg *config.Config, alerts bool) error {
	out := cmd.OutOrStdout()
	ctx, cancel := signalContext(out)
	defer cancel()

	gormDB, err := migrate(cmd, cfg.Hub.Database)
	if err != nil {
		return err
	}

	opts := hub.Opts{
		DB:        gormDB,
		SLA:       slaPolicy(cfg),
		Port:      cfg.Hub.Port,
		Out:       out,
		Token:     cfg.Hub.Token,
		TypingTTL: cfg.TypingTTL(),
	}
	if opts.Presence, err = newPresence(ctx, cfg); err != nil {
		return err
	}
	if c, ok := opts.Presence.(interface{ Close() error }); ok {
		defer c.Close()
	}
	if opts.Publisher, err = newPublisher(cfg); err != nil {
		return err
	}

	srv, err := hub.New(opts)
	if err != nil {
		return err
	}

	if alerts && cfg.Alerts.Platform != "" {
		w, notifier, err := newWatcher(ctx, cfg, srv.Store())
		if err != nil {
			return err
		}
		defer notifier.Close()
		go func() {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("fd: alert watcher stopped")
			}
		}()
		fmt.Fprintf(out, "SLA alerts posting to %s %s\n", cfg.Alerts.Platform, cfg.Alerts.Channel)
	}

	return srv.Start(ctx)
}

func newPresence(ctx context.Context, cfg *config.Config) (hub.Presence, error) {
	if cfg.Hub.Redis.Addr == "" {
		return hub.NewMemoryPresence(cfg.TypingTTL(), time.Now), nil
	}
	p, err := hub.NewRedisPresence(ctx, &redis.Options{
		Addr:     cfg.Hub.Redis.Addr,
		Password: cfg.Hub.Redis.Password,
		DB:       cfg.Hub.Redis.DB,
	}, cfg.TypingTTL())
	if err != nil {
		return nil, err
	}
	log.Info().Str("addr", cfg.Hub.Redis.Addr).Msg("fd: typing presence in redis")
	return p, nil
}

func newPublisher(cfg *config.Config) (hub.Publisher, error) {
	if len(cfg.Hub.Kafka.Brokers) == 0 {
		return hub.NopPublisher{}, nil
	}
	p, err := hub.NewKafkaPublisher(cfg.Hub.Kafka.Brokers, cfg.Hub.Kafka.Topic)
	if err != nil {
		return nil, err
	}
	log.Info().Strs("brokers", cfg.Hub.Kafka.Brokers).Str("topic", cfg.Hub.Kafka.Topic).Msg("fd: publishing session events")
	return p, nil
}

// newWatcher builds the SLA watcher and the notifier it posts through.
func newWatcher(ctx context.Context, cfg *config.Config, src alert.Source) (*alert.Watcher, alert.Notifier, error) {
	notifier, err := newNotifier(ctx, cfg.Alerts)
	if err != nil {
		return nil, nil, err
	}
	w, err := alert.NewWatcher(alert.WatcherOpts{
		Source:        src,
		Notifier:      notifier,
		Channel:       cfg.Alerts.Channel,
		Policy:        slaPolicy(cfg),
		SweepInterval: time.Duration(cfg.Alerts.SweepInterval) * time.Second,
		DigestCron:    cfg.Alerts.DigestCron,
	})
	if err != nil {
		notifier.Close()
		return nil, nil, err
	}
	return w, notifier, nil
}
