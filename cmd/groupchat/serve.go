package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"groupchat/internal/channel"
	"groupchat/internal/config"
	"groupchat/internal/domain"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the web UI (and chat-app mirrors if enabled)",
		Long:  "Starts the turn scheduler, the web UI with live updates and, when configured, the Telegram and Discord mirrors. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	if err := rt.start(ctx); err != nil {
		rt.shutdown()
		return err
	}

	started := 0
	if cfg.Channels.Web.Enabled {
		startChannel(ctx, rt, newWebChannel(rt, cfg))
		started++
	}
	if cfg.Channels.Telegram.Enabled {
		startChannel(ctx, rt, channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			SessionID: cfg.Channels.Telegram.SessionID,
			Sessions:  rt.sessions,
			Roster:    rt.roster,
			Events:    rt.events,
			Logger:    logger,
		}))
		started++
		logger.Info("telegram channel enabled")
	}
	if dc := cfg.Channels.Discord; dc.Enabled {
		startChannel(ctx, rt, channel.NewDiscord(channel.DiscordConfig{
			Token:     dc.Token,
			GuildID:   dc.GuildID,
			ChannelID: dc.ChannelID,
			AllowFrom: dc.AllowFrom,
			SessionID: dc.SessionID,
			Sessions:  rt.sessions,
			Roster:    rt.roster,
			Events:    rt.events,
			Logger:    logger,
		}))
		started++
		logger.Info("discord channel enabled")
	}
	if started == 0 {
		logger.Warn("no channels enabled; enable channels.web, channels.telegram or channels.discord")
	}

	logger.Info("groupchat running. Press Ctrl+C to stop.", "version", version)
	<-ctx.Done()
	logger.Info("shutting down...")

	if err := rt.shutdown(); err != nil {
		logger.Warn("shutdown incomplete", "err", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func newWebChannel(rt *app, cfg *config.Config) *channel.Web {
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Endpoint
	}
	wc := channel.WebConfig{
		Host:        cfg.Channels.Web.Host,
		Port:        cfg.Channels.Web.Port,
		Scheduler:   rt.sched,
		Sessions:    rt.sessions,
		Roster:      rt.roster,
		Events:      rt.events,
		Config:      cfg,
		ConfigPath:  resolveConfigPath(),
		MetricsPath: metricsPath,
		Version:     version,
		Logger:      logger,
	}
	if rt.store != nil {
		wc.Usage = rt.store
	}
	return channel.NewWeb(wc)
}

func startChannel(ctx context.Context, rt *app, ch domain.Channel) {
	go func() {
		if err := ch.Start(ctx, rt.inbound); err != nil {
			logger.Error("channel error", "channel", ch.Name(), "err", err)
		}
	}()
}

func chatCmd() *cobra.Command {
	var (
		sessionID string
		withWeb   bool
		autoplay  bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agents in the terminal",
		Long:  "Joins a session from the terminal. Without --session the most recent session is used, or a new one is created.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.shutdown()

			id, err := rt.ensureSession(sessionID)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("auto") {
				rt.sched.UpdateSettings(ctx, func(st *domain.Settings) { st.Autoplay = autoplay })
			}
			if err := rt.start(ctx); err != nil {
				return err
			}
			if withWeb {
				startChannel(ctx, rt, newWebChannel(rt, cfg))
			}

			cli := channel.NewCLI(channel.CLIConfig{
				SessionID: id,
				Events:    rt.events,
				Renderer:  channel.NewRenderer(rt.roster, cfg.General.HumanName),
				Logger:    logger,
				Plain:     !term.IsTerminal(int(os.Stdout.Fd())),
			})
			err = cli.Start(ctx, rt.inbound)
			stop()
			return err
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id to join")
	cmd.Flags().BoolVar(&withWeb, "web", false, "also serve the web UI")
	cmd.Flags().BoolVar(&autoplay, "auto", false, "turn autoplay on or off for this run")
	return cmd
}
