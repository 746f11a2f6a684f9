package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"groupchat/internal/channel"
	"groupchat/internal/config"
	"groupchat/internal/domain"
	"groupchat/internal/session"
)

// offlineState is the persisted state read without starting the scheduler.
type offlineState struct {
	cfg    *config.Config
	snap   *domain.Snapshot
	roster *session.Roster
	usage  func(ctx context.Context, sessionID string) ([]domain.AgentUsage, error)
	close  func()
}

func loadOffline(ctx context.Context) (*offlineState, error) {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return nil, err
	}
	st := &offlineState{cfg: cfg, snap: &domain.Snapshot{}, close: closeLog}

	store, err := openStore(cfg)
	if err != nil {
		closeLog()
		return nil, err
	}
	if store != nil {
		snap, err := store.LoadAll(ctx)
		if err != nil {
			store.Close()
			closeLog()
			return nil, fmt.Errorf("load state: %w", err)
		}
		if snap != nil {
			st.snap = snap
		}
		st.usage = store.UsageByAgent
		st.close = func() {
			store.Close()
			closeLog()
		}
	}

	agents, err := cfg.Roster(logger)
	if err != nil {
		st.close()
		return nil, err
	}
	st.roster = session.NewRoster(nil, logger)
	st.roster.Load(
		mergeByID(agents, st.snap.Agents, func(a domain.Agent) string { return a.ID }),
		mergeByID(cfg.DomainProviders(), st.snap.Providers, func(p domain.Provider) string { return p.ID }),
	)
	return st, nil
}

// findSession returns the session with id, or the most recent one.
func (st *offlineState) findSession(id string) (*domain.Session, error) {
	sessions := st.snap.Sessions
	if len(sessions) == 0 {
		return nil, fmt.Errorf("%w: no sessions yet", domain.ErrSessionNotFound)
	}
	if id == "" {
		latest := &sessions[0]
		for i := range sessions {
			if sessions[i].UpdatedAt > latest.UpdatedAt {
				latest = &sessions[i]
			}
		}
		return latest, nil
	}
	for i := range sessions {
		if sessions[i].ID == id {
			return &sessions[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
}

func statusCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show providers, agents, sessions and usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := loadOffline(ctx)
			if err != nil {
				return err
			}
			defer st.close()

			fmt.Printf("groupchat %s  (config: %s)\n\n", version, resolveConfigPath())

			settings := st.cfg.Scheduler.Settings()
			if st.snap.Settings != nil {
				settings = *st.snap.Settings
			}
			fmt.Printf("Settings: autoplay=%v concurrency=%v breathing=%dms timeout=%.0fs\n\n",
				settings.Autoplay, settings.Concurrency, settings.BreathingTimeMs, settings.TurnTimeoutSeconds)

			fmt.Println("Providers:")
			for _, p := range st.roster.Providers() {
				fmt.Printf("  %-12s %-10s %d model(s)\n", p.ID, p.Kind, len(p.Models))
			}

			fmt.Println("\nAgents:")
			for _, a := range st.roster.Agents() {
				state := "ok"
				switch {
				case !a.Configured():
					state = "not configured"
				case !a.Active():
					state = "inactive"
				}
				if _, _, _, err := st.roster.Resolve(a.ID); a.Configured() && err != nil {
					state = err.Error()
				}
				fmt.Printf("  %-12s %-10s %-8s %s/%s  %s\n", a.ID, a.Name, a.Role, a.ProviderID, a.ModelID, state)
			}

			fmt.Println("\nSessions:")
			if len(st.snap.Sessions) == 0 {
				fmt.Println("  (none)")
			}
			for _, s := range st.snap.Sessions {
				fmt.Printf("  %-24s %-16s %4d msgs  $%.4f  %s\n", s.ID, s.Name, s.MessageCount(), s.TotalCost,
					time.UnixMilli(s.UpdatedAt).Format("2006-01-02 15:04"))
			}

			if sessionID == "" {
				return nil
			}
			if st.usage == nil {
				return fmt.Errorf("usage ledger needs memory.enabled")
			}
			rows, err := st.usage(ctx, sessionID)
			if err != nil {
				return err
			}
			fmt.Printf("\nUsage in %s:\n", sessionID)
			for _, r := range rows {
				fmt.Printf("  %-12s turns=%-4d passes=%-4d in=%-7d out=%-7d $%.4f\n",
					r.AgentID, r.Turns, r.Passes, r.Input, r.Output, r.Cost)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "also show per-agent usage for this session")
	return cmd
}

func transcriptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transcript [session-id]",
		Short: "Print a session transcript (default: most recent session)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := loadOffline(cmd.Context())
			if err != nil {
				return err
			}
			defer st.close()

			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			sess, err := st.findSession(id)
			if err != nil {
				return err
			}
			fmt.Print(channel.NewRenderer(st.roster, st.cfg.General.HumanName).Transcript(sess))
			return nil
		},
	}
}
