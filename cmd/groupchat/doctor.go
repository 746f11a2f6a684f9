package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"groupchat/internal/config"
	"groupchat/internal/domain"
	"groupchat/internal/memory"
	"groupchat/internal/session"
)

// doctorReport counts check outcomes.
type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-22s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-22s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-22s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your groupchat installation",
		Long: `Verifies that the configuration, providers, agents, database and
web port are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("groupchat doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r doctorReport

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'groupchat init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config load", err.Error())
				return r.summary()
			}
			if err := config.Validate(cfg); err != nil {
				r.fail("Config validation", err.Error())
			} else {
				r.pass("Config validation", "valid")
			}

			checkDatabase(cmd.Context(), &r, cfg)
			providers := checkProviders(&r, cfg)
			checkAgents(&r, cfg, providers)

			if cfg.Channels.Web.Enabled {
				if err := checkPort(cfg.Channels.Web.Host, cfg.Channels.Web.Port); err != nil {
					r.warn("Web port", fmt.Sprintf("port %d may be in use: %v", cfg.Channels.Web.Port, err))
				} else {
					r.pass("Web port", fmt.Sprintf("%s:%d available", cfg.Channels.Web.Host, cfg.Channels.Web.Port))
				}
			}
			if cfg.Channels.Telegram.Enabled && len(cfg.Channels.Telegram.AllowFrom) == 0 {
				r.warn("Telegram", "no allowFrom list; anyone can talk to the bot")
			}
			if cfg.Channels.Discord.Enabled && len(cfg.Channels.Discord.AllowFrom) == 0 {
				r.warn("Discord", "no allowFrom list; anyone in the channel can talk to the agents")
			}
			if cfg.Search.Enabled && cfg.Search.Provider == "brave" && cfg.Search.APIKey == "" {
				r.fail("Search", "brave needs search.apiKey")
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.summary()
		},
	}
}

func (r *doctorReport) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before starting groupchat.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\ngroupchat should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! Run 'groupchat serve' or 'groupchat chat'.\n")
	}
	return nil
}

// checkDatabase opens the store, which runs migrations, and reads it back.
func checkDatabase(ctx context.Context, r *doctorReport, cfg *config.Config) {
	if !cfg.Memory.Enabled {
		r.warn("Database", "memory disabled; sessions are lost on restart")
		return
	}
	st, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		r.fail("Database", err.Error())
		return
	}
	defer st.Close()
	snap, err := st.LoadAll(ctx)
	if err != nil {
		r.fail("Database", fmt.Sprintf("cannot read: %v", err))
		return
	}
	r.pass("Database", fmt.Sprintf("%s (%d sessions)", cfg.Memory.DBPath, sessionCount(snap)))
}

func checkProviders(r *doctorReport, cfg *config.Config) []domain.Provider {
	providers := cfg.DomainProviders()
	if len(providers) == 0 {
		r.fail("Providers", "no providers enabled")
		return nil
	}
	for _, p := range providers {
		name := "Provider: " + p.ID
		switch {
		case len(p.Models) == 0:
			r.warn(name, "no models listed")
		case p.Kind == domain.KindScripted || p.Kind == domain.KindOllama:
			r.pass(name, string(p.Kind))
		case p.APIKey == "" && p.BaseURL == "":
			r.warn(name, "enabled but no API key/base configured")
		default:
			r.pass(name, "configured")
		}
	}
	return providers
}

func checkAgents(r *doctorReport, cfg *config.Config, providers []domain.Provider) {
	agents, err := cfg.Roster(logger)
	if err != nil {
		r.fail("Agents", err.Error())
		return
	}
	if len(agents) == 0 {
		r.fail("Agents", fmt.Sprintf("none defined (add YAML files to %s)", cfg.AgentsDir))
		return
	}
	roster := session.NewRoster(nil, logger)
	roster.Load(agents, providers)
	ready := 0
	for _, a := range agents {
		if !a.Configured() {
			r.warn("Agent: "+a.ID, "no provider/model; it will never speak")
			continue
		}
		if _, _, _, err := roster.Resolve(a.ID); err != nil {
			r.fail("Agent: "+a.ID, err.Error())
			continue
		}
		ready++
	}
	if ready > 0 {
		r.pass("Agents", fmt.Sprintf("%d of %d ready", ready, len(agents)))
	}
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}

func sessionCount(snap *domain.Snapshot) int {
	if snap == nil {
		return 0
	}
	return len(snap.Sessions)
}
