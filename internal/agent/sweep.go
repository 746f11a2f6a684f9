package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"groupchat/internal/domain"
	"groupchat/internal/session"
)

const defaultSweepSpec = "@every 1m"

// SweepConfig configures the mute expiry sweep.
type SweepConfig struct {
	Sessions    *session.Store
	Roster      *session.Roster
	Logger      *slog.Logger
	Now         func() time.Time
	Spec        string // cron spec, default "@every 1m"
	ResetsYield bool
}

// MuteSweeper removes expired temporary mutes on a schedule.
type MuteSweeper struct {
	sessions    *session.Store
	roster      *session.Roster
	logger      *slog.Logger
	now         func() time.Time
	spec        string
	resetsYield bool
	cron        *cron.Cron
}

func NewMuteSweeper(cfg SweepConfig) *MuteSweeper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Spec == "" {
		cfg.Spec = defaultSweepSpec
	}
	return &MuteSweeper{
		sessions:    cfg.Sessions,
		roster:      cfg.Roster,
		logger:      cfg.Logger,
		now:         cfg.Now,
		spec:        cfg.Spec,
		resetsYield: cfg.ResetsYield,
	}
}

// Start sweeps once immediately, then on every tick of the schedule.
func (m *MuteSweeper) Start() error {
	m.Sweep()
	m.cron = cron.New()
	if _, err := m.cron.AddFunc(m.spec, func() { m.Sweep() }); err != nil {
		return fmt.Errorf("mute sweep schedule %q: %w", m.spec, err)
	}
	m.cron.Start()
	m.logger.Info("mute sweep started", "spec", m.spec)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (m *MuteSweeper) Stop(ctx context.Context) {
	if m.cron == nil {
		return
	}
	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep removes expired mutes from every session and posts one notice per
// session naming the agents released. Returns how many mutes were removed.
func (m *MuteSweeper) Sweep() int {
	now := m.now()
	total := 0
	for _, snap := range m.sessions.List() {
		if !slices.ContainsFunc(snap.MutedAgents, func(mi domain.MuteInfo) bool { return mi.Expired(now) }) {
			continue
		}

		var names []string
		_, err := m.sessions.Update(snap.ID, func(sess *domain.Session) error {
			names = names[:0]
			sess.MutedAgents = slices.DeleteFunc(sess.MutedAgents, func(mi domain.MuteInfo) bool {
				if !mi.Expired(now) {
					return false
				}
				name := mi.AgentID
				if a, ok := m.roster.Agent(mi.AgentID); ok {
					name = a.Name
				}
				names = append(names, name)
				return true
			})
			if len(names) == 0 {
				return nil
			}
			if m.resetsYield {
				sess.ClearYield()
			}
			sess.Messages = append(sess.Messages, systemMessage("🔔 禁言到期，已自动解除: "+strings.Join(names, "、"), now))
			return nil
		})
		if err != nil {
			m.logger.Warn("mute sweep failed", "session", snap.ID, "err", err)
			continue
		}
		if len(names) > 0 {
			m.logger.Info("mutes expired", "session", snap.ID, "agents", names)
			total += len(names)
		}
	}
	return total
}
