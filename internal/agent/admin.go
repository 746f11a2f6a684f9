package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"groupchat/internal/domain"
	"groupchat/internal/metrics"
	"groupchat/internal/protocol"
	"groupchat/internal/session"
)

// AdminConfig configures the moderation executor.
type AdminConfig struct {
	Sessions    *session.Store
	Roster      *session.Roster
	Logger      *slog.Logger
	Now         func() time.Time
	ResetsYield bool     // mute and unmute clear the yielded set
	HumanNames  []string // names that refer to the human participant
}

// AdminExecutor applies moderation commands to a session.
type AdminExecutor struct {
	sessions    *session.Store
	roster      *session.Roster
	logger      *slog.Logger
	now         func() time.Time
	resetsYield bool
	humanNames  []string
}

// AdminOutcome describes what an action did. Notice is the system message
// posted, if any.
type AdminOutcome struct {
	Applied bool
	Notice  string
}

// ErrMuteRefused is returned for admins and the human, who cannot be muted.
var ErrMuteRefused = errors.New("mute refused")

func NewAdminExecutor(cfg AdminConfig) *AdminExecutor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.HumanNames) == 0 {
		cfg.HumanNames = []string{"user", "用户", "我", "群主"}
	}
	return &AdminExecutor{
		sessions:    cfg.Sessions,
		roster:      cfg.Roster,
		logger:      cfg.Logger,
		now:         cfg.Now,
		resetsYield: cfg.ResetsYield,
		humanNames:  cfg.HumanNames,
	}
}

// Apply runs an action issued by actor. The actor must be an admin, either by
// role or through the session's admin list.
func (e *AdminExecutor) Apply(sessionID string, actor domain.Agent, act domain.AdminAction) (AdminOutcome, error) {
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return AdminOutcome{}, err
	}
	if !isSessionAdmin(sess, actor) {
		return AdminOutcome{}, fmt.Errorf("%w: %s is not an admin", domain.ErrPermission, actor.Name)
	}

	var out AdminOutcome
	switch act.Kind {
	case domain.ActionMute:
		target, rerr := e.resolveTarget(sess, act.Target)
		if rerr != nil {
			err = rerr
			break
		}
		out, err = e.mute(sessionID, target, act.Duration, act.Permanent, actor.ID, actor.Name)
	case domain.ActionUnmute:
		target, rerr := e.resolveTarget(sess, act.Target)
		if rerr != nil {
			err = rerr
			break
		}
		out, err = e.unmute(sessionID, target, actor.Name)
	case domain.ActionNote:
		out, err = e.addNote(sessionID, actor, act.Text)
	case domain.ActionDelNote:
		out, err = e.deleteNotes(sessionID, actor, act.Target)
	case domain.ActionClearNotes:
		out, err = e.clearNotes(sessionID, actor)
	default:
		err = fmt.Errorf("unknown admin action %q", act.Kind)
	}

	if err != nil {
		e.logger.Info("admin action refused", "session", sessionID, "agent", actor.ID, "action", act.Kind, "err", err)
		return out, err
	}
	if out.Applied {
		metrics.AdminActions.Inc()
	}
	e.logger.Info("admin action", "session", sessionID, "agent", actor.ID, "action", act.Kind, "applied", out.Applied)
	return out, nil
}

// MuteAgent is the human-facing mute. The same target rules apply.
func (e *AdminExecutor) MuteAgent(sessionID, agentID string, d time.Duration, permanent bool) (AdminOutcome, error) {
	target, ok := e.roster.Agent(agentID)
	if !ok {
		return AdminOutcome{}, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agentID)
	}
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return AdminOutcome{}, err
	}
	if !sess.HasMember(target.ID) {
		return AdminOutcome{}, fmt.Errorf("%w: %s is not in this session", domain.ErrAgentNotFound, target.Name)
	}
	if isSessionAdmin(sess, target) {
		return AdminOutcome{}, fmt.Errorf("%w: %s is an admin", ErrMuteRefused, target.Name)
	}
	return e.mute(sessionID, target, d, permanent, domain.HumanUserID, "用户")
}

// UnmuteAgent is the human-facing unmute.
func (e *AdminExecutor) UnmuteAgent(sessionID, agentID string) (AdminOutcome, error) {
	target, ok := e.roster.Agent(agentID)
	if !ok {
		return AdminOutcome{}, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agentID)
	}
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return AdminOutcome{}, err
	}
	if !sess.HasMember(target.ID) {
		return AdminOutcome{}, fmt.Errorf("%w: %s is not in this session", domain.ErrAgentNotFound, target.Name)
	}
	return e.unmute(sessionID, target, "用户")
}

func isSessionAdmin(sess *domain.Session, a domain.Agent) bool {
	return a.IsAdmin() || slices.Contains(sess.AdminIDs, a.ID)
}

// resolveTarget maps a free-form name to a mutable agent.
func (e *AdminExecutor) resolveTarget(sess *domain.Session, name string) (domain.Agent, error) {
	clean := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(name), "@"))
	for _, h := range e.humanNames {
		if strings.EqualFold(clean, h) {
			return domain.Agent{}, fmt.Errorf("%w: cannot target the human", ErrMuteRefused)
		}
	}
	target, ok := session.FindAgent(e.roster.Members(sess), clean)
	if !ok {
		target, ok = session.FindAgent(e.roster.Agents(), clean)
	}
	if !ok {
		return domain.Agent{}, fmt.Errorf("%w: %q", domain.ErrAgentNotFound, clean)
	}
	if isSessionAdmin(sess, target) {
		return domain.Agent{}, fmt.Errorf("%w: %s is an admin", ErrMuteRefused, target.Name)
	}
	return target, nil
}

// mute adds a mute or extends an existing temporary one. A permanent mute
// absorbs any further mute.
func (e *AdminExecutor) mute(sessionID string, target domain.Agent, d time.Duration, permanent bool, byID, byName string) (AdminOutcome, error) {
	if !permanent && d <= 0 {
		d = protocol.DefaultMuteDuration
	}
	var out AdminOutcome
	_, err := e.sessions.Update(sessionID, func(sess *domain.Session) error {
		now := e.now()
		sess.MutedAgents = slices.DeleteFunc(sess.MutedAgents, func(m domain.MuteInfo) bool {
			return m.AgentID == target.ID && m.Expired(now)
		})
		idx := slices.IndexFunc(sess.MutedAgents, func(m domain.MuteInfo) bool { return m.AgentID == target.ID })
		legacy := slices.Contains(sess.MutedAgentIDs, target.ID)

		switch {
		case legacy || (idx >= 0 && sess.MutedAgents[idx].Permanent()):
			out.Notice = fmt.Sprintf("ℹ️ %s 已被永久禁言，无需重复禁言", target.Name)
		case idx < 0:
			info := domain.MuteInfo{AgentID: target.ID, MutedBy: byID}
			if !permanent {
				info.MuteUntil = now.Add(d).UnixMilli()
			}
			sess.MutedAgents = append(sess.MutedAgents, info)
			out.Applied = true
			out.Notice = fmt.Sprintf("🔇 %s 将 %s 禁言 %s", byName, target.Name, formatMuteDuration(d, permanent))
		default:
			if permanent {
				sess.MutedAgents[idx].MuteUntil = 0
			} else {
				cur := sess.MutedAgents[idx].MuteUntil
				limit := now.Add(protocol.MaxMuteDuration).UnixMilli()
				sess.MutedAgents[idx].MuteUntil = max(cur, min(cur+d.Milliseconds(), limit))
			}
			sess.MutedAgents[idx].MutedBy = byID
			out.Applied = true
			until := sess.MutedAgents[idx].MuteUntil
			if until == 0 {
				out.Notice = fmt.Sprintf("🔇 %s 将 %s 改为永久禁言", byName, target.Name)
			} else {
				out.Notice = fmt.Sprintf("🔇 %s 将 %s 的禁言延长 %s（至 %s）", byName, target.Name,
					formatMuteDuration(d, false), time.UnixMilli(until).Format("15:04"))
			}
		}

		if out.Applied && e.resetsYield {
			sess.ClearYield()
		}
		sess.Messages = append(sess.Messages, systemMessage(out.Notice, now))
		return nil
	})
	return out, err
}

func (e *AdminExecutor) unmute(sessionID string, target domain.Agent, byName string) (AdminOutcome, error) {
	var out AdminOutcome
	_, err := e.sessions.Update(sessionID, func(sess *domain.Session) error {
		n := len(sess.MutedAgents) + len(sess.MutedAgentIDs)
		sess.MutedAgents = slices.DeleteFunc(sess.MutedAgents, func(m domain.MuteInfo) bool { return m.AgentID == target.ID })
		sess.MutedAgentIDs = slices.DeleteFunc(sess.MutedAgentIDs, func(id string) bool { return id == target.ID })
		out.Applied = n != len(sess.MutedAgents)+len(sess.MutedAgentIDs)
		if e.resetsYield {
			sess.ClearYield()
		}
		out.Notice = fmt.Sprintf("🔊 %s 解除了 %s 的禁言", byName, target.Name)
		sess.Messages = append(sess.Messages, systemMessage(out.Notice, e.now()))
		return nil
	})
	return out, err
}

func (e *AdminExecutor) addNote(sessionID string, actor domain.Agent, text string) (AdminOutcome, error) {
	text = strings.TrimSpace(text)
	var out AdminOutcome
	_, err := e.sessions.Update(sessionID, func(sess *domain.Session) error {
		if text == "" || slices.ContainsFunc(sess.AdminNotes, func(n string) bool { return strings.Contains(n, text) }) {
			return nil
		}
		sess.AdminNotes = append(sess.AdminNotes, fmt.Sprintf("[%s]: %s", actor.Name, text))
		out.Applied = true
		out.Notice = fmt.Sprintf("📝 %s 记录了笔记：%s", actor.Name, text)
		sess.Messages = append(sess.Messages, systemMessage(out.Notice, e.now()))
		return nil
	})
	return out, err
}

func (e *AdminExecutor) deleteNotes(sessionID string, actor domain.Agent, keyword string) (AdminOutcome, error) {
	kw := strings.ToLower(strings.TrimSpace(keyword))
	var out AdminOutcome
	_, err := e.sessions.Update(sessionID, func(sess *domain.Session) error {
		if kw == "" {
			return nil
		}
		n := len(sess.AdminNotes)
		sess.AdminNotes = slices.DeleteFunc(sess.AdminNotes, func(note string) bool {
			return strings.Contains(strings.ToLower(note), kw)
		})
		removed := n - len(sess.AdminNotes)
		if removed == 0 {
			return nil
		}
		out.Applied = true
		out.Notice = fmt.Sprintf("🗑️ %s 删除了 %d 条包含「%s」的笔记", actor.Name, removed, keyword)
		sess.Messages = append(sess.Messages, systemMessage(out.Notice, e.now()))
		return nil
	})
	return out, err
}

func (e *AdminExecutor) clearNotes(sessionID string, actor domain.Agent) (AdminOutcome, error) {
	var out AdminOutcome
	_, err := e.sessions.Update(sessionID, func(sess *domain.Session) error {
		if len(sess.AdminNotes) == 0 {
			return nil
		}
		sess.AdminNotes = nil
		out.Applied = true
		out.Notice = fmt.Sprintf("🧹 %s 清空了所有笔记", actor.Name)
		sess.Messages = append(sess.Messages, systemMessage(out.Notice, e.now()))
		return nil
	})
	return out, err
}
