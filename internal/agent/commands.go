package agent

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"groupchat/internal/domain"
	"groupchat/internal/protocol"
	"groupchat/internal/session"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response string // text response to show the human
	Handled  bool   // false lets the text through as an ordinary message
}

// startTime records when the process started for /status.
var startTime = time.Now()

// version is set by the build system.
var version = "0.1.0"

// SetVersion sets the version string used by commands.
func SetVersion(v string) {
	version = v
}

// ParseCommand checks if a message starts with "/" and parses it into a ChatCommand.
// Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := strings.Fields(text)
	if len(parts) == 0 || parts[0] == "/" {
		return nil
	}
	cmd := &ChatCommand{
		Name: strings.ToLower(strings.TrimPrefix(parts[0], "/")),
		Raw:  text,
	}
	if len(parts) > 1 {
		cmd.Args = parts[1:]
	}
	return cmd
}

// rest returns the raw text after the command word.
func (c *ChatCommand) rest() string {
	_, after, _ := strings.Cut(c.Raw, " ")
	return strings.TrimSpace(after)
}

// HandleCommand runs a slash command against one session. Unknown commands
// come back unhandled.
func (s *Scheduler) HandleCommand(ctx context.Context, sessionID string, cmd *ChatCommand) CommandResult {
	done := func(format string, args ...any) CommandResult {
		return CommandResult{Response: fmt.Sprintf(format, args...), Handled: true}
	}

	switch cmd.Name {
	case "help":
		return done("%s", helpText())

	case "stop":
		s.StopAll()
		return done("已停止所有发言，自动对话已关闭")

	case "auto", "autoplay":
		on, err := toggleArg(cmd.Args, s.Settings().Autoplay)
		if err != nil {
			return done("用法: /auto [on|off]")
		}
		if _, err := s.UpdateSettings(ctx, func(st *domain.Settings) { st.Autoplay = on }); err != nil {
			return done("设置已生效，但保存失败: %v", err)
		}
		return done("自动对话: %s", onOff(on))

	case "concurrency":
		on, err := toggleArg(cmd.Args, s.Settings().Concurrency)
		if err != nil {
			return done("用法: /concurrency [on|off]")
		}
		if _, err := s.UpdateSettings(ctx, func(st *domain.Settings) { st.Concurrency = on }); err != nil {
			return done("设置已生效，但保存失败: %v", err)
		}
		return done("并发发言: %s", onOff(on))

	case "breathing":
		if len(cmd.Args) != 1 {
			return done("呼吸时间: %dms", s.Settings().BreathingTimeMs)
		}
		ms, err := strconv.Atoi(cmd.Args[0])
		if err != nil || ms < 0 {
			return done("用法: /breathing <毫秒>")
		}
		if _, err := s.UpdateSettings(ctx, func(st *domain.Settings) { st.BreathingTimeMs = ms }); err != nil {
			return done("设置已生效，但保存失败: %v", err)
		}
		return done("呼吸时间已设为 %dms", ms)

	case "timeout":
		if len(cmd.Args) != 1 {
			return done("发言超时: %s", s.Settings().TurnTimeout())
		}
		sec, err := strconv.ParseFloat(cmd.Args[0], 64)
		if err != nil || sec <= 0 {
			return done("用法: /timeout <秒>")
		}
		if _, err := s.UpdateSettings(ctx, func(st *domain.Settings) { st.TurnTimeoutSeconds = sec }); err != nil {
			return done("设置已生效，但保存失败: %v", err)
		}
		return done("发言超时已设为 %gs", sec)

	case "poke":
		a, err := s.memberByName(sessionID, cmd.rest())
		if err != nil {
			return done("%v", err)
		}
		if err := s.RequestTrigger(sessionID, a.ID, TriggerOptions{}); err != nil {
			return done("无法让 %s 发言: %v", a.Name, err)
		}
		return done("已请 %s 发言", a.Name)

	case "mute":
		if len(cmd.Args) == 0 {
			return done("用法: /mute <名字> [时长]")
		}
		a, err := s.memberByName(sessionID, cmd.Args[0])
		if err != nil {
			return done("%v", err)
		}
		d, permanent := protocol.ParseMuteDuration(strings.Join(cmd.Args[1:], " "))
		if err := s.MuteAgent(sessionID, a.ID, d, permanent); err != nil {
			return done("禁言失败: %v", err)
		}
		return done("已禁言 %s (%s)", a.Name, formatMuteDuration(d, permanent))

	case "unmute":
		a, err := s.memberByName(sessionID, cmd.rest())
		if err != nil {
			return done("%v", err)
		}
		if err := s.UnmuteAgent(sessionID, a.ID); err != nil {
			return done("解除禁言失败: %v", err)
		}
		return done("已解除 %s 的禁言", a.Name)

	case "notes":
		sess, err := s.sessions.Get(sessionID)
		if err != nil {
			return done("%v", err)
		}
		if len(sess.AdminNotes) == 0 {
			return done("暂无管理员笔记")
		}
		var sb strings.Builder
		sb.WriteString("管理员笔记:\n")
		for i, n := range sess.AdminNotes {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, n)
		}
		return done("%s", strings.TrimRight(sb.String(), "\n"))

	case "scenario":
		if err := s.sessions.SetScenario(sessionID, cmd.rest()); err != nil {
			return done("%v", err)
		}
		if cmd.rest() == "" {
			return done("场景已清除")
		}
		return done("场景已更新")

	case "summary":
		if err := s.sessions.SetSummary(sessionID, cmd.rest()); err != nil {
			return done("%v", err)
		}
		return done("摘要已更新")

	case "status":
		text, err := s.statusText(sessionID)
		if err != nil {
			return done("%v", err)
		}
		return done("%s", text)

	default:
		return CommandResult{Handled: false}
	}
}

func (s *Scheduler) memberByName(sessionID, name string) (domain.Agent, error) {
	if name == "" {
		return domain.Agent{}, fmt.Errorf("请指定成员名字")
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return domain.Agent{}, err
	}
	a, ok := session.FindAgent(s.roster.Members(sess), name)
	if !ok {
		return domain.Agent{}, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, name)
	}
	return a, nil
}

func toggleArg(args []string, current bool) (bool, error) {
	if len(args) == 0 {
		return !current, nil
	}
	switch strings.ToLower(args[0]) {
	case "on", "true", "1", "开":
		return true, nil
	case "off", "false", "0", "关":
		return false, nil
	}
	return current, fmt.Errorf("bad toggle %q", args[0])
}

func onOff(b bool) string {
	if b {
		return "开"
	}
	return "关"
}

func helpText() string {
	return `可用命令

/help                 显示本帮助
/stop                 停止所有发言并关闭自动对话
/auto [on|off]        切换自动对话
/concurrency [on|off] 切换并发发言
/breathing <ms>       设置发言间隔
/timeout <秒>         设置单次发言超时
/poke <名字>          让某个成员立即发言
/mute <名字> [时长]   禁言成员，例如 10m、2h、1d、永久
/unmute <名字>        解除禁言
/notes                查看管理员笔记
/scenario [文本]      设置或清除场景
/summary <文本>       设置对话摘要
/status               查看成员状态`
}

func (s *Scheduler) statusText(sessionID string) (string, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}
	statuses, err := s.Status(sessionID)
	if err != nil {
		return "", err
	}
	settings := s.Settings()

	var sb strings.Builder
	fmt.Fprintf(&sb, "groupchat v%s (%s/%s, %s)\n", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
	fmt.Fprintf(&sb, "运行时间: %s\n", time.Since(startTime).Round(time.Second))
	fmt.Fprintf(&sb, "会话: %s  消息: %d  花费: $%.4f\n", sess.Name, sess.MessageCount(), sess.TotalCost)
	fmt.Fprintf(&sb, "自动对话: %s  并发: %s  呼吸: %dms  超时: %s\n",
		onOff(settings.Autoplay), onOff(settings.Concurrency), settings.BreathingTimeMs, settings.TurnTimeout())
	for _, st := range statuses {
		var tags []string
		switch {
		case st.Busy:
			tags = append(tags, "发言中")
		case st.Pending || st.Dispatching:
			tags = append(tags, "排队")
		}
		if st.Admin {
			tags = append(tags, "管理员")
		}
		if st.Muted {
			if st.MuteUntil == 0 {
				tags = append(tags, "永久禁言")
			} else {
				tags = append(tags, "禁言至 "+time.UnixMilli(st.MuteUntil).Format("15:04"))
			}
		}
		if st.Yielded {
			tags = append(tags, "已让出")
		}
		if !st.Configured {
			tags = append(tags, "未配置")
		}
		fmt.Fprintf(&sb, "• %s", st.Name)
		if len(tags) > 0 {
			fmt.Fprintf(&sb, " [%s]", strings.Join(tags, ", "))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
