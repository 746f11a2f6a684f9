package protocol

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"groupchat/internal/domain"
)

const (
	// DefaultMuteDuration applies when a mute tag names no duration.
	DefaultMuteDuration = 30 * time.Minute
	// MaxMuteDuration is the longest temporary mute. Longer requests are
	// permanent mutes.
	MaxMuteDuration = 365 * 24 * time.Hour
)

var (
	muteRe       = regexp.MustCompile(`\{\{MUTE:\s*([^,，}]+?)\s*(?:[,，]\s*([^}]*?)\s*)?\}\}`)
	unmuteRe     = regexp.MustCompile(`\{\{UNMUTE:\s*([^}]+?)\s*\}\}`)
	noteRe       = regexp.MustCompile(`\{\{NOTE:\s*([^}]+?)\s*\}\}`)
	delNoteRe    = regexp.MustCompile(`\{\{DELNOTE:\s*([^}]+?)\s*\}\}`)
	clearNotesRe = regexp.MustCompile(`\{\{CLEARNOTES\}\}`)
	searchRe     = regexp.MustCompile(`\{\{SEARCH:\s*([^}]+?)\s*\}\}`)

	durationRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([a-zA-Z\p{Han}]*)$`)
)

// DetectAdminAction finds at most one moderation command in text. Mute-class
// tags (MUTE, UNMUTE) win over note-class tags (NOTE, DELNOTE, CLEARNOTES);
// within a class the first tag kind in that order that matches is used.
func DetectAdminAction(text string) *domain.AdminAction {
	if m := muteRe.FindStringSubmatch(text); m != nil {
		d, permanent := ParseMuteDuration(m[2])
		return &domain.AdminAction{Kind: domain.ActionMute, Target: m[1], Duration: d, Permanent: permanent}
	}
	if m := unmuteRe.FindStringSubmatch(text); m != nil {
		return &domain.AdminAction{Kind: domain.ActionUnmute, Target: m[1]}
	}
	if m := noteRe.FindStringSubmatch(text); m != nil {
		return &domain.AdminAction{Kind: domain.ActionNote, Text: m[1]}
	}
	if m := delNoteRe.FindStringSubmatch(text); m != nil {
		return &domain.AdminAction{Kind: domain.ActionDelNote, Target: m[1]}
	}
	if clearNotesRe.MatchString(text) {
		return &domain.AdminAction{Kind: domain.ActionClearNotes}
	}
	return nil
}

// DetectSearch returns the query of the first {{SEARCH: ...}} tag.
func DetectSearch(text string) string {
	if m := searchRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// ParseMuteDuration understands "30", "30min", "30m", "2h", "1d", the Chinese
// unit words and "0"/"permanent"/"永久". Anything empty or unparsable falls
// back to DefaultMuteDuration. Durations past MaxMuteDuration are permanent and
// anything shorter than a second is rounded up to one.
func ParseMuteDuration(raw string) (d time.Duration, permanent bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "":
		return DefaultMuteDuration, false
	case "0", "permanent", "forever", "永久":
		return 0, true
	}

	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return DefaultMuteDuration, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return DefaultMuteDuration, false
	}
	if n == 0 {
		return 0, true
	}

	var unit time.Duration
	switch m[2] {
	case "", "m", "min", "mins", "minute", "minutes", "分", "分钟":
		unit = time.Minute
	case "h", "hr", "hour", "hours", "小时", "时":
		unit = time.Hour
	case "d", "day", "days", "天":
		unit = 24 * time.Hour
	case "s", "sec", "secs", "second", "seconds", "秒":
		unit = time.Second
	default:
		return DefaultMuteDuration, false
	}
	// compare in float64 first: large counts overflow time.Duration
	f := n * float64(unit)
	switch {
	case f > float64(MaxMuteDuration):
		return 0, true
	case f < float64(time.Second):
		return time.Second, false
	}
	return time.Duration(f), false
}
