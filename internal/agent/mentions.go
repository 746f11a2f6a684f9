package agent

import (
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/width"

	"groupchat/internal/domain"
)

var mentionAllTokens = []string{"@all", "@全体成员", "@所有人", "@everyone"}

// fold maps full-width forms ("＠ＧＰＴ") to their narrow equivalents and
// lower-cases, so IME input matches ASCII names.
func fold(s string) string { return strings.ToLower(width.Fold.String(s)) }

// MentionsAll reports whether text addresses every member.
func MentionsAll(text string) bool {
	lower := fold(text)
	for _, tok := range mentionAllTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

// ParseMentions returns the ids of agents @-mentioned in text, in order of
// first appearance. A mention matches an agent when the text after "@" starts
// with the agent's name, or when the mention word is a prefix of the name.
// Longer names win so "@GPT-4o" is not taken for "@GPT".
func ParseMentions(text string, agents []domain.Agent) []string {
	byLength := slices.Clone(agents)
	slices.SortStableFunc(byLength, func(a, b domain.Agent) int {
		return len([]rune(b.Name)) - len([]rune(a.Name))
	})

	var ids []string
	rest := fold(text)
	for {
		idx := strings.IndexRune(rest, '@')
		if idx < 0 {
			break
		}
		rest = rest[idx+1:]
		after := rest
		word := mentionWord(after)

		var hit string
		for _, a := range byLength {
			name := fold(a.Name)
			if name == "" {
				continue
			}
			if strings.HasPrefix(after, name) {
				hit = a.ID
				break
			}
		}
		if hit == "" && word != "" {
			for _, a := range byLength {
				if strings.HasPrefix(fold(a.Name), word) {
					hit = a.ID
					break
				}
			}
		}
		if hit != "" && !slices.Contains(ids, hit) {
			ids = append(ids, hit)
		}
	}
	return ids
}

// mentionWord is the run of letters, digits, '-' and '_' at the start of s.
func mentionWord(s string) string {
	end := strings.IndexFunc(s, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.')
	})
	if end < 0 {
		return s
	}
	return s[:end]
}
