// Package protocol interprets the tag grammar agents use to answer in a group
// chat: {{RESPONSE: ...}}, {{PASS}}, {{REPLY: id}} and the moderation and
// search commands.
package protocol

import (
	"regexp"
	"strings"
)

const (
	responseOpen = "{{RESPONSE:"
	passTag      = "{{PASS}}"
)

var (
	replyPrefixRe = regexp.MustCompile(`^\s*\{\{REPLY:\s*([^}]+?)\s*\}\}`)

	// Tags removed from anything shown to people.
	completeTagRe = regexp.MustCompile(`\{\{(?:REPLY|MUTE|UNMUTE|NOTE|DELNOTE|SEARCH):[^}]*\}\}|\{\{(?:CLEARNOTES|PASS)\}\}`)

	// A tag cut off by the end of a partial stream, e.g. "{{MUTE: Bo".
	danglingTagRe = regexp.MustCompile(`\{\{?[A-Z]*(?::[^}]*)?\}?$|\}$`)
)

// findResponseBounds locates the content of the first {{RESPONSE: block.
// Nested {{ }} pairs are balanced; the block closes at the first }} that
// would take the depth below zero. closed is false when the text ends first.
func findResponseBounds(s string) (start, end int, closed bool) {
	idx := strings.Index(s, responseOpen)
	if idx < 0 {
		return -1, -1, false
	}
	start = idx + len(responseOpen)

	depth := 0
	for i := start; i < len(s)-1; {
		switch {
		case s[i] == '{' && s[i+1] == '{':
			depth++
			i += 2
		case s[i] == '}' && s[i+1] == '}':
			if depth == 0 {
				return start, i, true
			}
			depth--
			i += 2
		default:
			i++
		}
	}
	return start, len(s), false
}

// ExtractResponse returns the trimmed content of a closed {{RESPONSE: ...}}
// block. ok is false when there is no block or it never closes.
func ExtractResponse(text string) (content string, ok bool) {
	start, end, closed := findResponseBounds(text)
	if start < 0 || !closed {
		return "", false
	}
	return strings.TrimSpace(text[start:end]), true
}

// StripTags removes every recognized command tag and trims the result.
func StripTags(content string) string {
	return strings.TrimSpace(completeTagRe.ReplaceAllString(content, ""))
}

// splitReply peels a leading {{REPLY: id}} off response content.
func splitReply(content string) (replyTo, rest string) {
	m := replyPrefixRe.FindStringSubmatchIndex(content)
	if m == nil {
		return "", content
	}
	return content[m[2]:m[3]], content[m[1]:]
}

// DisplayText renders what a person should see of a possibly incomplete
// stream: the response block content so far, with complete tags removed and
// any half-written trailing tag hidden.
func DisplayText(text string) string {
	start, end, closed := findResponseBounds(text)
	if start < 0 {
		return ""
	}
	body := completeTagRe.ReplaceAllString(text[start:end], "")
	if !closed {
		body = danglingTagRe.ReplaceAllString(body, "")
	}
	return strings.TrimSpace(body)
}

// HasPass reports whether the text contains the pass tag anywhere.
func HasPass(text string) bool {
	return strings.Contains(text, passTag)
}
