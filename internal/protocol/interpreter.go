package protocol

import (
	"strings"

	"groupchat/internal/domain"
)

// Options enable the privileged parts of the grammar for one turn.
type Options struct {
	AllowAdmin  bool
	AllowSearch bool
}

// Result is what a finished turn amounts to.
type Result struct {
	Decision    domain.Decision
	Admin       *domain.AdminAction
	SearchQuery string
}

// Interpreter accumulates one turn's stream and decides Speak or Pass.
// It is not safe for concurrent use.
type Interpreter struct {
	opts Options

	text      strings.Builder
	reasoning strings.Builder
	signature string
	usage     *domain.Usage

	passScanFrom int
	passed       bool
}

func NewInterpreter(opts Options) *Interpreter {
	return &Interpreter{opts: opts}
}

// Feed appends a chunk and returns the text to show so far. stop is true once
// the pass tag has been seen; the caller should stop reading the stream.
func (in *Interpreter) Feed(c domain.StreamChunk) (display string, stop bool) {
	if c.Usage != nil {
		u := *c.Usage
		in.usage = &u
	}
	if c.Reasoning != "" {
		in.reasoning.WriteString(c.Reasoning)
	}
	if c.ReasoningSignature != "" {
		in.signature = c.ReasoningSignature
	}
	if c.Text == "" {
		return DisplayText(in.text.String()), in.passed
	}

	in.text.WriteString(c.Text)
	full := in.text.String()

	// Only the tail that could contain a newly completed pass tag is scanned.
	if !in.passed && strings.Contains(full[in.passScanFrom:], passTag) {
		in.passed = true
	}
	if n := len(full) - len(passTag) + 1; n > in.passScanFrom {
		in.passScanFrom = n
	}
	return DisplayText(full), in.passed
}

func (in *Interpreter) Text() string      { return in.text.String() }
func (in *Interpreter) Reasoning() string { return in.reasoning.String() }
func (in *Interpreter) Passed() bool      { return in.passed }

// Finalize interprets the accumulated stream. Moderation commands and search
// requests are reported even for a pass.
func (in *Interpreter) Finalize() Result {
	full := in.text.String()
	res := Result{
		Decision: domain.Decision{
			Kind:               domain.DecisionPass,
			ReasoningText:      in.reasoning.String(),
			ReasoningSignature: in.signature,
			Usage:              in.usage,
		},
	}

	if in.opts.AllowAdmin {
		res.Admin = DetectAdminAction(full)
	}
	if in.opts.AllowSearch {
		res.SearchQuery = DetectSearch(full)
	}

	if in.passed || HasPass(full) {
		return res
	}
	content, ok := ExtractResponse(full)
	if !ok {
		return res
	}
	replyTo, body := splitReply(content)
	body = StripTags(body)
	if body == "" {
		return res
	}

	res.Decision.Kind = domain.DecisionSpeak
	res.Decision.Text = body
	res.Decision.ReplyToID = replyTo
	return res
}

// Interpret runs a complete output through a fresh interpreter.
func Interpret(text string, opts Options) Result {
	in := NewInterpreter(opts)
	in.Feed(domain.StreamChunk{Text: text})
	return in.Finalize()
}
