package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"groupchat/internal/bus"
	"groupchat/internal/domain"
)

// CLI implements domain.Channel for interactive terminal chat in one session.
type CLI struct {
	sessionID string
	inbound   domain.MessageBus
	events    *bus.EventBus
	render    *Renderer
	logger    *slog.Logger
	in        io.Reader
	out       io.Writer
	prompt    string
	plain     bool

	outMu     sync.Mutex
	thinking  bool
	thinkStop chan struct{}
	thinkDone chan struct{}
}

type CLIConfig struct {
	SessionID string
	Events    *bus.EventBus
	Renderer  *Renderer
	Logger    *slog.Logger
	In        io.Reader
	Out       io.Writer
	// Plain disables the typing spinner and cursor control; set it when
	// Out is not a terminal.
	Plain bool
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Renderer == nil {
		cfg.Renderer = NewRenderer(nil, "")
	}
	return &CLI{
		sessionID: cfg.SessionID,
		events:    cfg.Events,
		render:    cfg.Renderer,
		logger:    cfg.Logger,
		in:        cfg.In,
		out:       cfg.Out,
		prompt:    "你> ",
		plain:     cfg.Plain,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the REPL and blocks until input ends, /quit, or ctx is done.
func (c *CLI) Start(ctx context.Context, mb domain.MessageBus) error {
	c.inbound = mb

	if c.events != nil {
		id := c.events.On("*", c.onEvent)
		defer c.events.Off("*", id)
	}
	defer c.stopThinking()

	c.println("groupchat 终端模式。输入消息后回车，/help 查看命令，/quit 退出。")
	c.print(c.prompt)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err // nil on EOF
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				c.print(c.prompt)
				continue
			}
			if line == "/quit" || line == "/exit" || line == "/q" {
				c.logger.Info("user requested quit")
				return nil
			}
			c.inbound.Publish(domain.InboundMessage{
				Channel:   "cli",
				SessionID: c.sessionID,
				SenderID:  domain.HumanUserID,
				Content:   line,
				Timestamp: time.Now(),
			})
		}
	}
}

// onEvent prints settled messages of this session as they land.
func (c *CLI) onEvent(e bus.Event) {
	if e.SessionID != "" && e.SessionID != c.sessionID {
		return
	}
	switch e.Type {
	case bus.EventMessageAdded, bus.EventMessageFinal:
		m, ok := e.Payload["message"].(domain.Message)
		if !ok || m.IsStreaming {
			return
		}
		// the typist already sees their own line
		if m.SenderID == domain.HumanUserID && e.Type == bus.EventMessageAdded {
			return
		}
		c.show(c.render.Message(m))

	case bus.EventAgentPassed:
		id, _ := e.Payload["agentId"].(string)
		c.show(systemStyle.Render(c.render.name(id) + " 选择不发言"))

	case bus.EventCommandResult:
		if e.Source != "cli" {
			return
		}
		text, _ := e.Payload["text"].(string)
		c.show(text)

	case bus.EventBusyChanged:
		busy, _ := e.Payload["busy"].([]string)
		if len(busy) == 0 {
			c.stopThinking()
			return
		}
		if c.plain {
			return
		}
		names := make([]string, len(busy))
		for i, id := range busy {
			names[i] = c.render.name(id)
		}
		c.startThinking(strings.Join(names, "、") + " 正在输入")
	}
}

func (c *CLI) show(text string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if !c.plain {
		fmt.Fprint(c.out, "\r\033[K")
	}
	fmt.Fprintln(c.out, text)
	fmt.Fprint(c.out, c.prompt)
}

func (c *CLI) print(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprint(c.out, s)
}

func (c *CLI) println(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintln(c.out, s)
}

// startThinking shows a spinner with label until stopThinking. A running
// spinner is replaced so the label stays current.
func (c *CLI) startThinking(label string) {
	c.stopThinking()

	c.outMu.Lock()
	c.thinking = true
	stop, done := make(chan struct{}), make(chan struct{})
	c.thinkStop, c.thinkDone = stop, done
	c.outMu.Unlock()

	go func() {
		defer close(done)
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.outMu.Lock()
				fmt.Fprintf(c.out, "\r\033[K%s %s...", frames[i%len(frames)], label)
				c.outMu.Unlock()
			}
		}
	}()
}

func (c *CLI) stopThinking() {
	c.outMu.Lock()
	if !c.thinking {
		c.outMu.Unlock()
		return
	}
	c.thinking = false
	stop, done := c.thinkStop, c.thinkDone
	c.outMu.Unlock()

	close(stop)
	<-done
	c.outMu.Lock()
	fmt.Fprint(c.out, "\r\033[K")
	fmt.Fprint(c.out, c.prompt)
	c.outMu.Unlock()
}

// Stop is a no-op; the REPL exits when Start returns.
func (c *CLI) Stop() error { return nil }
