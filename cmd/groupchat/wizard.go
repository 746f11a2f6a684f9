package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"groupchat/internal/config"
	"groupchat/internal/domain"
)

// providerPreset describes a provider option for the wizard.
type providerPreset struct {
	ID      string
	Kind    domain.ProviderKind
	EnvVar  string // empty when no key is needed
	APIBase string
	Model   string
}

var providerPresets = []providerPreset{
	{ID: "openai", Kind: domain.KindOpenAI, EnvVar: "OPENAI_API_KEY", APIBase: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
	{ID: "anthropic", Kind: domain.KindAnthropic, EnvVar: "ANTHROPIC_API_KEY", APIBase: "https://api.anthropic.com", Model: "claude-3-5-haiku-latest"},
	{ID: "deepseek", Kind: domain.KindDeepSeek, EnvVar: "DEEPSEEK_API_KEY", APIBase: "https://api.deepseek.com/v1", Model: "deepseek-chat"},
	{ID: "gemini", Kind: domain.KindGemini, EnvVar: "GEMINI_API_KEY", APIBase: "https://generativelanguage.googleapis.com/v1beta/openai", Model: "gemini-2.0-flash"},
	{ID: "ollama", Kind: domain.KindOllama, APIBase: "http://localhost:11434", Model: "qwen2.5:7b"},
	{ID: "demo", Kind: domain.KindScripted, Model: "demo"},
}

var agentIDPattern = regexp.MustCompile(`[^a-z0-9_-]+`)

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: provider → agents → channels → save config",
		Long:  "Guides you through choosing an LLM provider, creating a few agents and enabling the web UI, Telegram or Discord. Writes the config to the --config path or the default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWizard(os.Stdin, os.Stdout, resolveConfigPath())
		},
	}
}

// prompter reads answers line by line, falling back to defaults.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p prompter) ask(question, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}
	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		if err == io.EOF {
			return def, nil
		}
		return "", err
	}
	if s := strings.TrimSpace(line); s != "" {
		return s, nil
	}
	return def, nil
}

func (p prompter) confirm(question string, def bool) (bool, error) {
	d := "n"
	if def {
		d = "y"
	}
	ans, err := p.ask(question+" (y/n)", d)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.ToLower(ans), "y"), nil
}

func runWizard(in io.Reader, out io.Writer, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		// A fresh config keeps its data beside it.
		cfg = config.Defaults()
		cfg.AgentsDir = filepath.Join(filepath.Dir(cfgPath), "agents")
		cfg.Memory.DBPath = filepath.Join(filepath.Dir(cfgPath), "groupchat.db")
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]config.ProviderConfig{}
	}
	p := prompter{in: bufio.NewReader(in), out: out}

	fmt.Fprintln(out, "\n--- Step 1: LLM provider ---")
	for i, pr := range providerPresets {
		note := ""
		if pr.EnvVar != "" {
			note = " (set " + pr.EnvVar + ")"
		}
		fmt.Fprintf(out, "  %d) %s%s\n", i+1, pr.ID, note)
	}
	choice, err := p.ask(fmt.Sprintf("Choose provider (1-%d)", len(providerPresets)), "1")
	if err != nil {
		return err
	}
	var idx int
	if n, _ := fmt.Sscanf(choice, "%d", &idx); n != 1 || idx < 1 || idx > len(providerPresets) {
		idx = 1
	}
	preset := providerPresets[idx-1]

	pc := cfg.Providers[preset.ID]
	pc.Enabled = true
	pc.Kind = preset.Kind
	if preset.APIBase != "" {
		if pc.APIBase, err = p.ask("API base URL", firstNonEmpty(pc.APIBase, preset.APIBase)); err != nil {
			return err
		}
	}
	model, err := p.ask("Model", preset.Model)
	if err != nil {
		return err
	}
	if !hasModelID(pc.Models, model) {
		pc.Models = append(pc.Models, domain.Model{ID: model})
	}
	if preset.EnvVar != "" {
		if pc.APIKey, err = p.ask("API key (or env reference)", firstNonEmpty(pc.APIKey, "${"+preset.EnvVar+"}")); err != nil {
			return err
		}
	}
	cfg.Providers[preset.ID] = pc
	fmt.Fprintf(out, "  Using %s/%s\n", preset.ID, model)

	fmt.Fprintln(out, "\n--- Step 2: Agents ---")
	if cfg.General.HumanName, err = p.ask("How should the agents address you", firstNonEmpty(cfg.General.HumanName, "用户")); err != nil {
		return err
	}
	agentsDir := config.ExpandPath(firstNonEmpty(cfg.AgentsDir, filepath.Join(config.DefaultConfigDir(), "agents")))
	var created []domain.Agent
	for n := 1; ; n++ {
		more, err := p.confirm(fmt.Sprintf("Create agent #%d", n), n <= 2)
		if err != nil {
			return err
		}
		if !more {
			break
		}
		name, err := p.ask("  Display name", "")
		if err != nil {
			return err
		}
		if name == "" {
			continue
		}
		persona, err := p.ask("  Persona (system prompt)", "")
		if err != nil {
			return err
		}
		admin, err := p.confirm("  Moderator (can mute others)", len(created) == 0)
		if err != nil {
			return err
		}
		a := domain.Agent{
			ID:           agentID(name, n),
			Name:         name,
			ProviderID:   preset.ID,
			ModelID:      model,
			SystemPrompt: persona,
			Role:         domain.RoleMember,
		}
		if admin {
			a.Role = domain.RoleAdmin
		}
		created = append(created, a)
	}

	fmt.Fprintln(out, "\n--- Step 3: Channels ---")
	if cfg.Channels.Web.Enabled, err = p.confirm("Enable the web UI", true); err != nil {
		return err
	}
	if cfg.Channels.Telegram.Enabled, err = p.confirm("Mirror a session to Telegram", cfg.Channels.Telegram.Enabled); err != nil {
		return err
	}
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token, err = p.ask("  Bot token (from @BotFather)", cfg.Channels.Telegram.Token); err != nil {
			return err
		}
		ids, err := p.ask("  Allowed Telegram user ids (comma separated, empty = anyone)", strings.Join(cfg.Channels.Telegram.AllowFrom, ","))
		if err != nil {
			return err
		}
		cfg.Channels.Telegram.AllowFrom = splitIDs(ids)
	}
	if cfg.Channels.Discord.Enabled, err = p.confirm("Mirror a session to Discord", cfg.Channels.Discord.Enabled); err != nil {
		return err
	}
	if dc := &cfg.Channels.Discord; dc.Enabled {
		if dc.Token, err = p.ask("  Bot token (from the Discord developer portal)", dc.Token); err != nil {
			return err
		}
		if dc.ChannelID, err = p.ask("  Channel id to mirror (empty = wherever the bot is addressed)", dc.ChannelID); err != nil {
			return err
		}
		ids, err := p.ask("  Allowed Discord user ids (comma separated, empty = anyone)", strings.Join(dc.AllowFrom, ","))
		if err != nil {
			return err
		}
		dc.AllowFrom = splitIDs(ids)
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := writeAgentFiles(agentsDir, created); err != nil {
		return err
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nConfig saved to %s (%d agent(s) written to %s)\n", cfgPath, len(created), agentsDir)
	fmt.Fprintln(out, "Next: run 'groupchat doctor', then 'groupchat serve' or 'groupchat chat'.")
	return nil
}

func writeAgentFiles(dir string, agents []domain.Agent) error {
	if len(agents) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create agents dir: %w", err)
	}
	for _, a := range agents {
		data, err := yaml.Marshal(a)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, a.ID+".yaml")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}

// agentID derives a file-safe id from a display name; names without any
// ASCII letters or digits get a numbered id.
func agentID(name string, n int) string {
	id := strings.Trim(agentIDPattern.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if id == "" {
		return fmt.Sprintf("agent%d", n)
	}
	return id
}

func splitIDs(s string) config.FlexStringList {
	var ids config.FlexStringList
	for id := range strings.SplitSeq(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func hasModelID(models []domain.Model, id string) bool {
	for _, m := range models {
		if m.ID == id {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
