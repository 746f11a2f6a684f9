package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"groupchat/internal/domain"
)

// agentFile is one YAML roster file: either a single agent or a list.
type agentFile struct {
	domain.Agent `yaml:",inline"`
	Agents       []domain.Agent `yaml:"agents"`
}

// LoadAgentDir loads agent definitions from .yaml/.yml files in dir. A
// missing directory is not an error. Files that fail to parse are skipped.
func LoadAgentDir(dir string, logger *slog.Logger) ([]domain.Agent, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("agents directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read agents dir: %w", err)
	}

	var agents []domain.Agent
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read agent file", "path", path, "err", err)
			continue
		}

		var f agentFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			logger.Warn("cannot parse agent file", "path", path, "err", err)
			continue
		}

		if len(f.Agents) > 0 {
			agents = append(agents, f.Agents...)
			continue
		}
		if f.Agent.ID == "" {
			f.Agent.ID = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if f.Agent.Name == "" {
			f.Agent.Name = f.Agent.ID
		}
		logger.Debug("loaded agent", "id", f.Agent.ID, "path", path)
		agents = append(agents, f.Agent)
	}
	return agents, nil
}

// Roster merges inline agents with the agents directory. A file agent
// replaces an inline agent with the same id.
func (c *Config) Roster(logger *slog.Logger) ([]domain.Agent, error) {
	fromDir, err := LoadAgentDir(c.AgentsDir, logger)
	if err != nil {
		return nil, err
	}
	out := slices.Clone(c.Agents)
	for _, a := range fromDir {
		if i := slices.IndexFunc(out, func(x domain.Agent) bool { return x.ID == a.ID }); i >= 0 {
			out[i] = a
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
