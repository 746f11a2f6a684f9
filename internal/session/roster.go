package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"groupchat/internal/domain"
)

// Roster is the set of configured agents and providers.
type Roster struct {
	persister domain.Persister
	logger    *slog.Logger

	mu        sync.RWMutex
	agents    []domain.Agent
	providers []domain.Provider
}

func NewRoster(persister domain.Persister, logger *slog.Logger) *Roster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Roster{persister: persister, logger: logger}
}

// Load replaces the roster contents without persisting.
func (r *Roster) Load(agents []domain.Agent, providers []domain.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = slices.Clone(agents)
	r.providers = slices.Clone(providers)
}

func (r *Roster) Agents() []domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.agents)
}

func (r *Roster) Providers() []domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.providers)
}

func (r *Roster) Agent(id string) (domain.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.agents {
		if a.ID == id {
			return a, true
		}
	}
	return domain.Agent{}, false
}

func (r *Roster) Provider(id string) (domain.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Provider{}, false
}

// Members returns the agents of sess in member order, skipping unknown ids.
func (r *Roster) Members(sess *domain.Session) []domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Agent, 0, len(sess.MemberIDs))
	for _, id := range sess.MemberIDs {
		for _, a := range r.agents {
			if a.ID == id {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// Resolve returns the provider and model an agent speaks through.
func (r *Roster) Resolve(agentID string) (domain.Agent, domain.Provider, domain.Model, error) {
	a, ok := r.Agent(agentID)
	if !ok {
		return a, domain.Provider{}, domain.Model{}, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agentID)
	}
	if !a.Configured() {
		return a, domain.Provider{}, domain.Model{}, domain.ErrNotConfigured
	}
	p, ok := r.Provider(a.ProviderID)
	if !ok {
		return a, p, domain.Model{}, fmt.Errorf("%w: provider %q missing", domain.ErrNotConfigured, a.ProviderID)
	}
	m, ok := p.Model(a.ModelID)
	if !ok {
		// Unknown models still run, just without pricing.
		m = domain.Model{ID: a.ModelID}
	}
	return a, p, m, nil
}

// FindAgent matches a free-form name against candidates: exact, then prefix,
// then substring, all case-insensitive.
func FindAgent(candidates []domain.Agent, name string) (domain.Agent, bool) {
	needle := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(name), "@")))
	if needle == "" {
		return domain.Agent{}, false
	}
	for _, match := range []func(string) bool{
		func(n string) bool { return n == needle },
		func(n string) bool { return strings.HasPrefix(n, needle) },
		func(n string) bool { return strings.Contains(n, needle) },
	} {
		for _, a := range candidates {
			if match(strings.ToLower(a.Name)) || strings.ToLower(a.ID) == needle {
				return a, true
			}
		}
	}
	return domain.Agent{}, false
}

func (r *Roster) UpsertAgent(ctx context.Context, a domain.Agent) error {
	if a.ID == "" {
		a.ID = NewID("agent")
	}
	r.mu.Lock()
	if idx := slices.IndexFunc(r.agents, func(x domain.Agent) bool { return x.ID == a.ID }); idx >= 0 {
		r.agents[idx] = a
	} else {
		r.agents = append(r.agents, a)
	}
	r.mu.Unlock()
	r.logger.Info("agent saved", "agent", a.ID, "name", a.Name)
	return r.saveAgents(ctx)
}

func (r *Roster) RemoveAgent(ctx context.Context, id string) error {
	r.mu.Lock()
	n := len(r.agents)
	r.agents = slices.DeleteFunc(r.agents, func(x domain.Agent) bool { return x.ID == id })
	removed := len(r.agents) != n
	r.mu.Unlock()
	if !removed {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	return r.saveAgents(ctx)
}

func (r *Roster) UpsertProvider(ctx context.Context, p domain.Provider) error {
	if p.ID == "" {
		p.ID = NewID("provider")
	}
	r.mu.Lock()
	if idx := slices.IndexFunc(r.providers, func(x domain.Provider) bool { return x.ID == p.ID }); idx >= 0 {
		r.providers[idx] = p
	} else {
		r.providers = append(r.providers, p)
	}
	r.mu.Unlock()
	return r.saveProviders(ctx)
}

func (r *Roster) saveAgents(ctx context.Context) error {
	if r.persister == nil {
		return nil
	}
	docs := make(map[string]any)
	for _, a := range r.Agents() {
		docs[a.ID] = a
	}
	if err := r.persister.Save(ctx, domain.CollectionAgents, docs); err != nil {
		return fmt.Errorf("save agents: %w", err)
	}
	return nil
}

func (r *Roster) saveProviders(ctx context.Context) error {
	if r.persister == nil {
		return nil
	}
	docs := make(map[string]any)
	for _, p := range r.Providers() {
		docs[p.ID] = p
	}
	if err := r.persister.Save(ctx, domain.CollectionProviders, docs); err != nil {
		return fmt.Errorf("save providers: %w", err)
	}
	return nil
}
