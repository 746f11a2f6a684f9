package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"groupchat/internal/agent"
	"groupchat/internal/bus"
	"groupchat/internal/config"
	"groupchat/internal/domain"
	"groupchat/internal/memory"
	"groupchat/internal/provider"
	"groupchat/internal/search"
	"groupchat/internal/session"
)

const shutdownTimeout = 10 * time.Second

// app is the assembled server: storage, roster, scheduler and buses.
type app struct {
	cfg      *config.Config
	store    *memory.SQLiteStore // nil when memory is disabled
	sessions *session.Store
	roster   *session.Roster
	events   *bus.EventBus
	inbound  *bus.InMemoryBus
	sched    *agent.Scheduler
	sweeper  *agent.MuteSweeper
}

// openStore opens the SQLite document store, or returns nil when memory
// is disabled.
func openStore(cfg *config.Config) (*memory.SQLiteStore, error) {
	if !cfg.Memory.Enabled {
		return nil, nil
	}
	st, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}
	return st, nil
}

// mergeByID returns base followed by the extras whose id base lacks.
func mergeByID[T any](base, extra []T, id func(T) string) []T {
	out := slices.Clone(base)
	for _, x := range extra {
		if !slices.ContainsFunc(out, func(y T) bool { return id(y) == id(x) }) {
			out = append(out, x)
		}
	}
	return out
}

func buildRuntime(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	rt := &app{cfg: cfg, store: store, events: bus.NewEventBus(logger)}

	snap := &domain.Snapshot{}
	var persister domain.Persister
	var usage domain.UsageRecorder
	if store != nil {
		if snap, err = store.LoadAll(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("load state: %w", err)
		}
		if snap == nil {
			snap = &domain.Snapshot{}
		}
		persister, usage = store, store
	}

	// The config file is authoritative; agents and providers added at
	// runtime survive from the snapshot.
	agents, err := cfg.Roster(logger)
	if err != nil {
		rt.closeStore()
		return nil, err
	}
	agents = mergeByID(agents, snap.Agents, func(a domain.Agent) string { return a.ID })
	providers := mergeByID(cfg.DomainProviders(), snap.Providers, func(p domain.Provider) string { return p.ID })
	rt.roster = session.NewRoster(persister, logger)
	rt.roster.Load(agents, providers)
	logger.Info("roster loaded", "agents", len(agents), "providers", len(providers))

	rt.sessions = session.NewStore(session.Config{
		Persister:  persister,
		Logger:     logger,
		FlushDelay: time.Duration(cfg.Memory.FlushDebounceMs) * time.Millisecond,
	})
	rt.sessions.Load(snap.Sessions, snap.Groups)

	factory := provider.NewFactory(provider.FactoryConfig{Lookup: rt.roster.Provider, Logger: logger})

	var searcher domain.Searcher
	if cfg.Search.Enabled {
		s, err := search.New(search.Config{
			Provider:   cfg.Search.Provider,
			APIKey:     cfg.Search.APIKey,
			BaseURL:    cfg.Search.APIBase,
			MaxResults: cfg.Search.MaxResults,
			Logger:     logger,
		})
		if err != nil {
			logger.Warn("web search disabled", "err", err)
		} else {
			searcher = s
		}
	}

	var vision domain.ImageDescriber
	if cfg.Vision.Enabled {
		p, _ := rt.roster.Provider(cfg.Vision.Provider)
		v, err := provider.NewVision(provider.VisionConfig{
			Resolver: factory,
			Provider: p,
			ModelID:  cfg.Vision.Model,
			Prompt:   cfg.Vision.Prompt,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("vision proxy disabled", "err", err)
		} else {
			vision = v
		}
	}

	settings := cfg.Scheduler.Settings()
	if snap.Settings != nil {
		settings = *snap.Settings
	}
	policy := agent.Policy{
		CooldownMin:           cfg.Scheduler.CooldownMin,
		AmnestyMessages:       cfg.Scheduler.AmnestyMessages,
		ModerationResetsYield: cfg.Scheduler.ModerationResetsYield,
		SearchFollowUpDelay:   time.Duration(cfg.Scheduler.SearchFollowUpMs) * time.Millisecond,
		RateBurst:             cfg.Scheduler.RateBurst,
	}

	schedCfg := agent.SchedulerConfig{
		Sessions:  rt.sessions,
		Roster:    rt.roster,
		Sources:   factory,
		Searcher:  searcher,
		Vision:    vision,
		Events:    rt.events,
		Persister: persister,
		Usage:     usage,
		Logger:    logger,
		Settings:  settings,
		Policy:    policy,
		HumanName: cfg.General.HumanName,
	}
	rt.sched = agent.NewScheduler(schedCfg)

	rt.sweeper = agent.NewMuteSweeper(agent.SweepConfig{
		Sessions:    rt.sessions,
		Roster:      rt.roster,
		Logger:      logger,
		Spec:        cfg.Scheduler.MuteSweepSpec,
		ResetsYield: cfg.Scheduler.ModerationResetsYield,
	})
	rt.inbound = bus.New(100, logger)
	return rt, nil
}

// start launches the background workers. Run consumes inbound messages
// until ctx is done.
func (rt *app) start(ctx context.Context) error {
	if err := rt.sweeper.Start(); err != nil {
		return err
	}
	rt.sched.Start()
	go rt.sched.Run(ctx, rt.inbound)
	return nil
}

// ensureSession returns id if it names a session, else the most recent
// session, creating one with every active agent when there is none.
func (rt *app) ensureSession(id string) (string, error) {
	if id != "" {
		if _, err := rt.sessions.Get(id); err != nil {
			return "", err
		}
		return id, nil
	}
	if list := rt.sessions.List(); len(list) > 0 {
		return list[len(list)-1].ID, nil
	}
	var members []string
	for _, a := range rt.roster.Agents() {
		if a.Active() {
			members = append(members, a.ID)
		}
	}
	if len(members) == 0 {
		return "", fmt.Errorf("%w: no agents configured (run 'groupchat init')", domain.ErrNotConfigured)
	}
	sess := rt.sessions.Create("新的群聊", "", members, nil)
	logger.Info("session created", "session", sess.ID, "members", len(members))
	return sess.ID, nil
}

// shutdown stops the workers, flushes pending writes and closes storage.
func (rt *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	rt.inbound.Close()
	rt.sweeper.Stop(ctx)
	err := rt.sched.Close(ctx)
	if ferr := rt.sessions.Flush(ctx); ferr != nil {
		logger.Error("final flush failed", "err", ferr)
		if err == nil {
			err = ferr
		}
	}
	rt.closeStore()
	return err
}

func (rt *app) closeStore() {
	if rt.store != nil {
		rt.store.Close()
	}
}
