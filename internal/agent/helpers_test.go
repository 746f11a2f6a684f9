package agent

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"groupchat/internal/domain"
	"groupchat/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource replays canned replies per agent.
type fakeSource struct {
	mu       sync.Mutex
	replies  map[string][]string // agent -> successive full outputs
	usage    map[string]*domain.Usage
	errs     map[string]error
	hang     map[string]bool // stream one chunk, then wait for ctx
	deaf     chan struct{}   // when set, hanging streams ignore ctx until closed
	calls    map[string]int
	requests []domain.StreamRequest
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		replies: make(map[string][]string),
		usage:   make(map[string]*domain.Usage),
		errs:    make(map[string]error),
		hang:    make(map[string]bool),
		calls:   make(map[string]int),
	}
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Resolve(p domain.Provider) (domain.StreamSource, error) { return f, nil }

func (f *fakeSource) Calls(agentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[agentID]
}

func (f *fakeSource) Stream(ctx context.Context, req domain.StreamRequest, out chan<- domain.StreamChunk) error {
	defer close(out)

	f.mu.Lock()
	id := req.Agent.ID
	n := f.calls[id]
	f.calls[id]++
	f.requests = append(f.requests, req)
	reply := ""
	if rs := f.replies[id]; len(rs) > 0 {
		reply = rs[min(n, len(rs)-1)]
	}
	usage, err, hang, deaf := f.usage[id], f.errs[id], f.hang[id], f.deaf
	f.mu.Unlock()

	send := func(c domain.StreamChunk) error {
		select {
		case out <- c:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Split into small pieces so the interpreter sees a real stream.
	for len(reply) > 0 {
		k := min(4, len(reply))
		if err := send(domain.StreamChunk{Text: reply[:k]}); err != nil {
			return err
		}
		reply = reply[k:]
	}
	if hang {
		if deaf != nil {
			<-deaf
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}
	if usage != nil {
		if err := send(domain.StreamChunk{Usage: usage}); err != nil {
			return err
		}
	}
	return err
}

type usageLog struct {
	mu      sync.Mutex
	records []domain.UsageRecord
}

func (u *usageLog) RecordUsage(ctx context.Context, r domain.UsageRecord) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = append(u.records, r)
	return nil
}

type fakeSearcher struct {
	mu      sync.Mutex
	queries []string
	result  *domain.SearchResult
	err     error
}

func (f *fakeSearcher) Search(ctx context.Context, query string) (*domain.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	r := *f.result
	r.Query = query
	return &r, nil
}

var (
	geminiAgent   = domain.Agent{ID: "gemini", Name: "Gemini", ProviderID: "p1", ModelID: "m1"}
	deepseekAgent = domain.Agent{ID: "deepseek", Name: "DeepSeek", ProviderID: "p1", ModelID: "m1"}
	claudeAgent   = domain.Agent{ID: "claude", Name: "Claude", ProviderID: "p1", ModelID: "m1"}
	testProvider  = domain.Provider{
		ID:   "p1",
		Kind: domain.KindScripted,
		Models: []domain.Model{
			{ID: "m1", InputPrice: 2, OutputPrice: 10},
		},
	}
)

type harness struct {
	sched    *Scheduler
	store    *session.Store
	roster   *session.Roster
	src      *fakeSource
	searcher *fakeSearcher
	sessID   string
}

type harnessOpts struct {
	settings domain.Settings
	policy   Policy
	searcher *fakeSearcher
	admins   []string
	start    bool
}

func newHarness(t *testing.T, opts harnessOpts, agents ...domain.Agent) *harness {
	t.Helper()
	store := session.NewStore(session.Config{Logger: testLogger()})
	roster := session.NewRoster(nil, testLogger())
	roster.Load(agents, []domain.Provider{testProvider})

	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	sess := store.Create("测试群", "", ids, opts.admins)

	if opts.policy == (Policy{}) {
		opts.policy = DefaultPolicy()
		opts.policy.SearchFollowUpDelay = time.Millisecond
	}
	if opts.settings.TurnTimeoutSeconds == 0 {
		opts.settings.TurnTimeoutSeconds = 5
	}

	h := &harness{store: store, roster: roster, src: newFakeSource(), searcher: opts.searcher, sessID: sess.ID}
	cfg := SchedulerConfig{
		Sessions: store,
		Roster:   roster,
		Sources:  h.src,
		Logger:   testLogger(),
		Settings: opts.settings,
		Policy:   opts.policy,
		Rand:     rand.New(rand.NewPCG(1, 2)),
	}
	if opts.searcher != nil {
		cfg.Searcher = opts.searcher
	}
	h.sched = NewScheduler(cfg)
	if opts.start {
		h.sched.Start()
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.sched.Close(ctx)
	})
	return h
}

func (h *harness) session(t *testing.T) *domain.Session {
	t.Helper()
	sess, err := h.store.Get(h.sessID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return sess
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
