package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"groupchat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memPersister struct {
	mu    sync.Mutex
	saved map[string]map[string]any
}

func (p *memPersister) LoadAll(ctx context.Context) (*domain.Snapshot, error) {
	return &domain.Snapshot{}, nil
}

func (p *memPersister) Save(ctx context.Context, collection string, docs map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saved == nil {
		p.saved = make(map[string]map[string]any)
	}
	p.saved[collection] = docs
	return nil
}

func (p *memPersister) SaveSettings(ctx context.Context, s domain.Settings) error { return nil }
func (p *memPersister) Close() error                                            { return nil }

func newTestStore(p domain.Persister) *Store {
	return NewStore(Config{Persister: p, Logger: testLogger()})
}

func TestStore_UpdateIsAtomicUnderContention(t *testing.T) {
	st := newTestStore(nil)
	sess := st.Create("race", "", []string{"a"}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.Update(sess.ID, func(s *domain.Session) error {
				s.TotalCost += 1
				return nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := st.Get(sess.ID)
	if got.TotalCost != 200 {
		t.Fatalf("expected 200 increments, got %v", got.TotalCost)
	}
}

func TestStore_UpdateErrorLeavesSessionUntouched(t *testing.T) {
	st := newTestStore(nil)
	sess := st.Create("x", "", nil, nil)

	boom := errors.New("boom")
	_, err := st.Update(sess.ID, func(s *domain.Session) error {
		s.Name = "changed"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _ := st.Get(sess.ID)
	if got.Name != "x" {
		t.Fatalf("expected name unchanged, got %q", got.Name)
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	st := newTestStore(nil)
	sess := st.Create("x", "", []string{"a"}, nil)
	_ = st.AppendMessage(sess.ID, domain.Message{ID: "m1", SenderID: "user", Text: "hi"})

	got, _ := st.Get(sess.ID)
	got.Messages[0].Text = "mutated"
	got.MemberIDs[0] = "zzz"

	again, _ := st.Get(sess.ID)
	if again.Messages[0].Text != "hi" || again.MemberIDs[0] != "a" {
		t.Fatal("Get leaked internal state")
	}
}

func TestStore_PatchAndDeleteMissingMessage(t *testing.T) {
	st := newTestStore(nil)
	sess := st.Create("x", "", nil, nil)

	err := st.PatchMessage(sess.ID, "nope", func(m *domain.Message) {})
	if !errors.Is(err, domain.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
	if err := st.DeleteMessage(sess.ID, "nope"); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
	if _, err := st.Get("missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStore_SubscribersSeeChanges(t *testing.T) {
	st := newTestStore(nil)
	var kinds []ChangeKind
	unsub := st.Subscribe(func(c Change) { kinds = append(kinds, c.Kind) })

	sess := st.Create("x", "", nil, nil)
	_ = st.AppendMessage(sess.ID, domain.Message{ID: "m1"})
	_ = st.PatchMessage(sess.ID, "m1", func(m *domain.Message) { m.Text = "t" })
	_ = st.DeleteMessage(sess.ID, "m1")
	unsub()
	_ = st.Rename(sess.ID, "y")

	want := []ChangeKind{ChangeCreated, ChangeMessageAdded, ChangeMessagePatched, ChangeMessageDeleted}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("change %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
}

func TestStore_FlushSkipsPlaceholders(t *testing.T) {
	p := &memPersister{}
	st := newTestStore(p)
	sess := st.Create("x", "", nil, nil)
	_ = st.AppendMessage(sess.ID, domain.Message{ID: "m1", Text: "done"})
	_ = st.AppendMessage(sess.ID, domain.Message{ID: "m2", IsStreaming: true})

	if err := st.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	doc, ok := p.saved[domain.CollectionSessions][sess.ID].(*domain.Session)
	if !ok {
		t.Fatalf("expected session document, got %T", p.saved[domain.CollectionSessions][sess.ID])
	}
	if len(doc.Messages) != 1 || doc.Messages[0].ID != "m1" {
		t.Fatalf("expected only settled message persisted, got %+v", doc.Messages)
	}
}

func TestStore_LoadDropsStaleStreaming(t *testing.T) {
	st := newTestStore(nil)
	st.Load([]domain.Session{{
		ID:       "s1",
		Messages: []domain.Message{{ID: "a"}, {ID: "b", IsStreaming: true}},
	}}, nil)
	got, err := st.Get("s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("expected 1 message after load, got %d", len(got.Messages))
	}
}

func TestStore_DeleteGroupUngroupsSessions(t *testing.T) {
	st := newTestStore(nil)
	g := st.CreateGroup("work")
	sess := st.Create("x", g.ID, nil, nil)
	if err := st.DeleteGroup(g.ID); err != nil {
		t.Fatalf("delete group: %v", err)
	}
	got, _ := st.Get(sess.ID)
	if got.GroupID != "" {
		t.Fatalf("expected session ungrouped, got %q", got.GroupID)
	}
}

// --- roster ---

func TestFindAgent(t *testing.T) {
	agents := []domain.Agent{
		{ID: "g", Name: "Gemini"},
		{ID: "gp", Name: "GPT"},
		{ID: "c", Name: "Claude Sonnet"},
	}
	cases := map[string]string{
		"gemini":  "g",
		"@GPT":    "gp",
		"Gem":     "g",
		"sonnet":  "c",
		" claude": "c",
	}
	for in, want := range cases {
		a, ok := FindAgent(agents, in)
		if !ok || a.ID != want {
			t.Fatalf("FindAgent(%q): expected %s, got %+v (ok=%v)", in, want, a, ok)
		}
	}
	if _, ok := FindAgent(agents, "nobody"); ok {
		t.Fatal("expected no match")
	}
}

func TestRoster_Resolve(t *testing.T) {
	r := NewRoster(nil, testLogger())
	r.Load([]domain.Agent{
		{ID: "a", Name: "A", ProviderID: "p", ModelID: "m"},
		{ID: "b", Name: "B"},
	}, []domain.Provider{{ID: "p", Models: []domain.Model{{ID: "m", InputPrice: 1}}}})

	_, _, m, err := r.Resolve("a")
	if err != nil || m.InputPrice != 1 {
		t.Fatalf("expected resolved model, got %+v err=%v", m, err)
	}
	if _, _, _, err := r.Resolve("b"); !errors.Is(err, domain.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, _, _, err := r.Resolve("zz"); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestTitleFrom(t *testing.T) {
	if got := TitleFrom("  "); got != DefaultTitle {
		t.Fatalf("expected default title, got %q", got)
	}
	if got := TitleFrom("第一行\n第二行"); got != "第一行" {
		t.Fatalf("expected first line, got %q", got)
	}
	long := "这是一个非常非常长的标题这是一个非常非常长的标题这是一个非常非常长的标题"
	if got := []rune(TitleFrom(long)); len(got) != 33 {
		t.Fatalf("expected 30 runes plus ellipsis, got %d", len(got))
	}
}
