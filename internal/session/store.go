// Package session owns the in-memory state of every group chat and persists
// it through a domain.Persister.
package session

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"groupchat/internal/domain"
)

// ChangeKind says what happened to a session.
type ChangeKind string

const (
	ChangeCreated        ChangeKind = "session.created"
	ChangeDeleted        ChangeKind = "session.deleted"
	ChangeUpdated        ChangeKind = "session.updated"
	ChangeMessageAdded   ChangeKind = "message.added"
	ChangeMessagePatched ChangeKind = "message.patched"
	ChangeMessageDeleted ChangeKind = "message.deleted"
)

// Change is delivered to subscribers after a mutation is committed.
type Change struct {
	Kind      ChangeKind
	SessionID string
	MessageID string
	Streaming bool // the touched message is a live placeholder
	Session   *domain.Session
}

type Config struct {
	Persister  domain.Persister
	Logger     *slog.Logger
	FlushDelay time.Duration
	Now        func() time.Time
}

// Store holds all sessions. Every mutation goes through a functional update
// applied to a private copy, so concurrent writers never lose each other's
// changes and readers never see a half-applied one.
type Store struct {
	persister  domain.Persister
	logger     *slog.Logger
	flushDelay time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	sessions map[string]*domain.Session
	order    []string
	groups   []domain.Group

	subMu   sync.RWMutex
	subs    map[int]func(Change)
	nextSub int

	flushMu    sync.Mutex
	flushTimer *time.Timer
	dirty      map[string]bool
}

func NewStore(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = 500 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		persister:  cfg.Persister,
		logger:     cfg.Logger,
		flushDelay: cfg.FlushDelay,
		now:        cfg.Now,
		sessions:   make(map[string]*domain.Session),
		subs:       make(map[int]func(Change)),
		dirty:      make(map[string]bool),
	}
}

// Load replaces the store contents with persisted state. Placeholders left
// behind by an unclean shutdown are dropped.
func (s *Store) Load(sessions []domain.Session, groups []domain.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[string]*domain.Session, len(sessions))
	s.order = s.order[:0]
	for i := range sessions {
		sess := sessions[i].Clone()
		sess.Messages = slices.DeleteFunc(sess.Messages, func(m domain.Message) bool { return m.IsStreaming })
		s.sessions[sess.ID] = sess
		s.order = append(s.order, sess.ID)
	}
	slices.SortStableFunc(s.order, func(a, b string) int {
		return cmp.Compare(s.sessions[a].CreatedAt, s.sessions[b].CreatedAt)
	})
	s.groups = slices.Clone(groups)
}

// Subscribe registers fn for every committed change. Callbacks run on the
// mutating goroutine after the store lock is released.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.subMu.RLock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return sess.Clone(), nil
}

// List returns copies of all sessions, oldest first.
func (s *Store) List() []*domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Session, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sessions[id].Clone())
	}
	return out
}

// Create adds a new session with the given members.
func (s *Store) Create(name, groupID string, memberIDs, adminIDs []string) *domain.Session {
	if name == "" {
		name = DefaultTitle
	}
	now := s.now().UnixMilli()
	sess := &domain.Session{
		ID:        NewID("sess"),
		GroupID:   groupID,
		Name:      name,
		MemberIDs: slices.Clone(memberIDs),
		AdminIDs:  slices.Clone(adminIDs),
		Memory:    domain.MemoryConfig{ContextWindow: 50, IncludeNotes: true},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.order = append(s.order, sess.ID)
	snap := sess.Clone()
	s.mu.Unlock()

	s.logger.Info("session created", "session", sess.ID, "members", len(memberIDs))
	s.markDirty(domain.CollectionSessions)
	s.notify(Change{Kind: ChangeCreated, SessionID: sess.ID, Session: snap})
	return snap
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	delete(s.sessions, id)
	s.order = slices.DeleteFunc(s.order, func(x string) bool { return x == id })
	s.mu.Unlock()

	s.logger.Info("session deleted", "session", id)
	s.markDirty(domain.CollectionSessions)
	s.notify(Change{Kind: ChangeDeleted, SessionID: id})
	return nil
}

// Update applies fn to a copy of the session and commits it if fn succeeds.
func (s *Store) Update(id string, fn func(*domain.Session) error) (*domain.Session, error) {
	return s.update(id, Change{Kind: ChangeUpdated}, fn)
}

func (s *Store) update(id string, c Change, fn func(*domain.Session) error) (*domain.Session, error) {
	s.mu.Lock()
	cur, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	next.UpdatedAt = s.now().UnixMilli()
	s.sessions[id] = next
	snap := next.Clone()
	s.mu.Unlock()

	if !c.Streaming {
		s.markDirty(domain.CollectionSessions)
	}
	c.SessionID = id
	c.Session = snap
	s.notify(c)
	return snap, nil
}

// AppendMessage adds msg to the end of the transcript.
func (s *Store) AppendMessage(id string, msg domain.Message) error {
	c := Change{Kind: ChangeMessageAdded, MessageID: msg.ID, Streaming: msg.IsStreaming}
	_, err := s.update(id, c, func(sess *domain.Session) error {
		sess.Messages = append(sess.Messages, msg)
		return nil
	})
	return err
}

// AppendWith adds msg and applies fn to the session in one atomic step.
func (s *Store) AppendWith(id string, msg domain.Message, fn func(*domain.Session)) (*domain.Session, error) {
	c := Change{Kind: ChangeMessageAdded, MessageID: msg.ID, Streaming: msg.IsStreaming}
	return s.update(id, c, func(sess *domain.Session) error {
		sess.Messages = append(sess.Messages, msg)
		if fn != nil {
			fn(sess)
		}
		return nil
	})
}

// PatchMessage edits a message in place. Returns ErrMessageNotFound if the
// message was already removed, e.g. by a pass or a stop.
func (s *Store) PatchMessage(id, msgID string, fn func(*domain.Message)) error {
	_, err := s.update(id, Change{Kind: ChangeMessagePatched, MessageID: msgID}, func(sess *domain.Session) error {
		idx := sess.MessageIndex(msgID)
		if idx < 0 {
			return fmt.Errorf("%w: %s", domain.ErrMessageNotFound, msgID)
		}
		fn(&sess.Messages[idx])
		return nil
	})
	return err
}

// PatchStreaming updates a live placeholder without scheduling a flush.
func (s *Store) PatchStreaming(id, msgID string, fn func(*domain.Message)) error {
	c := Change{Kind: ChangeMessagePatched, MessageID: msgID, Streaming: true}
	_, err := s.update(id, c, func(sess *domain.Session) error {
		idx := sess.MessageIndex(msgID)
		if idx < 0 {
			return fmt.Errorf("%w: %s", domain.ErrMessageNotFound, msgID)
		}
		fn(&sess.Messages[idx])
		return nil
	})
	return err
}

func (s *Store) DeleteMessage(id, msgID string) error {
	_, err := s.update(id, Change{Kind: ChangeMessageDeleted, MessageID: msgID}, func(sess *domain.Session) error {
		idx := sess.MessageIndex(msgID)
		if idx < 0 {
			return fmt.Errorf("%w: %s", domain.ErrMessageNotFound, msgID)
		}
		sess.Messages = slices.Delete(sess.Messages, idx, idx+1)
		return nil
	})
	return err
}

func (s *Store) Rename(id, name string) error {
	_, err := s.Update(id, func(sess *domain.Session) error {
		sess.Name = name
		return nil
	})
	return err
}

func (s *Store) SetScenario(id, scenario string) error {
	_, err := s.Update(id, func(sess *domain.Session) error {
		sess.Scenario = scenario
		return nil
	})
	return err
}

func (s *Store) SetSummary(id, summary string) error {
	_, err := s.Update(id, func(sess *domain.Session) error {
		sess.Summary = summary
		return nil
	})
	return err
}

func (s *Store) SetMemory(id string, mc domain.MemoryConfig) error {
	_, err := s.Update(id, func(sess *domain.Session) error {
		sess.Memory = mc
		return nil
	})
	return err
}

// SetMembers replaces the member list; admins not among members are dropped.
func (s *Store) SetMembers(id string, memberIDs []string) error {
	_, err := s.Update(id, func(sess *domain.Session) error {
		sess.MemberIDs = slices.Clone(memberIDs)
		sess.AdminIDs = slices.DeleteFunc(sess.AdminIDs, func(a string) bool { return !slices.Contains(memberIDs, a) })
		return nil
	})
	return err
}

// --- groups ---

func (s *Store) Groups() []domain.Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.groups)
}

func (s *Store) CreateGroup(name string) domain.Group {
	g := domain.Group{ID: NewID("group"), Name: name, CreatedAt: s.now().UnixMilli()}
	s.mu.Lock()
	s.groups = append(s.groups, g)
	s.mu.Unlock()
	s.markDirty(domain.CollectionGroups)
	return g
}

func (s *Store) RenameGroup(id, name string) error {
	s.mu.Lock()
	idx := slices.IndexFunc(s.groups, func(g domain.Group) bool { return g.ID == id })
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("group not found: %s", id)
	}
	s.groups[idx].Name = name
	s.mu.Unlock()
	s.markDirty(domain.CollectionGroups)
	return nil
}

// DeleteGroup removes the group; its sessions become ungrouped.
func (s *Store) DeleteGroup(id string) error {
	s.mu.Lock()
	n := len(s.groups)
	s.groups = slices.DeleteFunc(s.groups, func(g domain.Group) bool { return g.ID == id })
	if len(s.groups) == n {
		s.mu.Unlock()
		return fmt.Errorf("group not found: %s", id)
	}
	for _, sess := range s.sessions {
		if sess.GroupID == id {
			sess.GroupID = ""
		}
	}
	s.mu.Unlock()
	s.markDirty(domain.CollectionGroups)
	s.markDirty(domain.CollectionSessions)
	return nil
}

// --- persistence ---

func (s *Store) markDirty(collection string) {
	if s.persister == nil {
		return
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.dirty[collection] = true
	if s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(s.flushDelay, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.Flush(ctx); err != nil {
				s.logger.Error("session flush failed", "err", err)
			}
		})
	}
}

// Flush writes dirty collections now.
func (s *Store) Flush(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.flushMu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	dirty := s.dirty
	s.dirty = make(map[string]bool)
	s.flushMu.Unlock()

	if dirty[domain.CollectionSessions] {
		docs := make(map[string]any)
		for _, sess := range s.List() {
			sess.Messages = slices.DeleteFunc(sess.Messages, func(m domain.Message) bool { return m.IsStreaming })
			docs[sess.ID] = sess
		}
		if err := s.persister.Save(ctx, domain.CollectionSessions, docs); err != nil {
			return fmt.Errorf("save sessions: %w", err)
		}
	}
	if dirty[domain.CollectionGroups] {
		docs := make(map[string]any)
		for _, g := range s.Groups() {
			docs[g.ID] = g
		}
		if err := s.persister.Save(ctx, domain.CollectionGroups, docs); err != nil {
			return fmt.Errorf("save groups: %w", err)
		}
	}
	return nil
}
