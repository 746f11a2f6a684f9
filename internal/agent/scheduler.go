package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"groupchat/internal/bus"
	"groupchat/internal/domain"
	"groupchat/internal/metrics"
	"groupchat/internal/session"
)

const (
	defaultTurnTimeout     = 120 * time.Second
	defaultCooldownMin     = 2
	defaultAmnestyMessages = 5
	defaultSearchFollowUp  = 1500 * time.Millisecond
	defaultRateBurst       = 5
	defaultRatePerMinute   = 30.0
)

// Policy holds the tuning knobs of the speaking rules.
type Policy struct {
	CooldownMin           int           // minimum messages between two turns of one agent
	AmnestyMessages       int           // messages after which yielded agents may speak again
	ModerationResetsYield bool          // mute changes clear the yielded set
	SearchFollowUpDelay   time.Duration // pause before the turn that reads search results
	RateBurst             int
}

// DefaultPolicy returns the stock speaking rules.
func DefaultPolicy() Policy {
	return Policy{
		CooldownMin:           defaultCooldownMin,
		AmnestyMessages:       defaultAmnestyMessages,
		ModerationResetsYield: true,
		SearchFollowUpDelay:   defaultSearchFollowUp,
		RateBurst:             defaultRateBurst,
	}
}

// TriggerOptions adjust a single requested turn.
type TriggerOptions struct {
	DisableSearch bool
}

// SchedulerConfig holds all dependencies of the scheduler.
type SchedulerConfig struct {
	Sessions  *session.Store
	Roster    *session.Roster
	Sources   domain.SourceResolver
	Searcher  domain.Searcher       // optional
	Vision    domain.ImageDescriber // optional
	Events    *bus.EventBus         // optional
	Persister domain.Persister      // optional, receives settings changes
	Usage     domain.UsageRecorder  // optional, per-turn usage ledger
	Logger    *slog.Logger
	Settings  domain.Settings
	Policy    Policy
	HumanName string
	Now       func() time.Time
	Rand      *rand.Rand
}

// Scheduler decides which agents speak next in each session and runs their
// turns. All per-session bookkeeping lives behind one mutex; store mutations
// are never made while holding it.
type Scheduler struct {
	sessions  *session.Store
	roster    *session.Roster
	sources   domain.SourceResolver
	searcher  domain.Searcher
	events    *bus.EventBus
	persister domain.Persister
	usage     domain.UsageRecorder
	logger    *slog.Logger
	now       func() time.Time
	policy    Policy
	admin     *AdminExecutor
	prompt    *PromptBuilder
	limiters  *providerLimiters

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsub  func()
	start  sync.Once

	mu       sync.Mutex
	settings domain.Settings
	states   map[string]*sessionState
	rng      *rand.Rand
	nextTok  uint64
	inflight int // turn goroutines not yet finished

	kickMu sync.Mutex
	kicked map[string]struct{}
	kickCh chan struct{}
}

// sessionState tracks the turns of one session.
type sessionState struct {
	pending   map[string]uint64      // agent -> token of the admitted turn
	busy      map[string]*turn       // agent -> running turn
	dispatch  map[string]*time.Timer // agent -> breathing-time timer
	lastSpoke map[string]int         // agent -> message count after its last message
	queue     []string               // agents mentioned but not yet dispatched
}

func newSessionState() *sessionState {
	return &sessionState{
		pending:   make(map[string]uint64),
		busy:      make(map[string]*turn),
		dispatch:  make(map[string]*time.Timer),
		lastSpoke: make(map[string]int),
	}
}

// active reports whether any turn is admitted, running or about to start.
func (st *sessionState) active() bool {
	return len(st.pending) > 0 || len(st.busy) > 0 || len(st.dispatch) > 0
}

type turn struct {
	token     uint64
	agentID   string
	messageID string
	cancel    context.CancelCauseFunc
	started   time.Time
}

// NewScheduler wires a scheduler. Call Start to enable autoplay evaluation.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Policy.CooldownMin <= 0 {
		cfg.Policy.CooldownMin = defaultCooldownMin
	}
	if cfg.Policy.AmnestyMessages <= 0 {
		cfg.Policy.AmnestyMessages = defaultAmnestyMessages
	}
	if cfg.Policy.RateBurst <= 0 {
		cfg.Policy.RateBurst = defaultRateBurst
	}
	cfg.Settings = normalizeSettings(cfg.Settings)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		sessions:  cfg.Sessions,
		roster:    cfg.Roster,
		sources:   cfg.Sources,
		searcher:  cfg.Searcher,
		events:    cfg.Events,
		persister: cfg.Persister,
		usage:     cfg.Usage,
		logger:    cfg.Logger,
		now:       cfg.Now,
		policy:    cfg.Policy,
		limiters:  newProviderLimiters(cfg.Policy.RateBurst),
		ctx:       ctx,
		cancel:    cancel,
		settings:  cfg.Settings,
		states:    make(map[string]*sessionState),
		rng:       cfg.Rand,
		kicked:    make(map[string]struct{}),
		kickCh:    make(chan struct{}, 1),
	}
	s.admin = NewAdminExecutor(AdminConfig{
		Sessions:    cfg.Sessions,
		Roster:      cfg.Roster,
		Logger:      cfg.Logger,
		Now:         cfg.Now,
		ResetsYield: cfg.Policy.ModerationResetsYield,
	})
	s.prompt = NewPromptBuilder(PromptConfig{
		Roster:    cfg.Roster,
		Vision:    cfg.Vision,
		Logger:    cfg.Logger,
		HumanName: cfg.HumanName,
		Now:       cfg.Now,
	})
	s.unsub = cfg.Sessions.Subscribe(s.onChange)
	return s
}

func normalizeSettings(st domain.Settings) domain.Settings {
	if st.BreathingTimeMs < 0 {
		st.BreathingTimeMs = 0
	}
	if st.TurnTimeoutSeconds <= 0 {
		st.TurnTimeoutSeconds = defaultTurnTimeout.Seconds()
	}
	return st
}

// Start launches the autoplay evaluator and evaluates every session once.
func (s *Scheduler) Start() {
	s.start.Do(func() {
		s.wg.Add(1)
		go s.autoplayLoop()
		for _, sess := range s.sessions.List() {
			s.kick(sess.ID)
		}
		s.logger.Info("scheduler started", "autoplay", s.Settings().Autoplay, "concurrency", s.Settings().Concurrency)
	})
}

// Close aborts every running turn and waits for them to unwind.
func (s *Scheduler) Close(ctx context.Context) error {
	s.unsub()
	s.mu.Lock()
	for _, st := range s.states {
		for _, t := range st.dispatch {
			t.Stop()
		}
		clear(st.dispatch)
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler close: %w", ctx.Err())
	}
}

// Wait blocks until every admitted turn has finished. Used by tests and the
// one-shot CLI.
func (s *Scheduler) Wait() {
	for {
		s.mu.Lock()
		idle := s.inflight == 0
		for _, st := range s.states {
			if st.active() {
				idle = false
				break
			}
		}
		s.mu.Unlock()
		if idle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Admin exposes the moderation executor for human commands.
func (s *Scheduler) Admin() *AdminExecutor { return s.admin }

func (s *Scheduler) state(sessionID string) *sessionState {
	st, ok := s.states[sessionID]
	if !ok {
		st = newSessionState()
		s.states[sessionID] = st
	}
	return st
}

// --- settings ---

// Settings returns the current runtime settings.
func (s *Scheduler) Settings() domain.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateSettings applies fn and persists the result. Turning autoplay off
// cancels pending dispatches; running turns finish normally.
func (s *Scheduler) UpdateSettings(ctx context.Context, fn func(*domain.Settings)) (domain.Settings, error) {
	s.mu.Lock()
	prev := s.settings
	next := prev
	fn(&next)
	next = normalizeSettings(next)
	s.settings = next
	if prev.Autoplay && !next.Autoplay {
		for _, st := range s.states {
			for id, t := range st.dispatch {
				t.Stop()
				delete(st.dispatch, id)
			}
			st.queue = nil
		}
	}
	s.mu.Unlock()

	s.emit(bus.Event{Type: bus.EventSettings, Payload: map[string]any{"settings": next}})
	if next.Autoplay && (!prev.Autoplay || prev.Concurrency != next.Concurrency) {
		for _, sess := range s.sessions.List() {
			s.kick(sess.ID)
		}
	}
	if s.persister == nil {
		return next, nil
	}
	if err := s.persister.SaveSettings(ctx, next); err != nil {
		return next, fmt.Errorf("save settings: %w", err)
	}
	return next, nil
}

// --- human input ---

// PostHumanMessage appends a message from the human. It clears the yielded
// set and any queued mentions, and names an untitled session after it.
func (s *Scheduler) PostHumanMessage(sessionID, text string, att *domain.Attachment) (domain.Message, error) {
	now := s.now()
	msg := domain.Message{
		ID:         session.NewMessageID(domain.HumanUserID, now),
		SenderID:   domain.HumanUserID,
		Text:       text,
		Timestamp:  now.UnixMilli(),
		Attachment: att,
	}
	_, err := s.sessions.AppendWith(sessionID, msg, func(sess *domain.Session) {
		sess.ClearYield()
		if sess.Name == "" || sess.Name == session.DefaultTitle {
			if title := session.TitleFrom(text); title != "" {
				sess.Name = title
			}
		}
	})
	if err != nil {
		return domain.Message{}, err
	}
	s.mu.Lock()
	if st, ok := s.states[sessionID]; ok {
		st.queue = nil
	}
	s.mu.Unlock()
	metrics.HumanMessages.Inc()
	return msg, nil
}

// Run posts inbound human messages until ctx ends. Slash commands are
// executed and their output emitted as command results.
func (s *Scheduler) Run(ctx context.Context, inbound domain.MessageBus) {
	ch := inbound.Subscribe()
	s.logger.Info("scheduler consuming inbound messages")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleInbound(ctx, msg)
		}
	}
}

func (s *Scheduler) handleInbound(ctx context.Context, msg domain.InboundMessage) {
	if cmd := ParseCommand(msg.Content); cmd != nil {
		if res := s.HandleCommand(ctx, msg.SessionID, cmd); res.Handled {
			s.emit(bus.Event{
				Type:      bus.EventCommandResult,
				SessionID: msg.SessionID,
				Source:    msg.Channel,
				Payload:   map[string]any{"command": cmd.Name, "text": res.Response},
			})
			return
		}
	}
	if _, err := s.PostHumanMessage(msg.SessionID, msg.Content, msg.Attachment); err != nil {
		s.logger.Warn("inbound message dropped", "channel", msg.Channel, "session", msg.SessionID, "err", err)
	}
}

// --- moderation from the human ---

// MuteAgent silences an agent on behalf of the human.
func (s *Scheduler) MuteAgent(sessionID, agentID string, d time.Duration, permanent bool) error {
	_, err := s.admin.MuteAgent(sessionID, agentID, d, permanent)
	if err == nil {
		s.emit(bus.Event{Type: bus.EventAgentMuted, SessionID: sessionID, Payload: map[string]any{"agentId": agentID}})
	}
	return err
}

// UnmuteAgent lifts a mute on behalf of the human.
func (s *Scheduler) UnmuteAgent(sessionID, agentID string) error {
	_, err := s.admin.UnmuteAgent(sessionID, agentID)
	if err == nil {
		s.emit(bus.Event{Type: bus.EventAgentUnmuted, SessionID: sessionID, Payload: map[string]any{"agentId": agentID}})
	}
	return err
}

// --- stop ---

// StopAll turns autoplay off, aborts every running turn and forgets every
// pending dispatch and queued mention. Aborted placeholders are removed.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	s.settings.Autoplay = false
	settings := s.settings
	aborted := 0
	for _, st := range s.states {
		for _, t := range st.busy {
			t.cancel(domain.ErrUserAbort)
			aborted++
		}
		for _, t := range st.dispatch {
			t.Stop()
		}
		clear(st.dispatch)
		clear(st.pending)
		clear(st.busy)
		st.queue = nil
	}
	s.mu.Unlock()

	s.logger.Info("all turns stopped", "aborted", aborted)
	s.emit(bus.Event{Type: bus.EventStopAll, Payload: map[string]any{"aborted": aborted}})
	s.emit(bus.Event{Type: bus.EventSettings, Payload: map[string]any{"settings": settings}})
	if s.persister != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.persister.SaveSettings(ctx, settings); err != nil {
			s.logger.Warn("save settings failed", "err", err)
		}
	}
}

// --- status ---

// AgentStatus is the scheduling view of one member.
type AgentStatus struct {
	AgentID     string `json:"agentId"`
	Name        string `json:"name"`
	Configured  bool   `json:"configured"`
	Busy        bool   `json:"busy"`
	Pending     bool   `json:"pending"`
	Dispatching bool   `json:"dispatching"`
	Muted       bool   `json:"muted"`
	MuteUntil   int64  `json:"muteUntil,omitempty"`
	Yielded     bool   `json:"yielded"`
	Admin       bool   `json:"admin"`
}

// Status reports every member of the session.
func (s *Scheduler) Status(sessionID string) ([]AgentStatus, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	members := s.roster.Members(sess)

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[sessionID]
	out := make([]AgentStatus, 0, len(members))
	for _, a := range members {
		as := AgentStatus{
			AgentID:    a.ID,
			Name:       a.Name,
			Configured: a.Configured(),
			Yielded:    sess.HasYielded(a.ID),
			Admin:      isSessionAdmin(sess, a),
		}
		if mi, ok := sess.ActiveMute(a.ID, now); ok {
			as.Muted = true
			as.MuteUntil = mi.MuteUntil
		}
		if st != nil {
			_, as.Busy = st.busy[a.ID]
			_, as.Pending = st.pending[a.ID]
			_, as.Dispatching = st.dispatch[a.ID]
		}
		out = append(out, as)
	}
	return out, nil
}

// BusyAgents lists the agents currently generating in the session.
func (s *Scheduler) BusyAgents(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[sessionID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(st.busy))
	for id := range st.busy {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// --- selection ---

// Evaluate runs one autoplay decision for the session and dispatches the
// chosen agents after the breathing time. It does nothing with autoplay off.
func (s *Scheduler) Evaluate(sessionID string) []string {
	return s.evaluate(sessionID, true)
}

// Select returns the agents the policy would pick now without dispatching
// them. Mention queue entries it consumes stay consumed.
func (s *Scheduler) Select(sessionID string) []string {
	return s.evaluate(sessionID, false)
}

func (s *Scheduler) evaluate(sessionID string, dispatch bool) []string {
	settings := s.Settings()
	if dispatch && !settings.Autoplay {
		return nil
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil
	}
	last, ok := sess.LastMessage()
	if !ok || !last.Settled() {
		return nil
	}
	sess = s.applyAmnesty(sess)
	members := s.roster.Members(sess)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(sessionID)
	if !settings.Concurrency && st.active() {
		return nil
	}

	eligible := make([]string, 0, len(members))
	for _, a := range members {
		if s.hardBlockLocked(st, sess, a, now, settings.Concurrency) != "" {
			continue
		}
		if _, ok := st.dispatch[a.ID]; ok {
			continue
		}
		if s.softBlockLocked(st, sess, len(members), a.ID) != "" {
			continue
		}
		eligible = append(eligible, a.ID)
	}

	picks := s.pickLocked(st, last, members, eligible, settings.Concurrency)
	if dispatch {
		for _, id := range picks {
			s.dispatchLocked(sessionID, st, id, settings.BreathingTime())
		}
	}
	if len(picks) > 0 {
		s.logger.Debug("agents selected", "session", sessionID, "agents", picks, "dispatch", dispatch)
	}
	return picks
}

// pickLocked applies the selection order: queued mentions, @all, fresh
// mentions in the last message, then a random eligible agent.
func (s *Scheduler) pickLocked(st *sessionState, last domain.Message, members []domain.Agent, eligible []string, concurrency bool) []string {
	if len(eligible) == 0 {
		return nil
	}
	isEligible := func(id string) bool { return slices.Contains(eligible, id) }

	if len(st.queue) > 0 {
		if concurrency {
			var picks, rest []string
			for _, id := range st.queue {
				if isEligible(id) {
					picks = append(picks, id)
				} else {
					rest = append(rest, id)
				}
			}
			st.queue = rest
			if len(picks) > 0 {
				return picks
			}
		} else {
			for len(st.queue) > 0 {
				id := st.queue[0]
				st.queue = st.queue[1:]
				if isEligible(id) {
					return []string{id}
				}
			}
		}
	}

	if last.SenderID == domain.HumanUserID && MentionsAll(last.Text) {
		picks := slices.Clone(eligible)
		s.rng.Shuffle(len(picks), func(i, j int) { picks[i], picks[j] = picks[j], picks[i] })
		if concurrency {
			return picks
		}
		st.queue = append(st.queue, picks[1:]...)
		return picks[:1]
	}

	if !last.IsSystem {
		var mentioned []string
		for _, id := range ParseMentions(last.Text, members) {
			if id != last.SenderID && isEligible(id) {
				mentioned = append(mentioned, id)
			}
		}
		if len(mentioned) > 0 {
			if concurrency {
				return mentioned
			}
			st.queue = append(st.queue, mentioned[1:]...)
			return mentioned[:1]
		}
	}

	return []string{eligible[s.rng.IntN(len(eligible))]}
}

// hardBlockLocked returns why the agent may not start a turn at all, or "".
func (s *Scheduler) hardBlockLocked(st *sessionState, sess *domain.Session, a domain.Agent, now time.Time, concurrency bool) string {
	switch {
	case !a.Configured():
		return "not configured"
	case !a.Active():
		return "inactive"
	case st.busy[a.ID] != nil:
		return "already speaking"
	}
	if _, ok := st.pending[a.ID]; ok {
		return "already pending"
	}
	if !concurrency && (len(st.busy) > 0 || len(st.pending) > 0) {
		return "another agent is speaking"
	}
	if sess.IsMuted(a.ID, now) {
		return "muted"
	}
	return ""
}

// softBlockLocked returns why autoplay should not pick the agent, or "".
func (s *Scheduler) softBlockLocked(st *sessionState, sess *domain.Session, memberCount int, agentID string) string {
	if sess.HasYielded(agentID) {
		return "yielded"
	}
	if memberCount > 1 && sess.LastSpeaker() == agentID {
		return "spoke last"
	}
	if n, ok := st.lastSpoke[agentID]; ok {
		if sess.MessageCount()-n < max(s.policy.CooldownMin, memberCount/2) {
			return "cooling down"
		}
	}
	return ""
}

// applyAmnesty forgives yielded agents once enough messages have passed and
// anchors a yielded set that lost its anchor.
func (s *Scheduler) applyAmnesty(sess *domain.Session) *domain.Session {
	if len(sess.YieldedAgents) == 0 {
		return sess
	}
	if sess.YieldedAtCount != nil && sess.MessageCount()-*sess.YieldedAtCount < s.policy.AmnestyMessages {
		return sess
	}
	updated, err := s.sessions.Update(sess.ID, func(cur *domain.Session) error {
		if len(cur.YieldedAgents) == 0 {
			return nil
		}
		count := cur.MessageCount()
		if cur.YieldedAtCount == nil {
			cur.YieldedAtCount = &count
			return nil
		}
		if count-*cur.YieldedAtCount >= s.policy.AmnestyMessages {
			cur.ClearYield()
		}
		return nil
	})
	if err != nil {
		return sess
	}
	return updated
}

func (s *Scheduler) dispatchLocked(sessionID string, st *sessionState, agentID string, delay time.Duration) {
	if _, ok := st.dispatch[agentID]; ok {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if st.dispatch[agentID] != timer {
			s.mu.Unlock()
			return
		}
		delete(st.dispatch, agentID)
		autoplay := s.settings.Autoplay
		s.mu.Unlock()
		if !autoplay {
			return
		}
		if err := s.trigger(sessionID, agentID, TriggerOptions{}, true); err != nil {
			s.logger.Debug("dispatch dropped", "session", sessionID, "agent", agentID, "err", err)
			s.kick(sessionID)
		}
	})
	st.dispatch[agentID] = timer
}

// --- triggering ---

// RequestTrigger starts a turn for the agent right away, bypassing the
// autoplay courtesy rules. The agent must still be configured, active, not
// muted and not already speaking; with concurrency off nobody else may be
// speaking either.
func (s *Scheduler) RequestTrigger(sessionID, agentID string, opts TriggerOptions) error {
	return s.trigger(sessionID, agentID, opts, false)
}

func (s *Scheduler) trigger(sessionID, agentID string, opts TriggerOptions, soft bool) error {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	a, ok := s.roster.Agent(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agentID)
	}
	if !sess.HasMember(a.ID) {
		return fmt.Errorf("%w: %s is not in this session", domain.ErrNotEligible, a.Name)
	}
	if !a.Configured() {
		s.postSystem(sessionID, systemError(configErrorText(a.Name), s.now()))
		return fmt.Errorf("%w: %s", domain.ErrNotConfigured, a.Name)
	}
	settings := s.Settings()
	members := s.roster.Members(sess)
	now := s.now()

	s.mu.Lock()
	// a breathing timer may fire after StopAll turned autoplay off
	if soft && !s.settings.Autoplay {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s autoplay is off", domain.ErrNotEligible, a.Name)
	}
	st := s.state(sessionID)
	reason := s.hardBlockLocked(st, sess, a, now, settings.Concurrency)
	if reason == "" && soft {
		reason = s.softBlockLocked(st, sess, len(members), a.ID)
	}
	if reason != "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s %s", domain.ErrNotEligible, a.Name, reason)
	}
	s.nextTok++
	tok := s.nextTok
	st.pending[a.ID] = tok
	s.inflight++
	s.wg.Add(1)
	s.mu.Unlock()

	s.emitBusy(sessionID)
	go s.turnLoop(sessionID, a.ID, tok, opts)
	return nil
}

// holdsPending reports whether the admission token is still current.
func (s *Scheduler) holdsPending(sessionID, agentID string, tok uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[sessionID]
	return ok && st.pending[agentID] == tok
}

// --- autoplay evaluation ---

func (s *Scheduler) onChange(c session.Change) {
	s.forward(c)
	if c.Kind == session.ChangeDeleted {
		s.dropSession(c.SessionID)
		return
	}
	if c.Streaming {
		return
	}
	s.kick(c.SessionID)
}

func (s *Scheduler) dropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[sessionID]
	if !ok {
		return
	}
	for _, t := range st.busy {
		t.cancel(domain.ErrUserAbort)
	}
	for _, t := range st.dispatch {
		t.Stop()
	}
	delete(s.states, sessionID)
}

// kick marks the session for re-evaluation. Kicks coalesce.
func (s *Scheduler) kick(sessionID string) {
	s.kickMu.Lock()
	s.kicked[sessionID] = struct{}{}
	s.kickMu.Unlock()
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) autoplayLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.kickCh:
		}
		s.kickMu.Lock()
		ids := make([]string, 0, len(s.kicked))
		for id := range s.kicked {
			ids = append(ids, id)
		}
		clear(s.kicked)
		s.kickMu.Unlock()

		for _, id := range ids {
			s.Evaluate(id)
		}
	}
}

// --- events ---

func (s *Scheduler) emit(e bus.Event) {
	if s.events == nil {
		return
	}
	if e.Source == "" {
		e.Source = "scheduler"
	}
	s.events.Emit(e)
}

func (s *Scheduler) emitBusy(sessionID string) {
	if s.events == nil {
		return
	}
	s.mu.Lock()
	var busy, pending []string
	if st, ok := s.states[sessionID]; ok {
		for id := range st.busy {
			busy = append(busy, id)
		}
		for id := range st.pending {
			pending = append(pending, id)
		}
	}
	s.mu.Unlock()
	slices.Sort(busy)
	slices.Sort(pending)
	s.emit(bus.Event{Type: bus.EventBusyChanged, SessionID: sessionID, Payload: map[string]any{"busy": busy, "pending": pending}})
}

// forward republishes store changes on the event bus.
func (s *Scheduler) forward(c session.Change) {
	if s.events == nil {
		return
	}
	ev := bus.Event{SessionID: c.SessionID, Source: "session", Payload: map[string]any{"messageId": c.MessageID}}
	var msg *domain.Message
	if c.Session != nil && c.MessageID != "" {
		if i := c.Session.MessageIndex(c.MessageID); i >= 0 {
			msg = &c.Session.Messages[i]
		}
	}
	switch c.Kind {
	case session.ChangeMessageAdded:
		ev.Type = bus.EventMessageAdded
	case session.ChangeMessagePatched:
		ev.Type = bus.EventMessageFinal
		if c.Streaming {
			ev.Type = bus.EventMessageDelta
		}
	case session.ChangeMessageDeleted:
		ev.Type = bus.EventMessageRemoved
	default:
		ev.Type = bus.EventSessionUpdated
		ev.Payload["kind"] = string(c.Kind)
	}
	if msg != nil {
		ev.Payload["message"] = *msg
	}
	s.emit(ev)
}

func (s *Scheduler) postSystem(sessionID string, msg domain.Message) {
	if err := s.sessions.AppendMessage(sessionID, msg); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		s.logger.Warn("post system message failed", "session", sessionID, "err", err)
	}
}
