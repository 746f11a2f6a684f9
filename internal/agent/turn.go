package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"groupchat/internal/bus"
	"groupchat/internal/domain"
	"groupchat/internal/metrics"
	"groupchat/internal/protocol"
	"groupchat/internal/session"
)

// turnLoop runs an admitted turn and, when the agent searched, the follow-up
// turn that reads the results. The admission token is held across both so no
// other agent slips in between.
func (s *Scheduler) turnLoop(sessionID, agentID string, tok uint64, opts TriggerOptions) {
	defer s.wg.Done()
	for {
		followUp := s.runTurn(sessionID, agentID, tok, opts)
		if !followUp || !s.holdsPending(sessionID, agentID, tok) {
			break
		}
		select {
		case <-time.After(s.policy.SearchFollowUpDelay):
		case <-s.ctx.Done():
		}
		if s.ctx.Err() != nil || !s.holdsPending(sessionID, agentID, tok) {
			break
		}
		opts.DisableSearch = true
	}

	s.mu.Lock()
	if st, ok := s.states[sessionID]; ok && st.pending[agentID] == tok {
		delete(st.pending, agentID)
	}
	s.inflight--
	s.mu.Unlock()
	s.emit(bus.Event{Type: bus.EventTurnFinished, SessionID: sessionID, Payload: map[string]any{"agentId": agentID}})
	s.emitBusy(sessionID)
	s.kick(sessionID)
}

// runTurn streams one reply into a placeholder message and settles it. It
// reports whether a search succeeded and a follow-up turn is due.
func (s *Scheduler) runTurn(sessionID, agentID string, tok uint64, opts TriggerOptions) bool {
	log := s.logger.With("session", sessionID, "agent", agentID, "turn", tok)

	agent, prov, model, err := s.roster.Resolve(agentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotConfigured) {
			s.postSystem(sessionID, systemError(configErrorText(agent.Name), s.now()))
		}
		log.Warn("turn not started", "err", err)
		return false
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return false
	}

	started := s.now()
	msgID := session.NewMessageID(agentID, started)
	placeholder := domain.Message{ID: msgID, SenderID: agentID, Timestamp: started.UnixMilli(), IsStreaming: true}
	if err := s.sessions.AppendMessage(sessionID, placeholder); err != nil {
		log.Warn("placeholder not added", "err", err)
		return false
	}

	turnCtx, cancel := context.WithCancelCause(s.ctx)
	defer cancel(nil)
	t := &turn{token: tok, agentID: agentID, messageID: msgID, cancel: cancel, started: time.Now()}

	s.mu.Lock()
	st := s.state(sessionID)
	if st.pending[agentID] != tok {
		// stopped between admission and now
		s.mu.Unlock()
		_ = s.sessions.DeleteMessage(sessionID, msgID)
		return false
	}
	st.busy[agentID] = t
	timeout := s.settings.TurnTimeout()
	s.mu.Unlock()

	timer := time.AfterFunc(timeout, func() { cancel(domain.ErrTurnTimeout) })
	metrics.TurnsStarted.Inc()
	metrics.BusyAgents.Inc()
	s.emit(bus.Event{Type: bus.EventTurnStarted, SessionID: sessionID, Payload: map[string]any{"agentId": agentID, "messageId": msgID}})
	s.emitBusy(sessionID)
	log.Debug("turn started", "provider", prov.ID, "model", model.ID)

	defer func() {
		timer.Stop()
		s.mu.Lock()
		if st.busy[agentID] == t {
			delete(st.busy, agentID)
		}
		s.mu.Unlock()
		metrics.BusyAgents.Dec()
		metrics.TurnLatency.Observe(time.Since(t.started).Seconds())
	}()

	popts := PromptOptions{
		AllowAdmin:  isSessionAdmin(sess, agent),
		AllowSearch: !opts.DisableSearch && agent.SearchEnabled && s.searcher != nil,
	}
	interp := protocol.NewInterpreter(protocol.Options{AllowAdmin: popts.AllowAdmin, AllowSearch: popts.AllowSearch})
	streamErr := s.stream(turnCtx, t, sessionID, sess, agent, prov, model, interp, popts)

	switch cause := context.Cause(turnCtx); {
	case errors.Is(cause, domain.ErrTurnTimeout):
		s.failPlaceholder(sessionID, msgID, timeoutSuffix(s.now()))
		metrics.TurnTimeouts.Inc()
		metrics.AgentTurns(agentID, "timeout").Inc()
		log.Warn("turn timed out", "timeout", timeout)
		return false
	case cause != nil:
		_ = s.sessions.DeleteMessage(sessionID, msgID)
		metrics.AgentTurns(agentID, "aborted").Inc()
		log.Info("turn aborted", "cause", cause)
		return false
	case streamErr != nil:
		s.failPlaceholder(sessionID, msgID, errorSuffix(s.now(), streamErr.Error()))
		metrics.TurnErrors.Inc()
		metrics.AgentTurns(agentID, "error").Inc()
		log.Error("turn failed", "err", streamErr)
		return false
	}

	res := interp.Finalize()
	cost := Cost(res.Decision.Usage, model)
	if res.Decision.Kind == domain.DecisionPass {
		s.pass(sessionID, agentID, msgID, cost)
		log.Debug("agent passed")
	} else {
		s.speak(sessionID, agentID, msgID, res.Decision, cost)
		log.Debug("agent spoke", "chars", len(res.Decision.Text), "cost", cost)
	}
	s.recordUsage(sessionID, agentID, model.ID, res.Decision, cost)

	if res.Admin != nil {
		if out, err := s.admin.Apply(sessionID, agent, *res.Admin); err != nil {
			log.Info("admin action refused", "action", res.Admin.Kind, "err", err)
		} else if out.Applied {
			switch res.Admin.Kind {
			case domain.ActionMute:
				s.emit(bus.Event{Type: bus.EventAgentMuted, SessionID: sessionID, Payload: map[string]any{"by": agentID, "target": res.Admin.Target}})
			case domain.ActionUnmute:
				s.emit(bus.Event{Type: bus.EventAgentUnmuted, SessionID: sessionID, Payload: map[string]any{"by": agentID, "target": res.Admin.Target}})
			}
		}
	}

	if res.SearchQuery != "" && res.Decision.Kind == domain.DecisionSpeak {
		return s.search(turnCtx, sessionID, agentID, res.SearchQuery)
	}
	return false
}

// stream feeds the provider's chunks through the interpreter into the
// placeholder. The loop watches ctx itself so a source that ignores
// cancellation cannot hold the turn open past its timeout.
func (s *Scheduler) stream(ctx context.Context, t *turn, sessionID string, sess *domain.Session, agent domain.Agent, prov domain.Provider, model domain.Model, interp *protocol.Interpreter, popts PromptOptions) error {
	system, history := s.prompt.Build(ctx, sess, agent, model, popts)

	if err := s.limiters.Wait(ctx, prov.ID, prov.RateLimitPerMinute); err != nil {
		return err
	}
	src, err := s.sources.Resolve(prov)
	if err != nil {
		return fmt.Errorf("resolve provider %s: %w", prov.ID, err)
	}

	req := domain.StreamRequest{
		Agent:        agent,
		Provider:     prov,
		Model:        model,
		SystemPrompt: system,
		Messages:     history,
		EnableSearch: popts.AllowSearch,
	}
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	ch := make(chan domain.StreamChunk, 32)
	errCh := make(chan error, 1)
	go func() { errCh <- src.Stream(streamCtx, req, ch) }()

	first := true
	for {
		select {
		case <-ctx.Done():
			cancelStream()
			go drain(ch)
			return ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				if err := <-errCh; err != nil && !interp.Passed() {
					return err
				}
				return nil
			}
			if first {
				first = false
				metrics.FirstChunkLatency.Observe(time.Since(t.started).Seconds())
			}
			display, stop := interp.Feed(chunk)
			reasoning := interp.Reasoning()
			_ = s.sessions.PatchStreaming(sessionID, t.messageID, func(m *domain.Message) {
				m.Text = display
				m.ReasoningText = reasoning
			})
			if stop {
				cancelStream()
				go drain(ch)
				return nil
			}
		}
	}
}

func drain(ch <-chan domain.StreamChunk) {
	for range ch {
	}
}

// failPlaceholder keeps what streamed so far, appends the error note and
// settles the message as an error.
func (s *Scheduler) failPlaceholder(sessionID, msgID, suffix string) {
	err := s.sessions.PatchMessage(sessionID, msgID, func(m *domain.Message) {
		m.Text += suffix
		m.IsStreaming = false
		m.IsError = true
	})
	if err != nil && !errors.Is(err, domain.ErrMessageNotFound) {
		s.logger.Warn("settle failed turn", "session", sessionID, "err", err)
	}
}

// pass removes the placeholder and adds the agent to the yielded set. The
// set is anchored at the current message count when it starts out empty.
func (s *Scheduler) pass(sessionID, agentID, msgID string, cost float64) {
	_ = s.sessions.DeleteMessage(sessionID, msgID)
	_, err := s.sessions.Update(sessionID, func(sess *domain.Session) error {
		sess.TotalCost += cost
		if sess.HasYielded(agentID) {
			return nil
		}
		if len(sess.YieldedAgents) == 0 {
			n := sess.MessageCount()
			sess.YieldedAtCount = &n
		}
		sess.YieldedAgents = append(sess.YieldedAgents, agentID)
		return nil
	})
	if err != nil {
		s.logger.Warn("record pass failed", "session", sessionID, "agent", agentID, "err", err)
	}
	metrics.TurnsPassed.Inc()
	metrics.AgentTurns(agentID, "pass").Inc()
	metrics.AddCost(cost)
	s.emit(bus.Event{Type: bus.EventAgentPassed, SessionID: sessionID, Payload: map[string]any{"agentId": agentID}})
}

func (s *Scheduler) recordUsage(sessionID, agentID, modelID string, dec domain.Decision, cost float64) {
	if s.usage == nil {
		return
	}
	r := domain.UsageRecord{
		SessionID: sessionID,
		AgentID:   agentID,
		ModelID:   modelID,
		Outcome:   dec.Kind,
		Cost:      cost,
		At:        s.now(),
	}
	if dec.Usage != nil {
		r.Input, r.Output = dec.Usage.Input, dec.Usage.Output
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.usage.RecordUsage(ctx, r); err != nil {
		s.logger.Warn("record usage failed", "session", sessionID, "agent", agentID, "err", err)
	}
}

// speak settles the placeholder with the final text and records when the
// agent last spoke.
func (s *Scheduler) speak(sessionID, agentID, msgID string, dec domain.Decision, cost float64) {
	err := s.sessions.PatchMessage(sessionID, msgID, func(m *domain.Message) {
		m.Text = dec.Text
		m.ReplyToID = dec.ReplyToID
		m.ReasoningText = dec.ReasoningText
		m.ReasoningSignature = dec.ReasoningSignature
		m.Tokens = dec.Usage
		m.Cost = cost
		m.IsStreaming = false
	})
	if err != nil {
		// removed by a concurrent stop
		return
	}
	sess, err := s.sessions.Update(sessionID, func(sess *domain.Session) error {
		sess.TotalCost += cost
		return nil
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	if st, ok := s.states[sessionID]; ok {
		st.lastSpoke[agentID] = sess.MessageCount()
	}
	s.mu.Unlock()
	metrics.TurnsSpoke.Inc()
	metrics.AgentTurns(agentID, "spoke").Inc()
	metrics.AddCost(cost)
}

// search runs the query and posts the results as the agent's search message.
// A failure is posted as a system error and ends the turn.
func (s *Scheduler) search(ctx context.Context, sessionID, agentID, query string) bool {
	metrics.SearchesTotal.Inc()
	res, err := s.searcher.Search(ctx, query)
	if err == nil && res != nil && res.Error != "" {
		err = errors.New(res.Error)
	}
	if err == nil && res == nil {
		err = errors.New("empty response")
	}
	now := s.now()
	if err != nil {
		metrics.SearchFailures.Inc()
		s.logger.Warn("search failed", "session", sessionID, "agent", agentID, "query", query, "err", err)
		s.postSystem(sessionID, systemError(fmt.Sprintf("搜索失败: %v", err), now))
		return false
	}
	if res.Query == "" {
		res.Query = query
	}
	msg := domain.Message{
		ID:             session.NewMessageID(agentID, now),
		SenderID:       agentID,
		Text:           formatSearchResult(res),
		Timestamp:      now.UnixMilli(),
		IsSearchResult: true,
	}
	if err := s.sessions.AppendMessage(sessionID, msg); err != nil {
		return false
	}
	s.emit(bus.Event{Type: bus.EventSearchDone, SessionID: sessionID, Payload: map[string]any{"agentId": agentID, "query": query, "hits": len(res.Results)}})
	return true
}
