package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is a notification about scheduler or session activity.
type Event struct {
	Type      string         // e.g. "turn.started", "message.patched"
	SessionID string         // empty for global events
	Source    string         // originating component
	Payload   map[string]any // event-specific data
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe system with a bounded history
// so late subscribers (a freshly opened browser tab) can catch up.
type EventBus struct {
	handlers   map[string][]namedHandler
	nextID     int
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 1000,
	}
}

// On registers a handler for the given event type.
// Use "*" to listen to all events. Returns the handler ID for unsubscription.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "-" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to all registered handlers synchronously, in
// registration order. Streaming deltas are not kept in history.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if event.Type != EventMessageDelta {
		if len(eb.history) >= eb.maxHistory {
			eb.history = eb.history[1:]
		}
		eb.history = append(eb.history, event)
	}
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// EmitAsync publishes an event to all registered handlers asynchronously.
func (eb *EventBus) EmitAsync(event Event) {
	go eb.Emit(event)
}

// Replay returns historical events matching the type and session since the
// given time. "*" matches every type, an empty sessionID every session.
func (eb *EventBus) Replay(eventType, sessionID string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if sessionID != "" && e.SessionID != "" && e.SessionID != sessionID {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

// --- Well-known event types ---
const (
	EventMessageAdded   = "message.added"
	EventMessageDelta   = "message.delta"
	EventMessageFinal   = "message.final"
	EventMessageRemoved = "message.removed"
	EventSessionUpdated = "session.updated"
	EventTurnStarted    = "turn.started"
	EventTurnFinished   = "turn.finished"
	EventAgentPassed    = "agent.passed"
	EventAgentMuted     = "agent.muted"
	EventAgentUnmuted   = "agent.unmuted"
	EventSearchDone     = "search.done"
	EventBusyChanged    = "agents.busy"
	EventStopAll        = "scheduler.stopped"
	EventCommandResult  = "command.result"
	EventSettings       = "settings.changed"
)
