package channel

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"groupchat/internal/agent"
	"groupchat/internal/bus"
	"groupchat/internal/config"
	"groupchat/internal/domain"
	"groupchat/internal/metrics"
	"groupchat/internal/protocol"
	"groupchat/internal/session"
)

const (
	maxBodySize   = 8 << 20 // attachments travel inline as base64
	shutdownGrace = 5 * time.Second
)

//go:embed web_assets/*
var assetsFS embed.FS

// UsageReader reports the per-agent usage ledger of a session.
type UsageReader interface {
	UsageByAgent(ctx context.Context, sessionID string) ([]domain.AgentUsage, error)
}

// Web serves the JSON API, the live event websocket and the embedded page.
type Web struct {
	host    string
	port    int
	version string
	inbound domain.MessageBus
	logger  *slog.Logger
	server  *http.Server

	sched       *agent.Scheduler
	sessions    *session.Store
	roster      *session.Roster
	usage       UsageReader
	metricsPath string
	hub         *wsHub

	// Config reference for the config API (protected by cfgMu)
	cfg     *config.Config
	cfgPath string
	cfgMu   sync.RWMutex
}

type WebConfig struct {
	Host        string
	Port        int
	Scheduler   *agent.Scheduler
	Sessions    *session.Store
	Roster      *session.Roster
	Events      *bus.EventBus
	Usage       UsageReader // optional
	Config      *config.Config
	ConfigPath  string
	MetricsPath string // empty disables the metrics endpoint
	Version     string
	Logger      *slog.Logger
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Web{
		host:        cfg.Host,
		port:        cfg.Port,
		version:     cfg.Version,
		logger:      cfg.Logger,
		sched:       cfg.Scheduler,
		sessions:    cfg.Sessions,
		roster:      cfg.Roster,
		usage:       cfg.Usage,
		metricsPath: cfg.MetricsPath,
		cfg:         cfg.Config,
		cfgPath:     cfg.ConfigPath,
	}
	w.hub = newWSHub(cfg.Events, w.publish, cfg.Logger)
	return w
}

func (w *Web) Name() string { return "web" }

// SetBus wires the inbound bus and the event feed without starting the
// server.
func (w *Web) SetBus(mb domain.MessageBus) {
	w.inbound = mb
	w.hub.attach()
}

// Start serves until ctx is cancelled.
func (w *Web) Start(ctx context.Context, mb domain.MessageBus) error {
	w.SetBus(mb)
	defer w.hub.detach()

	addr := fmt.Sprintf("%s:%d", w.host, w.port)
	w.server = &http.Server{
		Addr:              addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	w.logger.Info("web UI started", "addr", "http://"+addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		w.hub.closeAll()
		w.server.Shutdown(shutdownCtx)
	}()

	if err := w.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *Web) Stop() error {
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}

// Handler returns the routes. Exposed for tests.
func (w *Web) Handler() http.Handler {
	mux := http.NewServeMux()

	assets, _ := fs.Sub(assetsFS, "web_assets")
	mux.Handle("GET /", http.FileServer(http.FS(assets)))
	mux.HandleFunc("GET /status", w.handleStatus)
	mux.HandleFunc("GET /ws", w.hub.serveWS)
	if w.metricsPath != "" {
		mux.HandleFunc("GET "+w.metricsPath, metrics.Collector.Handler())
	}

	mux.HandleFunc("GET /api/agents", w.handleAgents)
	mux.HandleFunc("GET /api/groups", w.handleListGroups)
	mux.HandleFunc("POST /api/groups", w.handleCreateGroup)
	mux.HandleFunc("PATCH /api/groups/{id}", w.handleRenameGroup)
	mux.HandleFunc("DELETE /api/groups/{id}", w.handleDeleteGroup)

	mux.HandleFunc("GET /api/sessions", w.handleListSessions)
	mux.HandleFunc("POST /api/sessions", w.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", w.handleGetSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", w.handleUpdateSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", w.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/messages", w.handleSend)
	mux.HandleFunc("DELETE /api/sessions/{id}/messages/{msg}", w.handleDeleteMessage)
	mux.HandleFunc("GET /api/sessions/{id}/status", w.handleSessionStatus)
	mux.HandleFunc("GET /api/sessions/{id}/usage", w.handleUsage)
	mux.HandleFunc("POST /api/sessions/{id}/agents/{agent}/trigger", w.handleTrigger)
	mux.HandleFunc("POST /api/sessions/{id}/agents/{agent}/mute", w.handleMute)
	mux.HandleFunc("DELETE /api/sessions/{id}/agents/{agent}/mute", w.handleUnmute)

	mux.HandleFunc("GET /api/settings", w.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", w.handleUpdateSettings)
	mux.HandleFunc("POST /api/stop", w.handleStop)

	mux.HandleFunc("GET /api/config", w.handleGetConfig)
	mux.HandleFunc("PUT /api/config", w.handleUpdateConfig)
	mux.HandleFunc("POST /api/config/save", w.handleSaveConfig)
	return mux
}

// publish hands human input to the scheduler through the inbound bus.
func (w *Web) publish(msg domain.InboundMessage) error {
	if w.inbound == nil {
		return errors.New("web channel not started")
	}
	msg.Channel = "web"
	msg.SenderID = domain.HumanUserID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	w.inbound.Publish(msg)
	return nil
}

// --- helpers ---

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, err error) {
	writeJSON(rw, errorStatus(err), map[string]string{"error": err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrAgentNotFound),
		errors.Is(err, domain.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotEligible), errors.Is(err, agent.ErrMuteRefused):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotConfigured):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("bad request")

// decodeBody reads a JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// --- handlers ---

func (w *Web) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  w.version,
		"time":     time.Now().Format(time.RFC3339),
		"sessions": len(w.sessions.List()),
		"settings": w.sched.Settings(),
	})
}

func (w *Web) handleAgents(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, w.roster.Agents())
}

func (w *Web) handleListGroups(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, w.sessions.Groups())
}

func (w *Web) handleCreateGroup(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(rw, err)
		return
	}
	if req.Name == "" {
		writeError(rw, fmt.Errorf("%w: name is required", errBadRequest))
		return
	}
	writeJSON(rw, http.StatusCreated, w.sessions.CreateGroup(req.Name))
}

func (w *Web) handleRenameGroup(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(rw, err)
		return
	}
	if err := w.sessions.RenameGroup(r.PathValue("id"), req.Name); err != nil {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Web) handleDeleteGroup(rw http.ResponseWriter, r *http.Request) {
	if err := w.sessions.DeleteGroup(r.PathValue("id")); err != nil {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

// sessionSummary is the list view of a session; transcripts are fetched one
// at a time.
type sessionSummary struct {
	ID        string   `json:"id"`
	GroupID   string   `json:"groupId,omitempty"`
	Name      string   `json:"name"`
	MemberIDs []string `json:"memberIds"`
	Messages  int      `json:"messages"`
	TotalCost float64  `json:"totalCost"`
	UpdatedAt int64    `json:"updatedAt"`
}

func (w *Web) handleListSessions(rw http.ResponseWriter, r *http.Request) {
	list := w.sessions.List()
	out := make([]sessionSummary, 0, len(list))
	for _, s := range list {
		out = append(out, sessionSummary{
			ID:        s.ID,
			GroupID:   s.GroupID,
			Name:      s.Name,
			MemberIDs: s.MemberIDs,
			Messages:  s.MessageCount(),
			TotalCost: s.TotalCost,
			UpdatedAt: s.UpdatedAt,
		})
	}
	writeJSON(rw, http.StatusOK, out)
}

func (w *Web) handleCreateSession(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string   `json:"name"`
		GroupID   string   `json:"groupId"`
		MemberIDs []string `json:"memberIds"`
		AdminIDs  []string `json:"adminIds"`
		Scenario  string   `json:"scenario"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(rw, err)
		return
	}
	if len(req.MemberIDs) == 0 {
		for _, a := range w.roster.Agents() {
			if a.Active() {
				req.MemberIDs = append(req.MemberIDs, a.ID)
			}
		}
	}
	for _, id := range req.MemberIDs {
		if _, ok := w.roster.Agent(id); !ok {
			writeError(rw, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id))
			return
		}
	}
	sess := w.sessions.Create(req.Name, req.GroupID, req.MemberIDs, req.AdminIDs)
	if req.Scenario != "" {
		w.sessions.SetScenario(sess.ID, req.Scenario)
		sess.Scenario = req.Scenario
	}
	writeJSON(rw, http.StatusCreated, sess)
}

func (w *Web) handleGetSession(rw http.ResponseWriter, r *http.Request) {
	sess, err := w.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, sess)
}

// handleUpdateSession applies the fields present in the body.
func (w *Web) handleUpdateSession(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Name      *string              `json:"name"`
		Scenario  *string              `json:"scenario"`
		Summary   *string              `json:"summary"`
		Memory    *domain.MemoryConfig `json:"memory"`
		MemberIDs []string             `json:"memberIds"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(rw, err)
		return
	}

	var err error
	apply := func(fn func() error) {
		if err == nil {
			err = fn()
		}
	}
	if req.Name != nil {
		apply(func() error { return w.sessions.Rename(id, *req.Name) })
	}
	if req.Scenario != nil {
		apply(func() error { return w.sessions.SetScenario(id, *req.Scenario) })
	}
	if req.Summary != nil {
		apply(func() error { return w.sessions.SetSummary(id, *req.Summary) })
	}
	if req.Memory != nil {
		apply(func() error { return w.sessions.SetMemory(id, *req.Memory) })
	}
	if req.MemberIDs != nil {
		apply(func() error { return w.sessions.SetMembers(id, req.MemberIDs) })
	}
	if err != nil {
		writeError(rw, err)
		return
	}
	w.handleGetSession(rw, r)
}

func (w *Web) handleDeleteSession(rw http.ResponseWriter, r *http.Request) {
	if err := w.sessions.Delete(r.PathValue("id")); err != nil {
		writeError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

// handleSend queues human input. Slash commands are executed by the
// scheduler and answered on the websocket as command results.
func (w *Web) handleSend(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Text       string             `json:"text"`
		Attachment *domain.Attachment `json:"attachment"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(rw, err)
		return
	}
	if req.Text == "" && req.Attachment == nil {
		writeError(rw, fmt.Errorf("%w: empty message", errBadRequest))
		return
	}
	if _, err := w.sessions.Get(id); err != nil {
		writeError(rw, err)
		return
	}
	if err := w.publish(domain.InboundMessage{SessionID: id, Content: req.Text, Attachment: req.Attachment}); err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (w *Web) handleDeleteMessage(rw http.ResponseWriter, r *http.Request) {
	if err := w.sessions.DeleteMessage(r.PathValue("id"), r.PathValue("msg")); err != nil {
		writeError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Web) handleSessionStatus(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	statuses, err := w.sched.Status(id)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"agents": statuses,
		"busy":   w.sched.BusyAgents(id),
	})
}

func (w *Web) handleUsage(rw http.ResponseWriter, r *http.Request) {
	if w.usage == nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": "usage ledger disabled"})
		return
	}
	rows, err := w.usage.UsageByAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, rows)
}

// handleTrigger asks one agent to speak now.
func (w *Web) handleTrigger(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		DisableSearch bool `json:"disableSearch"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(rw, err)
		return
	}
	err := w.sched.RequestTrigger(r.PathValue("id"), r.PathValue("agent"), agent.TriggerOptions{DisableSearch: req.DisableSearch})
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// handleMute takes a duration like "10m" or "permanent"; empty means the
// default mute length.
func (w *Web) handleMute(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Duration string `json:"duration"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(rw, err)
		return
	}
	d, permanent := protocol.ParseMuteDuration(req.Duration)
	if err := w.sched.MuteAgent(r.PathValue("id"), r.PathValue("agent"), d, permanent); err != nil {
		writeError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Web) handleUnmute(rw http.ResponseWriter, r *http.Request) {
	if err := w.sched.UnmuteAgent(r.PathValue("id"), r.PathValue("agent")); err != nil {
		writeError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Web) handleGetSettings(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, w.sched.Settings())
}

// handleUpdateSettings merges the body into the current settings, so a
// client may send only the knobs it changes.
func (w *Web) handleUpdateSettings(rw http.ResponseWriter, r *http.Request) {
	patch := w.sched.Settings()
	if err := decodeBody(r, &patch); err != nil {
		writeError(rw, err)
		return
	}
	if patch.BreathingTimeMs < 0 || patch.TurnTimeoutSeconds <= 0 {
		writeError(rw, fmt.Errorf("%w: breathingTimeMs must be >= 0 and turnTimeoutSeconds > 0", errBadRequest))
		return
	}
	next, err := w.sched.UpdateSettings(r.Context(), func(st *domain.Settings) { *st = patch })
	if err != nil {
		w.logger.Warn("settings applied but not saved", "err", err)
	}
	writeJSON(rw, http.StatusOK, next)
}

func (w *Web) handleStop(rw http.ResponseWriter, r *http.Request) {
	w.sched.StopAll()
	writeJSON(rw, http.StatusOK, w.sched.Settings())
}
