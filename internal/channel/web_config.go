package channel

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"groupchat/internal/config"
	"groupchat/internal/domain"
)

// handleGetConfig returns the current config with secrets masked.
func (w *Web) handleGetConfig(rw http.ResponseWriter, r *http.Request) {
	w.cfgMu.RLock()
	cfg := w.cfg
	w.cfgMu.RUnlock()

	if cfg == nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": "config not loaded"})
		return
	}
	writeJSON(rw, http.StatusOK, config.Sanitize(cfg))
}

// handleUpdateConfig applies a path update or a full config in memory.
// Runtime scheduler knobs take effect at once; everything else on restart.
func (w *Web) handleUpdateConfig(rw http.ResponseWriter, r *http.Request) {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()

	if w.cfg == nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": "config not loaded"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return
	}
	defer r.Body.Close()

	// { "path": "scheduler.breathingTimeMs", "value": 800 }
	var partial struct {
		Path  string `json:"path"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(body, &partial); err == nil && partial.Path != "" {
		candidate, err := cloneConfig(w.cfg)
		if err != nil {
			writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if err := config.SetByPath(candidate, partial.Path, partial.Value); err != nil {
			code := http.StatusBadRequest
			if errors.Is(err, config.ErrReadOnlyPath) {
				code = http.StatusForbidden
			}
			writeJSON(rw, code, map[string]string{"error": err.Error()})
			return
		}
		if err := config.Validate(candidate); err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "validation: " + err.Error()})
			return
		}
		*w.cfg = *candidate
		if config.LivePath(partial.Path) {
			w.applySchedulerSettings(r, candidate.Scheduler)
		}
		w.logger.Info("config updated via path", "path", partial.Path, "value", partial.Value)
		writeJSON(rw, http.StatusOK, map[string]string{"status": "updated", "path": partial.Path})
		return
	}

	candidate := config.Defaults()
	if err := json.Unmarshal(body, candidate); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid config: " + err.Error()})
		return
	}
	// the UI edits what GET handed out, secrets masked
	config.RestoreSecrets(candidate, w.cfg)
	if err := config.Validate(candidate); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "validation: " + err.Error()})
		return
	}
	*w.cfg = *candidate
	w.applySchedulerSettings(r, candidate.Scheduler)

	w.logger.Info("config updated (full)")
	writeJSON(rw, http.StatusOK, map[string]string{"status": "updated"})
}

// cloneConfig deep-copies so a rejected update leaves the live config alone.
func cloneConfig(c *config.Config) (*config.Config, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	out := new(config.Config)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *Web) applySchedulerSettings(r *http.Request, sc config.SchedulerConfig) {
	if w.sched == nil {
		return
	}
	want := sc.Settings()
	if _, err := w.sched.UpdateSettings(r.Context(), func(st *domain.Settings) {
		st.Autoplay = want.Autoplay
		st.Concurrency = want.Concurrency
		st.BreathingTimeMs = want.BreathingTimeMs
		st.TurnTimeoutSeconds = want.TurnTimeoutSeconds
	}); err != nil {
		w.logger.Warn("settings applied but not saved", "err", err)
	}
}

// handleSaveConfig persists the in-memory config to disk.
func (w *Web) handleSaveConfig(rw http.ResponseWriter, r *http.Request) {
	w.cfgMu.RLock()
	cfg := w.cfg
	cfgPath := w.cfgPath
	w.cfgMu.RUnlock()

	if cfg == nil || cfgPath == "" {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": "config not available"})
		return
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": "save failed: " + err.Error()})
		return
	}

	w.logger.Info("config saved to disk", "path", cfgPath)
	writeJSON(rw, http.StatusOK, map[string]string{"status": "saved", "path": cfgPath})
}
