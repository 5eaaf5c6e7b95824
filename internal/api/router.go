package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"fragstream/internal/config"
	"fragstream/internal/logger"
	"fragstream/internal/session"
	"fragstream/internal/sink"
)

type API struct {
	logger     logger.Logger
	cfg        *config.Config
	sessionMgr *session.Manager
}

func New(log logger.Logger, cfg *config.Config, sessionMgr *session.Manager) http.Handler {
	api := &API{
		logger:     log,
		cfg:        cfg,
		sessionMgr: sessionMgr,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions", api.handleCreateSession)
	mux.HandleFunc("GET /sessions/{sessionId}", api.handleSessionInfo)
	mux.HandleFunc("DELETE /sessions/{sessionId}", api.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{sessionId}/fragments", api.handleUploadFragment)
	mux.HandleFunc("GET /sessions/{sessionId}/fragments", api.handleListFragments)
	mux.HandleFunc("PUT /sessions/{sessionId}/order", api.handleSetOrder)
	mux.HandleFunc("POST /sessions/{sessionId}/autoorder", api.handleAutoOrder)
	mux.HandleFunc("GET /sessions/{sessionId}/label", api.handleLabel)
	mux.HandleFunc("GET /sessions/{sessionId}/stream", api.handleStream)

	return mux
}

func (a *API) session(w http.ResponseWriter, r *http.Request) *session.PlaybackSession {
	sess, err := a.sessionMgr.Get(r.PathValue("sessionId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil
	}
	return sess
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := a.sessionMgr.Create()
	writeJSON(w, http.StatusCreated, map[string]string{"id": sess.ID})
}

func (a *API) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	sess := a.session(w, r)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        sess.ID,
		"fragments": sess.Fragments(),
		"notes":     sess.Notes(),
	})
}

func (a *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	a.sessionMgr.Delete(r.PathValue("sessionId"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUploadFragment(w http.ResponseWriter, r *http.Request) {
	sess := a.session(w, r)
	if sess == nil {
		return
	}

	label := r.URL.Query().Get("label")
	if label == "" {
		label = fmt.Sprintf("fragment %d", len(sess.Fragments())+1)
	}

	body := http.MaxBytesReader(w, r.Body, a.cfg.MaxFragmentBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read fragment body: %v", err), http.StatusRequestEntityTooLarge)
		return
	}

	frag, err := sess.AddFragment(label, data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusCreated, frag)
}

func (a *API) handleListFragments(w http.ResponseWriter, r *http.Request) {
	sess := a.session(w, r)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, sess.Fragments())
}

func (a *API) handleSetOrder(w http.ResponseWriter, r *http.Request) {
	sess := a.session(w, r)
	if sess == nil {
		return
	}

	var req struct {
		Order []string `json:"order"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid order payload: %v", err), http.StatusBadRequest)
		return
	}
	if err := sess.SetOrder(req.Order); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAutoOrder(w http.ResponseWriter, r *http.Request) {
	sess := a.session(w, r)
	if sess == nil {
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid autoorder payload: %v", err), http.StatusBadRequest)
		return
	}

	enabled := sess.SetAutoOrder(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":   enabled,
		"fragments": sess.Fragments(),
	})
}

func (a *API) handleLabel(w http.ResponseWriter, r *http.Request) {
	sess := a.session(w, r)
	if sess == nil {
		return
	}

	t, err := strconv.ParseFloat(r.URL.Query().Get("t"), 64)
	if err != nil {
		http.Error(w, "Query parameter 't' must be a number of seconds", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"t":     t,
		"label": sess.LabelAt(t),
	})
}

// handleStream upgrades the request to a WebSocket, attaches the connection
// as the session's playback sink and starts pumping the current fragment
// order. The HTTP handler returns immediately after the attach; the pipeline
// lives on the hijacked connection.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	sess := a.session(w, r)
	if sess == nil {
		return
	}

	wsSink, err := sink.Upgrade(w, r, a.logger)
	if err != nil {
		a.logger.Warnf("WebSocket upgrade failed for session %s: %v", sess.ID, err)
		return
	}

	if err := sess.Attach(r.Context(), wsSink); err != nil {
		a.logger.Errorf("Failed to attach pipeline for session %s: %v", sess.ID, err)
		wsSink.Close()
		return
	}
}
