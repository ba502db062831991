package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/hark/internal/health"
	"github.com/MrWong99/hark/internal/observe"
	"github.com/MrWong99/hark/internal/playback"
	"github.com/MrWong99/hark/internal/session"
	"github.com/MrWong99/hark/pkg/provider/wakeword"
)

// maxBody bounds control API request bodies.
const maxBody = 64 << 10

type errorResponse struct {
	Error string `json:"error"`
}

type continuousRequest struct {
	Enabled *bool `json:"enabled"`
}

type sayRequest struct {
	Text  string `json:"text"`
	Flush bool   `json:"flush"`
}

// routes builds the control API.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/session", a.handleStatus)
	mux.HandleFunc("POST /v1/session/start", a.handleStart)
	mux.HandleFunc("POST /v1/session/stop", a.command(a.manager.Stop))
	mux.HandleFunc("POST /v1/session/barge-in", a.command(a.manager.BargeIn))
	mux.HandleFunc("PUT /v1/session/continuous", a.handleContinuous)
	mux.HandleFunc("POST /v1/session/say", a.handleSay)
	mux.Handle("GET /v1/session/events", a.hub)
	if a.manual != nil {
		mux.HandleFunc("POST /v1/session/wake", a.handleWake)
	}
	if a.typed != nil {
		mux.HandleFunc("POST /v1/session/utterance", a.handleUtterance)
	}
	return observe.Instrument(a.metrics, mux)
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	health.WriteJSON(w, http.StatusOK, a.manager.Status())
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.Start(caller(r)); err != nil {
		writeError(w, err)
		return
	}
	health.WriteJSON(w, http.StatusOK, a.manager.Status())
}

// command adapts a session command to a handler replying with the status.
func (a *App) command(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := fn(); err != nil {
			writeError(w, err)
			return
		}
		health.WriteJSON(w, http.StatusOK, a.manager.Status())
	}
}

func (a *App) handleContinuous(w http.ResponseWriter, r *http.Request) {
	var req continuousRequest
	if err := decode(r, &req); err != nil || req.Enabled == nil {
		health.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: `body must be {"enabled": true|false}`})
		return
	}
	if err := a.manager.SetContinuousDialog(*req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	health.WriteJSON(w, http.StatusOK, a.manager.Status())
}

func (a *App) handleSay(w http.ResponseWriter, r *http.Request) {
	var req sayRequest
	if err := decode(r, &req); err != nil || strings.TrimSpace(req.Text) == "" {
		health.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: `body must be {"text": "...", "flush": false}`})
		return
	}
	mode := playback.ModeAdd
	if req.Flush {
		mode = playback.ModeFlush
	}
	if !a.sess.Speak(req.Text, mode) {
		health.WriteJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "playback queue closed"})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handleWake(w http.ResponseWriter, r *http.Request) {
	if err := a.manual.Trigger(caller(r)); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, wakeword.ErrNotArmed) {
			status = http.StatusConflict
		}
		health.WriteJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handleUtterance(w http.ResponseWriter, r *http.Request) {
	var req sayRequest
	if err := decode(r, &req); err != nil {
		health.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: `body must be {"text": "..."}`})
		return
	}
	if err := a.typed.Submit(req.Text); err != nil {
		health.WriteJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotRunning):
		status = http.StatusServiceUnavailable
	case errors.Is(err, session.ErrContinuousLocked):
		status = http.StatusConflict
	}
	health.WriteJSON(w, status, errorResponse{Error: err.Error()})
}

// caller names the client of r for SessionInfo.StartedBy.
func caller(r *http.Request) string {
	if by := r.Header.Get("X-Requested-By"); by != "" {
		return by
	}
	return r.RemoteAddr
}
