package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/deckvoice/internal/board"
	"github.com/MrWong99/deckvoice/internal/health"
	"github.com/MrWong99/deckvoice/internal/session"
	"github.com/MrWong99/deckvoice/pkg/provider/live"
)

// maxBoardBody bounds a PUT /board request.
const maxBoardBody = 1 << 20

// sessionView is the JSON body of every /session response.
type sessionView struct {
	session.Stats
	LastError string `json:"last_error,omitempty"`
}

// errorView is the JSON body of a failed request.
type errorView struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /session", a.handleSession)
	mux.HandleFunc("POST /session/start", a.handleStart)
	mux.HandleFunc("POST /session/stop", a.handleStop)

	mux.HandleFunc("GET /board", a.handleGetBoard)
	mux.HandleFunc("PUT /board", a.handlePutBoard)

	checks := append([]health.Checker{
		{Name: "board", Check: func(ctx context.Context) error {
			_, err := a.deps.Board.Current(ctx)
			return err
		}},
	}, a.deps.ReadyChecks...)
	health.New(checks).Register(mux)

	if a.deps.MetricsHandler != nil {
		mux.Handle("GET /metrics", a.deps.MetricsHandler)
	}
	return mux
}

func (a *App) view() sessionView {
	v := sessionView{Stats: a.ctrl.Stats()}
	if err := a.ctrl.LastError(); err != nil {
		v.LastError = err.Error()
	}
	return v
}

func (a *App) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.view())
}

// handleStart starts a session. A start that is already running or complete
// answers 200 with the current state.
func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	err := a.ctrl.Start(r.Context())
	if err == nil {
		writeJSON(w, http.StatusOK, a.view())
		return
	}

	var (
		devErr  *session.DeviceAcquisitionError
		openErr *live.OpenError
		status  = http.StatusInternalServerError
		kind    string
	)
	switch {
	case errors.As(err, &devErr):
		status, kind = http.StatusServiceUnavailable, "device"
	case errors.As(err, &openErr):
		status, kind = http.StatusBadGateway, "open_"+openErr.Kind.String()
	case errors.Is(err, context.Canceled):
		status, kind = http.StatusConflict, "cancelled"
	}
	writeJSON(w, status, errorView{Error: err.Error(), Kind: kind})
}

func (a *App) handleStop(w http.ResponseWriter, _ *http.Request) {
	a.ctrl.Stop()
	writeJSON(w, http.StatusOK, a.view())
}

func (a *App) handleGetBoard(w http.ResponseWriter, r *http.Request) {
	doc, err := a.deps.Board.Current(r.Context())
	if err != nil {
		slog.Error("read board", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorView{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *App) handlePutBoard(w http.ResponseWriter, r *http.Request) {
	var doc board.Document
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBoardBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: "decode document: " + err.Error(), Kind: "invalid"})
		return
	}
	if err := doc.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: err.Error(), Kind: "invalid"})
		return
	}
	if err := a.deps.Board.Replace(r.Context(), doc); err != nil {
		slog.Error("replace board", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorView{Error: err.Error()})
		return
	}
	a.handleGetBoard(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}
