package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/loqalabs/loqa-deck/internal/dom"
	"github.com/loqalabs/loqa-deck/internal/engine"
	"github.com/loqalabs/loqa-deck/internal/presence"
	"github.com/loqalabs/loqa-deck/internal/protocol"
)

// CommandAudio toggles narration playback. The other command names are shared
// with the NATS control subjects.
const CommandAudio = "audio"

var (
	errUnknownCommand   = errors.New("unknown command")
	errUnsupportedFrame = errors.New("unsupported frame type")
)

// State is the body of GET /api/state.
type State struct {
	engine.Snapshot
	AttemptID string `json:"attempt_id"`
	Clients   int    `json:"clients"`
	LMS       *LMS   `json:"lms,omitempty"`
}

// LMS summarizes the reporting bridge.
type LMS struct {
	Mastery float64 `json:"mastery"`
	Percent *int    `json:"percent,omitempty"`
}

type clickRequest struct {
	Selector string `json:"selector"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler routes the player's HTTP surface.
func (r *Runtime) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", r.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/readyz", r.handleReady).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/state", r.handleState).Methods(http.MethodGet)
	api.HandleFunc("/slide", r.handleSlide).Methods(http.MethodGet)
	api.HandleFunc("/navigate/{index:[0-9]+}", r.handleNavigate).Methods(http.MethodPost)
	api.HandleFunc("/click", r.handleClick).Methods(http.MethodPost)
	api.HandleFunc("/players", r.handlePlayers).Methods(http.MethodGet)
	api.HandleFunc("/attempt/events", r.handleAttemptEvents).Methods(http.MethodGet)
	for _, name := range []string{protocol.CommandNext, protocol.CommandPrev, protocol.CommandReload, protocol.CommandAuto} {
		api.HandleFunc("/"+name, r.handleCommand(name)).Methods(http.MethodPost)
	}
	api.HandleFunc("/audio/toggle", r.handleCommand(CommandAudio)).Methods(http.MethodPost)

	if r.hub != nil {
		router.Handle("/ws", r.hub)
	}
	return router
}

// command applies one navigation or playback command.
func (r *Runtime) command(ctx context.Context, name string, index int) error {
	switch name {
	case protocol.CommandNext:
		return r.engine.Advance(ctx)
	case protocol.CommandPrev:
		return r.engine.Retreat(ctx)
	case protocol.CommandReload:
		return r.engine.Reload(ctx)
	case protocol.CommandGoto:
		return r.engine.NavigateTo(ctx, index)
	case protocol.CommandAuto:
		_, err := r.engine.ToggleAutoMode(ctx)
		return err
	case CommandAudio:
		_, err := r.engine.ToggleNarration(ctx)
		return err
	default:
		return fmt.Errorf("%w %q", errUnknownCommand, name)
	}
}

func (r *Runtime) currentIndex() int {
	return r.engine.CurrentIndex()
}

func (r *Runtime) state(ctx context.Context) (State, error) {
	snap, err := r.engine.Snapshot(ctx)
	if err != nil {
		return State{}, err
	}
	st := State{Snapshot: snap, AttemptID: r.recorder.AttemptID()}
	if r.hub != nil {
		st.Clients = r.hub.count()
	}
	if r.bridge != nil {
		lms := &LMS{Mastery: r.bridge.Mastery()}
		if pct, ok := r.bridge.Percent(); ok {
			lms.Percent = &pct
		}
		st.LMS = lms
	}
	return st, nil
}

func (r *Runtime) handleState(w http.ResponseWriter, req *http.Request) {
	st, err := r.state(req.Context())
	if err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (r *Runtime) handleSlide(w http.ResponseWriter, req *http.Request) {
	out, err := r.engine.SlideHTML(req.Context())
	if err != nil {
		r.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}

func (r *Runtime) handleNavigate(w http.ResponseWriter, req *http.Request) {
	index, err := strconv.Atoi(mux.Vars(req)["index"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid slide index"})
		return
	}
	r.respond(w, req, r.command(req.Context(), protocol.CommandGoto, index))
}

func (r *Runtime) handleCommand(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.respond(w, req, r.command(req.Context(), name, 0))
	}
}

func (r *Runtime) handleClick(w http.ResponseWriter, req *http.Request) {
	var body clickRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Selector == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "selector is required"})
		return
	}
	r.respond(w, req, r.engine.Click(req.Context(), body.Selector))
}

func (r *Runtime) handlePlayers(w http.ResponseWriter, _ *http.Request) {
	players := []presence.PlayerInfo{}
	if r.presence != nil {
		players = r.presence.Players()
	}
	writeJSON(w, http.StatusOK, players)
}

func (r *Runtime) handleAttemptEvents(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
			return
		}
		limit = n
	}
	events, err := r.journal.ListAttemptEvents(req.Context(), r.recorder.AttemptID(), limit)
	if err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// respond writes the player state after a command, or the command's error.
func (r *Runtime) respond(w http.ResponseWriter, req *http.Request, err error) {
	if err != nil {
		r.writeError(w, err)
		return
	}
	r.handleState(w, req)
}

func (r *Runtime) writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, engine.ErrSuperseded):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, dom.ErrNoMatch):
		status = http.StatusNotFound
	case errors.Is(err, errUnknownCommand):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	default:
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		r.logger.Warn("request failed", slog.Int("status", status), slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
