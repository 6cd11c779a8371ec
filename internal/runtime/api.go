package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/miko-core/internal/audio"
	"github.com/loqalabs/miko-core/internal/conversation"
	"github.com/loqalabs/miko-core/internal/speech"
)

var errEmptyBody = errors.New("empty request body")

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type textRequest struct {
	Text string `json:"text"`
}

type deviceRequest struct {
	Index *int `json:"index"`
}

type devicesResponse struct {
	Outputs  []audio.Device `json:"outputs"`
	Inputs   []audio.Device `json:"inputs"`
	Output   *int           `json:"selected_output"`
	Input    *int           `json:"selected_input"`
	Warnings []string       `json:"warnings,omitempty"`
}

type statusResponse struct {
	SessionID    string `json:"session_id"`
	Persona      string `json:"persona"`
	SpeechActive bool   `json:"speech_active"`
	SpeechQueued int    `json:"speech_queued"`
	Playing      bool   `json:"playing"`
	Viewers      int    `json:"viewers"`
	Recording    bool   `json:"recording"`
	Bus          string `json:"bus"`
	History      int    `json:"history_messages"`
}

type eventResponse struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

type sessionResponse struct {
	ID        string `json:"id"`
	Persona   string `json:"persona"`
	CreatedAt string `json:"created_at"`
	Events    int    `json:"events"`
}

func (r *Runtime) routes(metrics http.Handler) http.Handler {
	router := chi.NewRouter()
	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady)
	if metrics != nil {
		router.Handle("/metrics", metrics)
	}

	router.Get("/v1/status", r.handleStatus)
	router.Get("/v1/devices", r.handleListDevices)
	router.Put("/v1/devices/{kind}", r.handleSelectDevice)
	router.Post("/v1/speak", r.handleSpeak)
	router.Post("/v1/chat", r.handleChat)
	router.Get("/v1/sessions", r.handleListSessions)
	router.Get("/v1/sessions/{id}/events", r.handleSessionEvents)
	return router
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"bus":         r.busState(),
		"event_store": r.store.Persistent(),
	})
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		SessionID:    r.sessionID,
		Persona:      r.orch.Personality().Name,
		SpeechActive: r.speech.InFlight(),
		SpeechQueued: r.speech.Pending(),
		Playing:      r.engine.Running(),
		Viewers:      r.viewers.Len(),
		Bus:          r.busState(),
		History:      len(r.orch.History()),
	}
	if r.asr != nil {
		resp.Recording = r.asr.Recording()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (r *Runtime) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	sel := r.selection.Current()
	resp := devicesResponse{Output: sel.OutputIndex, Input: sel.InputIndex}
	var err error
	if resp.Outputs, err = r.catalog.OutputDevices(); err != nil {
		resp.Warnings = append(resp.Warnings, "output devices: "+err.Error())
	}
	if resp.Inputs, err = r.catalog.InputDevices(); err != nil {
		resp.Warnings = append(resp.Warnings, "input devices: "+err.Error())
	}
	respondJSON(w, http.StatusOK, resp)
}

func (r *Runtime) handleSelectDevice(w http.ResponseWriter, req *http.Request) {
	var kind audio.DeviceKind
	switch chi.URLParam(req, "kind") {
	case "output":
		kind = audio.Output
	case "input":
		kind = audio.Input
	default:
		respondError(w, http.StatusNotFound, "unknown_kind", "device kind must be output or input")
		return
	}
	var body deviceRequest
	if err := decodeJSON(req, &body); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	device, err := r.catalog.Resolve(kind, body.Index)
	if errors.Is(err, audio.ErrDeviceNotFound) {
		respondError(w, http.StatusNotFound, "device_not_found", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "enumeration_failed", err.Error())
		return
	}
	if kind == audio.Output {
		err = r.selection.SetOutput(body.Index)
	} else {
		err = r.selection.SetInput(body.Index)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "persist_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, device)
}

func (r *Runtime) handleSpeak(w http.ResponseWriter, req *http.Request) {
	var body textRequest
	if err := decodeJSON(req, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	u, ok := r.speech.Submit(body.Text, speech.SourceAPI)
	if !ok {
		respondError(w, http.StatusBadRequest, "empty_text", "text is required")
		return
	}
	respondJSON(w, http.StatusAccepted, u)
}

func (r *Runtime) handleChat(w http.ResponseWriter, req *http.Request) {
	var body textRequest
	if err := decodeJSON(req, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	reply, err := r.orch.Chat(req.Context(), body.Text, speech.SourceAPI)
	if errors.Is(err, conversation.ErrEmptyInput) {
		respondError(w, http.StatusBadRequest, "empty_text", "text is required")
		return
	}
	if err != nil {
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"reply": reply,
			"error": err.Error(),
			"code":  "generation_failed",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"reply": reply})
}

func (r *Runtime) handleListSessions(w http.ResponseWriter, req *http.Request) {
	sessions, err := r.store.RecentSessions(req.Context(), queryLimit(req, 20))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse{ID: s.ID, Persona: s.Persona, CreatedAt: s.CreatedAt.Format(timeLayout), Events: s.Events})
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": out, "persistent": r.store.Persistent()})
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	if id == "current" {
		id = r.sessionID
	}
	events, err := r.store.SessionEvents(req.Context(), id, queryLimit(req, 200))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		payload := json.RawMessage(e.Payload)
		if !json.Valid(payload) {
			payload = json.RawMessage("null")
		}
		out = append(out, eventResponse{ID: e.ID, Type: e.Type, Payload: payload, CreatedAt: e.CreatedAt.Format(timeLayout)})
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": out})
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func (r *Runtime) busState() string {
	switch {
	case r.bus == nil:
		return "disabled"
	case r.bus.Healthy():
		return "connected"
	default:
		return "disconnected"
	}
}

func queryLimit(req *http.Request, def int) int {
	raw := req.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
