package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Recorder appends JSON events to one session. Failures are logged, never
// returned, so callers on the speech path are not interrupted.
type Recorder struct {
	store     *Store
	sessionID string
	log       *slog.Logger
}

func NewRecorder(store *Store, sessionID string, log *slog.Logger) *Recorder {
	return &Recorder{store: store, sessionID: sessionID, log: log.With(slog.String("component", "eventstore"))}
}

func (r *Recorder) SessionID() string { return r.sessionID }

func (r *Recorder) Record(ctx context.Context, eventType string, payload any) {
	if r == nil || !r.store.Persistent() {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("failed to encode event", slog.String("type", eventType), slog.String("error", err.Error()))
		return
	}
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := r.store.Append(ctx, Event{SessionID: r.sessionID, Type: eventType, Payload: data}); err != nil {
		r.log.Warn("failed to record event", slog.String("type", eventType), slog.String("error", err.Error()))
	}
}
