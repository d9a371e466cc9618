// Package activity publishes suggestion lifecycle events to append-only sinks.
package activity

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"muse/api/internal/logging"
)

const (
	SuggestionProposed   = "suggestion.proposed"
	SuggestionPreflight  = "suggestion.preflight"
	SuggestionAccepted   = "suggestion.accepted"
	SuggestionRejected   = "suggestion.rejected"
	SuggestionFailed     = "suggestion.failed"
	SuggestionRolledBack = "suggestion.rolled_back"
)

type Event struct {
	Type         string         `json:"type"`
	ProjectID    string         `json:"projectId"`
	SuggestionID string         `json:"suggestionId"`
	ActorID      string         `json:"actorId,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	At           time.Time      `json:"at"`
}

// Emitter is an append-only event sink.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// Notifier fans events out to every sink. Sink failures are logged and never
// returned; the caller's operation has already committed.
type Notifier struct {
	sinks  []Emitter
	logger *zap.Logger
	now    func() time.Time
}

func NewNotifier(logger *zap.Logger, sinks ...Emitter) *Notifier {
	return &Notifier{sinks: sinks, logger: logging.OrNop(logger).Named("activity"), now: time.Now}
}

func (n *Notifier) Notify(ctx context.Context, event Event) {
	if n == nil {
		return
	}
	if event.At.IsZero() {
		event.At = n.now().UTC()
	}
	var errs []error
	for _, sink := range n.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		n.logger.Warn("activity emit failed",
			zap.String("event", event.Type),
			zap.String("suggestion_id", event.SuggestionID),
			zap.Error(errors.Join(errs...)),
		)
	}
}
