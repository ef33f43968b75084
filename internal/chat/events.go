package chat

import (
	"context"
	"time"
)

const (
	EventTurnCompleted          = "turn_completed"
	EventAssistantMissing       = "assistant_missing"
	EventAssistantPersistFailed = "assistant_persist_failed"
)

// TurnEvent is the operator-facing audit record for a turn outcome.
// Failures that are deliberately not surfaced to the client (a missing
// assistant entry, a best-effort persist that failed) still land here.
type TurnEvent struct {
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id,omitempty"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"ts"`
}

type EventSink interface {
	PublishTurnEvent(ctx context.Context, ev TurnEvent) error
}
