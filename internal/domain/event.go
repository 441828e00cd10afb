package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventMessageReceived   EventType = "message.received"
	EventMessageSent       EventType = "message.sent"
	EventIntentClassified  EventType = "intent.classified"
	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"
	EventLLMCallStarted    EventType = "llm.call.started"
	EventLLMCallCompleted  EventType = "llm.call.completed"
	EventStreamStarted     EventType = "stream.started"
	EventStreamDelta       EventType = "stream.delta"
	EventStreamCompleted   EventType = "stream.completed"
	EventStreamError       EventType = "stream.error"
	EventAgentCreated      EventType = "agent.created"
	EventAgentError        EventType = "agent.error"
	EventReflexAnswered    EventType = "reflex.answered"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for diagnostic events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// IntentClassifiedPayload records classification provenance for diagnostics.
type IntentClassifiedPayload struct {
	Pass       string   `json:"pass"` // "fast", "short_circuit", "slow", "slow_failed"
	Categories []string `json:"categories"`
}

// StreamCompletedPayload is published once the full streamed response exists.
type StreamCompletedPayload struct {
	Content string `json:"content"`
	Usage   *Usage `json:"usage,omitempty"`
}

// StreamErrorPayload is published when a streaming response fails mid-stream.
type StreamErrorPayload struct {
	Error string `json:"error"`
}
