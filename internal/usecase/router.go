package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"edith/internal/domain"
	"edith/internal/infra/tracer"
)

// reflexTriggers are normalized phrases that answer from the status
// reporter directly, skipping classification and the agent entirely.
var reflexTriggers = map[string]bool{
	"status report":         true,
	"system status":         true,
	"how are my systems":    true,
	"how's my system":       true,
	"run diagnostics":       true,
	"diagnostics":           true,
	"check system status":   true,
	"what's my system load": true,
}

// Router is the per-message orchestrator: classify intent, select tools,
// fetch the matching agent, run it with the session context, persist the
// exchange.
type Router struct {
	classifier *Classifier
	registry   domain.CapabilityRegistry
	agents     *AgentCache
	history    *HistoryStore
	status     domain.StatusReporter // optional; enables the reflex path
	bus        domain.EventBus
	logger     *slog.Logger
}

// NewRouter creates a router. status may be nil, disabling the reflex
// shortcut.
func NewRouter(classifier *Classifier, registry domain.CapabilityRegistry, agents *AgentCache, history *HistoryStore, status domain.StatusReporter, bus domain.EventBus, logger *slog.Logger) *Router {
	return &Router{
		classifier: classifier,
		registry:   registry,
		agents:     agents,
		history:    history,
		status:     status,
		bus:        bus,
		logger:     logger,
	}
}

// Handle processes one message in blocking mode and returns the final
// assistant text.
func (r *Router) Handle(ctx context.Context, sessionID, message string) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "router.handle",
		trace.WithAttributes(tracer.StringAttr("session.id", sessionID)),
	)
	defer span.End()

	r.publish(ctx, domain.EventMessageReceived, sessionID, nil)

	cats := r.classifier.Classify(ctx, message)
	tools := r.registry.Select(cats)
	agent := r.agents.GetOrCreate(ctx, tools)

	r.logger.Info("routing message",
		"session", sessionID,
		"categories", categoryNames(cats),
		"tools", len(tools),
	)

	userTurn := domain.Message{Role: domain.RoleUser, Content: message, Timestamp: time.Now()}
	turns := append(r.history.Get(ctx, sessionID), userTurn)

	result, err := agent.Run(ctx, turns)
	if err != nil {
		tracer.RecordError(span, err)
		return "", domain.WrapOp("Router.Handle", err)
	}

	output := extractOutput(result)
	r.history.Append(ctx, sessionID, userTurn, domain.Message{
		Role:      domain.RoleAssistant,
		Content:   output,
		Timestamp: time.Now(),
	})

	r.publish(ctx, domain.EventMessageSent, sessionID, nil)
	tracer.SetOK(span)
	return output, nil
}

// Stream processes one message and returns an event channel. Work starts
// immediately in a goroutine; the unbuffered channel back-pressures event
// delivery, so a slow consumer stalls the exchange between events rather
// than missing any. The channel closes when the exchange completes or
// fails. An error event is always the last element on failure.
func (r *Router) Stream(ctx context.Context, sessionID, message string) <-chan domain.RouteEvent {
	events := make(chan domain.RouteEvent)

	go func() {
		defer close(events)

		ctx, span := tracer.StartSpan(ctx, "router.stream",
			trace.WithAttributes(tracer.StringAttr("session.id", sessionID)),
		)
		defer span.End()

		r.publish(ctx, domain.EventStreamStarted, sessionID, nil)

		if answer, ok := r.reflex(ctx, message); ok {
			r.emit(ctx, events, domain.RouteEvent{Type: domain.RouteToken, Content: answer})
			userTurn := domain.Message{Role: domain.RoleUser, Content: message, Timestamp: time.Now()}
			r.history.Append(ctx, sessionID, userTurn, domain.Message{
				Role:      domain.RoleAssistant,
				Content:   answer,
				Timestamp: time.Now(),
			})
			r.publishStreamCompleted(ctx, sessionID, answer, nil)
			tracer.SetOK(span)
			return
		}

		cats := r.classifier.Classify(ctx, message)
		tools := r.registry.Select(cats)
		agent := r.agents.GetOrCreate(ctx, tools)

		r.logger.Info("streaming message",
			"session", sessionID,
			"categories", categoryNames(cats),
			"tools", len(tools),
		)

		userTurn := domain.Message{Role: domain.RoleUser, Content: message, Timestamp: time.Now()}
		turns := append(r.history.Get(ctx, sessionID), userTurn)

		final, err := agent.Stream(ctx, turns, func(ev domain.RouteEvent) {
			r.emit(ctx, events, ev)
		})
		if err != nil {
			tracer.RecordError(span, err)
			r.emit(ctx, events, domain.RouteEvent{Type: domain.RouteError, Content: err.Error()})
			payload, _ := json.Marshal(domain.StreamErrorPayload{Error: err.Error()})
			r.publish(ctx, domain.EventStreamError, sessionID, payload)
			return
		}

		// A consumer that walked away mid-stream gets no partial turn
		// persisted; the next request replays from the last complete
		// exchange.
		if ctx.Err() != nil {
			return
		}

		r.history.Append(ctx, sessionID, userTurn, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   final,
			Timestamp: time.Now(),
		})
		r.publishStreamCompleted(ctx, sessionID, final, nil)
		tracer.SetOK(span)
	}()

	return events
}

// reflex answers fixed status-query phrases from the status reporter.
// Reporter failure falls through to the normal pipeline.
func (r *Router) reflex(ctx context.Context, message string) (string, bool) {
	if r.status == nil {
		return "", false
	}
	normalized := strings.ToLower(strings.TrimRight(strings.TrimSpace(message), "?!."))
	if !reflexTriggers[normalized] {
		return "", false
	}

	answer, err := r.status.Status(ctx)
	if err != nil {
		r.logger.Warn("status reflex failed, routing normally", "error", err)
		return "", false
	}
	r.publish(ctx, domain.EventReflexAnswered, "", nil)
	return answer, true
}

// emit delivers one event unless the consumer's context is gone.
func (r *Router) emit(ctx context.Context, events chan<- domain.RouteEvent, ev domain.RouteEvent) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func (r *Router) publish(ctx context.Context, t domain.EventType, sessionID string, payload json.RawMessage) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Payload:   payload,
	})
}

func (r *Router) publishStreamCompleted(ctx context.Context, sessionID, content string, usage *domain.Usage) {
	payload, err := json.Marshal(domain.StreamCompletedPayload{Content: content, Usage: usage})
	if err != nil {
		return
	}
	r.publish(ctx, domain.EventStreamCompleted, sessionID, payload)
}

// maxDiagnosticDump bounds the raw-state excerpt in the fallback output.
const maxDiagnosticDump = 500

// extractOutput pulls the final assistant text out of an agent result,
// probing the top-level message list first and the nested agent state
// second. When neither holds messages the return is a diagnostic
// placeholder naming the populated keys with a truncated dump, so a shape
// drift surfaces in the transcript instead of as an empty reply.
func extractOutput(result *domain.AgentResult) string {
	if result == nil {
		return "[Diagnostic] agent returned no result"
	}

	msgs := result.Messages
	if len(msgs) == 0 && result.Agent != nil {
		msgs = result.Agent.Messages
	}
	if len(msgs) > 0 {
		return msgs[len(msgs)-1].Content
	}

	var keys []string
	if result.Messages != nil {
		keys = append(keys, "messages")
	}
	if result.Agent != nil {
		keys = append(keys, "agent")
	}
	sort.Strings(keys)

	dump := string(result.Raw)
	if dump == "" {
		if b, err := json.Marshal(result); err == nil {
			dump = string(b)
		}
	}
	if len(dump) > maxDiagnosticDump {
		dump = dump[:maxDiagnosticDump]
	}
	return fmt.Sprintf("[Diagnostic] agent produced no messages. Keys: [%s]. Dump: %s",
		strings.Join(keys, ", "), dump)
}

func categoryNames(cats []domain.Category) []string {
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = string(c)
	}
	return names
}
