package usecase

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"edith/internal/domain"
	"edith/internal/infra/tracer"
)

// ToolSet is the fixed tool list an agent is bound to. It implements
// domain.ToolExecutor over that list and nothing else.
type ToolSet struct {
	order  []domain.Tool
	byName map[string]domain.Tool
}

// NewToolSet creates a tool set preserving the given order.
func NewToolSet(tools []domain.Tool) *ToolSet {
	byName := make(map[string]domain.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
	}
	return &ToolSet{order: tools, byName: byName}
}

// Get retrieves a tool by name.
func (ts *ToolSet) Get(name string) (domain.Tool, error) {
	t, ok := ts.byName[name]
	if !ok {
		return nil, domain.NewDomainError("ToolSet.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

// Schemas returns the schemas for LLM function-calling, in tool order.
func (ts *ToolSet) Schemas() []domain.ToolSchema {
	schemas := make([]domain.ToolSchema, 0, len(ts.order))
	for _, t := range ts.order {
		schemas = append(schemas, t.Schema())
	}
	return schemas
}

// Tools returns the underlying tool list.
func (ts *ToolSet) Tools() []domain.Tool { return ts.order }

// StreamEmitter receives route events as the agent produces them. It is
// called from the agent goroutine; blocking the emitter blocks the stream,
// which is what makes production lazy.
type StreamEmitter func(domain.RouteEvent)

// AgentDeps holds injected dependencies for the agent.
type AgentDeps struct {
	LLM           domain.LLMProvider
	Tools         domain.ToolExecutor
	SystemPrompt  string
	MaxIterations int
	MaxMessages   int // history window; 0 = unlimited
	Logger        *slog.Logger
	Bus           domain.EventBus // optional
}

// Agent runs the reasoning loop over a fixed tool list. It holds no
// per-session state: the full conversation context is passed to every
// call, so one agent is safely shared by all sessions that need the same
// capability set.
type Agent struct {
	deps AgentDeps
}

// NewAgent creates an agent with the given dependencies.
func NewAgent(deps AgentDeps) *Agent {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = 10
	}
	return &Agent{deps: deps}
}

// Run processes the conversation context through the agent loop until the
// model produces a message with no tool calls, returning the terminal
// state with every message produced along the way.
func (a *Agent) Run(ctx context.Context, history []domain.Message) (*domain.AgentResult, error) {
	return a.runInner(ctx, history, nil)
}

// Stream is the streaming variant of Run. Token and tool lifecycle events
// are forwarded through emit as they arrive; the accumulated assistant
// text is returned on completion.
func (a *Agent) Stream(ctx context.Context, history []domain.Message, emit StreamEmitter) (string, error) {
	res, err := a.runInner(ctx, history, emit)
	if err != nil {
		return "", err
	}
	if len(res.Messages) == 0 {
		return "", nil
	}
	return res.Messages[len(res.Messages)-1].Content, nil
}

func (a *Agent) runInner(ctx context.Context, history []domain.Message, emit StreamEmitter) (*domain.AgentResult, error) {
	spanName := "agent.run"
	if emit != nil {
		spanName = "agent.stream"
	}
	ctx, span := tracer.StartSpan(ctx, spanName)
	defer span.End()

	msgs := make([]domain.Message, len(history))
	copy(msgs, history)

	sp, canStream := a.deps.LLM.(domain.StreamingLLMProvider)

	var totalUsage domain.Usage

	for i := 0; i < a.deps.MaxIterations; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		span.AddEvent("agent.iteration", trace.WithAttributes(tracer.IntAttr("iteration", i)))

		req := a.buildRequest(msgs)
		a.publish(ctx, domain.EventLLMCallStarted)

		var msg domain.Message
		var usage domain.Usage
		var err error
		if emit != nil && canStream {
			msg, usage, err = a.callStreaming(ctx, sp, req, emit)
		} else {
			msg, usage, err = a.callBlocking(ctx, req)
		}
		if err != nil {
			a.publish(ctx, domain.EventAgentError)
			tracer.RecordError(span, err)
			return nil, err
		}
		a.publish(ctx, domain.EventLLMCallCompleted)

		totalUsage.PromptTokens += usage.PromptTokens
		totalUsage.CompletionTokens += usage.CompletionTokens
		totalUsage.TotalTokens += usage.TotalTokens

		msgs = append(msgs, msg)
		a.deps.Logger.Debug("llm response",
			"iteration", i,
			"tool_calls", len(msg.ToolCalls),
			"tokens", usage.TotalTokens,
		)

		// No tool calls = final response.
		if len(msg.ToolCalls) == 0 {
			tracer.SetOK(span)
			return &domain.AgentResult{Messages: msgs, Usage: totalUsage}, nil
		}

		// Execute tool calls in parallel, collected by index so results
		// keep the original call order.
		toolMsgs := make([]domain.Message, len(msg.ToolCalls))
		var wg sync.WaitGroup
		for idx, call := range msg.ToolCalls {
			wg.Add(1)
			go func(idx int, call domain.ToolCall) {
				defer wg.Done()
				toolMsgs[idx] = a.executeTool(ctx, call, emit)
			}(idx, call)
		}
		wg.Wait()
		msgs = append(msgs, toolMsgs...)
	}

	tracer.RecordError(span, domain.ErrMaxIterations)
	return nil, domain.ErrMaxIterations
}

func (a *Agent) callBlocking(ctx context.Context, req domain.ChatRequest) (domain.Message, domain.Usage, error) {
	llmCtx, llmSpan := tracer.StartSpan(ctx, "agent.llm_call")
	resp, err := a.deps.LLM.Chat(llmCtx, req)
	llmSpan.End()
	if err != nil {
		return domain.Message{}, domain.Usage{}, err
	}
	return resp.Message, resp.Usage, nil
}

func (a *Agent) callStreaming(ctx context.Context, sp domain.StreamingLLMProvider, req domain.ChatRequest, emit StreamEmitter) (domain.Message, domain.Usage, error) {
	llmCtx, llmSpan := tracer.StartSpan(ctx, "agent.llm_stream")
	deltaCh, err := sp.ChatStream(llmCtx, req)
	llmSpan.End()
	if err != nil {
		return domain.Message{}, domain.Usage{}, err
	}

	acc := newStreamAccumulator()
	for delta := range deltaCh {
		acc.addDelta(delta)
		if delta.Content != "" {
			emit(domain.RouteEvent{Type: domain.RouteToken, Content: delta.Content})
		}
	}
	msg, usage := acc.build()
	return msg, usage, nil
}

// executeTool runs a single tool call and returns the result as a Message.
// Tool-level failures come back as error-describing content so the model
// can self-correct; they never abort the loop.
func (a *Agent) executeTool(ctx context.Context, call domain.ToolCall, emit StreamEmitter) domain.Message {
	ctx, span := tracer.StartSpan(ctx, "agent.execute_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
	)
	defer span.End()

	if emit != nil {
		emit(domain.RouteEvent{Type: domain.RouteToolStart, Tool: call.Name, Input: call.Arguments})
	}

	content := a.invoke(ctx, span, call)

	if emit != nil {
		emit(domain.RouteEvent{Type: domain.RouteToolEnd, Tool: call.Name, Output: content})
	}

	return domain.Message{
		Role:    domain.RoleTool,
		Name:    call.Name,
		Content: content,
		ToolCalls: []domain.ToolCall{{
			ID:   call.ID,
			Name: call.Name,
		}},
		Timestamp: time.Now(),
	}
}

func (a *Agent) invoke(ctx context.Context, span trace.Span, call domain.ToolCall) string {
	tool, err := a.deps.Tools.Get(call.Name)
	if err != nil {
		tracer.RecordError(span, err)
		return err.Error()
	}

	a.publish(ctx, domain.EventToolCallStarted)
	result, err := tool.Execute(ctx, call.Arguments)
	a.publish(ctx, domain.EventToolCallCompleted)

	if err != nil {
		tracer.RecordError(span, err)
		return err.Error()
	}
	tracer.SetOK(span)
	return result.Content
}

// buildRequest assembles the system prompt plus the truncated history.
func (a *Agent) buildRequest(history []domain.Message) domain.ChatRequest {
	messages := make([]domain.Message, 0, 1+len(history))
	messages = append(messages, domain.Message{
		Role:      domain.RoleSystem,
		Content:   a.deps.SystemPrompt,
		Timestamp: time.Now(),
	})
	messages = append(messages, truncateHistory(history, a.deps.MaxMessages)...)

	return domain.ChatRequest{
		Messages: messages,
		Tools:    a.deps.Tools.Schemas(),
	}
}

func (a *Agent) publish(ctx context.Context, t domain.EventType) {
	if a.deps.Bus == nil {
		return
	}
	a.deps.Bus.Publish(ctx, domain.Event{Type: t, Timestamp: time.Now()})
}

// truncateHistory keeps the most recent max messages without splitting an
// assistant tool-call message from its tool results.
func truncateHistory(history []domain.Message, max int) []domain.Message {
	if max <= 0 || len(history) <= max {
		return history
	}
	start := len(history) - max
	// Walk back past tool results to the assistant message that issued them.
	for start > 0 && history[start].Role == domain.RoleTool {
		start--
	}
	return history[start:]
}

// maxToolCallSlots bounds the accumulator's tool-call array so malformed
// streaming deltas cannot exhaust memory.
const maxToolCallSlots = 50

// streamAccumulator collects incremental deltas into a complete message.
type streamAccumulator struct {
	content   strings.Builder
	toolCalls []domain.ToolCall
	usage     domain.Usage
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{}
}

// addDelta merges one streaming delta. Tool calls are keyed by ID: a
// fragment carrying an unseen ID opens a new call, fragments repeating
// an ID (or carrying none) extend the most recently opened call by
// appending argument bytes. Parallel calls split across chunks each
// keep their own slot this way, whether the provider interleaves them
// or emits each one whole.
func (acc *streamAccumulator) addDelta(delta domain.StreamDelta) {
	acc.content.WriteString(delta.Content)

	for _, tc := range delta.ToolCalls {
		existing := acc.slotFor(tc.ID)
		if existing == nil {
			continue
		}
		if tc.ID != "" {
			existing.ID = tc.ID
		}
		if tc.Name != "" {
			existing.Name = tc.Name
		}
		if len(tc.Arguments) > 0 {
			existing.Arguments = append(existing.Arguments, tc.Arguments...)
		}
	}

	if delta.Usage != nil {
		acc.usage = *delta.Usage
	}
}

// slotFor locates the accumulating call a fragment belongs to. A nil
// return means the slot cap was hit and the fragment is dropped.
func (acc *streamAccumulator) slotFor(id string) *domain.ToolCall {
	if id != "" {
		for i := range acc.toolCalls {
			if acc.toolCalls[i].ID == id {
				return &acc.toolCalls[i]
			}
		}
	}
	if id == "" && len(acc.toolCalls) > 0 {
		return &acc.toolCalls[len(acc.toolCalls)-1]
	}
	if len(acc.toolCalls) >= maxToolCallSlots {
		return nil
	}
	acc.toolCalls = append(acc.toolCalls, domain.ToolCall{})
	return &acc.toolCalls[len(acc.toolCalls)-1]
}

// build returns the accumulated message and usage.
func (acc *streamAccumulator) build() (domain.Message, domain.Usage) {
	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   acc.content.String(),
		ToolCalls: acc.toolCalls,
		Timestamp: time.Now(),
	}
	return msg, acc.usage
}

var _ domain.ToolExecutor = (*ToolSet)(nil)
