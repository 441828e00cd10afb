package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"edith/internal/domain"
	"edith/internal/infra/config"
	"edith/internal/usecase"
)

// Metrics holds gateway counters fed from the event bus.
type Metrics struct {
	MessagesRecv    atomic.Int64
	MessagesSent    atomic.Int64
	ToolCallsTotal  atomic.Int64
	LLMCallsTotal   atomic.Int64
	StreamsTotal    atomic.Int64
	ReflexAnswers   atomic.Int64
	AgentsCreated   atomic.Int64
	ToolErrorsTotal atomic.Int64
}

// Server is the HTTP surface: a blocking ask endpoint, an SSE streaming
// endpoint, and a status endpoint.
type Server struct {
	cfg     config.GatewayConfig
	router  *usecase.Router
	bus     domain.EventBus
	logger  *slog.Logger
	metrics *Metrics
	limiter *rate.Limiter
	start   time.Time
	httpSrv *http.Server
}

// NewServer wires the gateway around the router.
func NewServer(cfg config.GatewayConfig, router *usecase.Router, bus domain.EventBus, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		router:  router,
		bus:     bus,
		logger:  logger,
		metrics: &Metrics{},
		start:   time.Now(),
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	s.subscribeMetrics()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/ask", s.middleware(s.handleAsk))
	mux.HandleFunc("POST /api/ask/stream", s.middleware(s.handleAskStream))
	mux.HandleFunc("GET /api/status", s.middleware(s.handleStatus))

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) subscribeMetrics() {
	if s.bus == nil {
		return
	}
	s.bus.Subscribe(domain.EventMessageReceived, func(_ context.Context, _ domain.Event) {
		s.metrics.MessagesRecv.Add(1)
	})
	s.bus.Subscribe(domain.EventMessageSent, func(_ context.Context, _ domain.Event) {
		s.metrics.MessagesSent.Add(1)
	})
	s.bus.Subscribe(domain.EventToolCallCompleted, func(_ context.Context, _ domain.Event) {
		s.metrics.ToolCallsTotal.Add(1)
	})
	s.bus.Subscribe(domain.EventLLMCallCompleted, func(_ context.Context, _ domain.Event) {
		s.metrics.LLMCallsTotal.Add(1)
	})
	s.bus.Subscribe(domain.EventStreamStarted, func(_ context.Context, _ domain.Event) {
		s.metrics.StreamsTotal.Add(1)
	})
	s.bus.Subscribe(domain.EventReflexAnswered, func(_ context.Context, _ domain.Event) {
		s.metrics.ReflexAnswers.Add(1)
	})
	s.bus.Subscribe(domain.EventAgentCreated, func(_ context.Context, _ domain.Event) {
		s.metrics.AgentsCreated.Add(1)
	})
	s.bus.Subscribe(domain.EventAgentError, func(_ context.Context, _ domain.Event) {
		s.metrics.ToolErrorsTotal.Add(1)
	})
}

// middleware applies rate limiting then token auth.
func (s *Server) middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if s.cfg.Token != "" {
			token := r.URL.Query().Get("token")
			if token == "" {
				token = r.Header.Get("Authorization")
				if len(token) > 7 && token[:7] == "Bearer " {
					token = token[7:]
				}
			}
			if token != s.cfg.Token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

type askRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type askResponse struct {
	SessionID string `json:"session_id"`
	Response  string `json:"response"`
}

func (s *Server) decodeAsk(w http.ResponseWriter, r *http.Request) (*askRequest, bool) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return nil, false
	}
	if req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return nil, false
	}
	if req.SessionID == "" {
		req.SessionID = ulid.Make().String()
	}
	return &req, true
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAsk(w, r)
	if !ok {
		return
	}

	answer, err := s.router.Handle(r.Context(), req.SessionID, req.Message)
	if err != nil {
		s.logger.Error("ask failed", "session", req.SessionID, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrRateLimit) {
			status = http.StatusTooManyRequests
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(askResponse{SessionID: req.SessionID, Response: answer})
}

func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAsk(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-Id", req.SessionID)

	for ev := range s.router.Stream(r.Context(), req.SessionID, req.Message) {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"uptime":         time.Since(s.start).Round(time.Second).String(),
		"messages_recv":  s.metrics.MessagesRecv.Load(),
		"messages_sent":  s.metrics.MessagesSent.Load(),
		"tool_calls":     s.metrics.ToolCallsTotal.Load(),
		"llm_calls":      s.metrics.LLMCallsTotal.Load(),
		"streams":        s.metrics.StreamsTotal.Load(),
		"reflex_answers": s.metrics.ReflexAnswers.Load(),
		"agents_created": s.metrics.AgentsCreated.Load(),
		"agent_errors":   s.metrics.ToolErrorsTotal.Load(),
	})
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("gateway listening", "addr", s.cfg.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
