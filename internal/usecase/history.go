package usecase

import (
	"context"
	"log/slog"
	"sync"

	"edith/internal/domain"
)

// HistoryStore keeps per-session transcripts in memory and persists them
// through a HistoryBackend with write-behind semantics. Once a session is
// hydrated the memory copy is the sole source of truth for reads; the
// backend is only consulted again after a restart.
type HistoryStore struct {
	mu      sync.Mutex
	cache   map[string][]domain.Message
	backend domain.HistoryBackend
	logger  *slog.Logger
	flushWG sync.WaitGroup
}

// NewHistoryStore creates a store over the given backend.
func NewHistoryStore(backend domain.HistoryBackend, logger *slog.Logger) *HistoryStore {
	return &HistoryStore{
		cache:   make(map[string][]domain.Message),
		backend: backend,
		logger:  logger,
	}
}

// Get returns the session's turns, hydrating from the backend on first
// access. A backend that cannot be read yields an empty history rather
// than an error: a session with unreadable state starts fresh.
func (s *HistoryStore) Get(ctx context.Context, sessionID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msgs, ok := s.cache[sessionID]; ok {
		out := make([]domain.Message, len(msgs))
		copy(out, msgs)
		return out
	}

	all, err := s.backend.ReadAll(ctx)
	if err != nil {
		s.logger.Warn("history read failed, starting empty", "session", sessionID, "error", err)
		s.cache[sessionID] = nil
		return nil
	}

	msgs := all[sessionID]
	s.cache[sessionID] = msgs

	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Append adds turns to the session synchronously in memory, then flushes
// to the backend on a detached goroutine. The caller observes its own
// writes immediately; durability is best-effort and failures are logged
// and swallowed.
func (s *HistoryStore) Append(ctx context.Context, sessionID string, msgs ...domain.Message) {
	s.mu.Lock()
	s.cache[sessionID] = append(s.cache[sessionID], msgs...)
	snapshot := make([]domain.Message, len(s.cache[sessionID]))
	copy(snapshot, s.cache[sessionID])
	s.mu.Unlock()

	s.flushWG.Add(1)
	go func() {
		defer s.flushWG.Done()
		// Deliberately not the request context: a canceled request must
		// not abandon the flush it triggered.
		s.flush(context.Background(), sessionID, snapshot)
	}()
}

// flush read-merges the session's snapshot into the backend record and
// writes the whole record back. Concurrent flushes for different sessions
// interleave safely at the record level only when the backend serializes
// writers; otherwise last writer wins.
func (s *HistoryStore) flush(ctx context.Context, sessionID string, msgs []domain.Message) {
	all, err := s.backend.ReadAll(ctx)
	if err != nil {
		s.logger.Warn("history flush read failed", "session", sessionID, "error", err)
		all = make(map[string][]domain.Message)
	}
	if all == nil {
		all = make(map[string][]domain.Message)
	}
	all[sessionID] = msgs

	if err := s.backend.WriteAll(ctx, all); err != nil {
		s.logger.Warn("history flush write failed", "session", sessionID, "error", err)
	}
}

// Wait blocks until all in-flight flushes complete. Used on shutdown and
// in tests.
func (s *HistoryStore) Wait() {
	s.flushWG.Wait()
}

// Sessions returns the ids of every hydrated session. Diagnostic use.
func (s *HistoryStore) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.cache))
	for id := range s.cache {
		ids = append(ids, id)
	}
	return ids
}
