package usecase

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"edith/internal/domain"
)

// AgentFactory constructs a reasoning agent bound to exactly the given
// tool list. Factories must be pure: two agents built from the same tool
// list are behaviorally interchangeable.
type AgentFactory func(tools []domain.Tool) *Agent

// AgentCache memoizes constructed agents by tool-set signature so that a
// recurring capability set does not pay reconstruction cost. Entries live
// for the process lifetime; the registry is static so signatures never
// invalidate. Size is bounded by the number of distinct tool-set
// signatures ever requested.
type AgentCache struct {
	mu      sync.RWMutex
	agents  map[string]*Agent
	factory AgentFactory
	bus     domain.EventBus
	logger  *slog.Logger
}

// NewAgentCache creates an empty cache around the given factory.
func NewAgentCache(factory AgentFactory, bus domain.EventBus, logger *slog.Logger) *AgentCache {
	return &AgentCache{
		agents:  make(map[string]*Agent),
		factory: factory,
		bus:     bus,
		logger:  logger,
	}
}

// Signature computes the canonical cache key for a tool list: names
// sorted lexicographically and comma-joined. The empty tool list maps to
// the empty string.
func Signature(tools []domain.Tool) string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name()
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// GetOrCreate returns the cached agent for the tool list, constructing it
// on first use. Construction is not exclusive: two concurrent requests
// with the same novel signature may both construct and one overwrite the
// other. Agents hold no session state, so the redundant construction
// wastes work but is harmless.
func (c *AgentCache) GetOrCreate(ctx context.Context, tools []domain.Tool) *Agent {
	sig := Signature(tools)

	c.mu.RLock()
	agent, ok := c.agents[sig]
	c.mu.RUnlock()
	if ok {
		return agent
	}

	agent = c.factory(tools)

	c.mu.Lock()
	c.agents[sig] = agent
	c.mu.Unlock()

	display := sig
	if display == "" {
		display = "(none)"
	}
	c.logger.Info("created agent", "tools", display)
	if c.bus != nil {
		c.bus.Publish(ctx, domain.Event{
			Type:      domain.EventAgentCreated,
			Timestamp: time.Now(),
		})
	}
	return agent
}

// Len returns the number of cached agents.
func (c *AgentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.agents)
}
