package ai

import (
	"context"
	"fmt"
	"sync"

	"github.com/camuig/arena-trader/internal/config"
	"github.com/camuig/arena-trader/internal/logger"
)

// Registry maps model ids from the config to deciders.
type Registry struct {
	mu       sync.RWMutex
	deciders map[string]Decider
}

func NewRegistry() *Registry {
	return &Registry{deciders: make(map[string]Decider)}
}

func NewRegistryFromConfig(cfg *config.Config, log *logger.Logger) *Registry {
	r := NewRegistry()
	log = log.Component("ai")
	for id, mc := range cfg.Models {
		r.Register(id, NewLLMDecider(mc, log))
	}
	return r
}

func (r *Registry) Register(modelID string, d Decider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deciders[modelID] = d
}

func (r *Registry) For(modelID string) (Decider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deciders[modelID]
	if !ok {
		return nil, fmt.Errorf("no decider for model %q", modelID)
	}
	return d, nil
}

// DeciderFunc adapts a plain function to Decider.
type DeciderFunc func(ctx context.Context, dc *DecisionContext) (*Decision, error)

func (f DeciderFunc) Decide(ctx context.Context, dc *DecisionContext) (*Decision, error) {
	return f(ctx, dc)
}
