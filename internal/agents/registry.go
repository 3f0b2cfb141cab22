package agents

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"hushh/internal/domain"
)

// Registration pairs a manifest with the code that runs it.
type Registration struct {
	Manifest   domain.AgentManifest
	Entrypoint Entrypoint
}

// Registry maps agent ids to registrations. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{agents: map[string]Registration{}}
}

// Register adds m. Every scope in the manifest must be known.
func (r *Registry) Register(m domain.AgentManifest, ep Entrypoint) error {
	if strings.TrimSpace(m.AgentID) == "" {
		return domain.NewError(domain.KindInvalidParameters, "agent_id is required")
	}
	if ep == nil {
		return domain.NewError(domain.KindInvalidParameters, fmt.Sprintf("agent %s has no entrypoint", m.AgentID))
	}
	for op, scopes := range m.RequiredScopes {
		for _, s := range scopes {
			if !s.Valid() {
				return domain.NewError(domain.KindInvalidScope, fmt.Sprintf("agent %s: unknown %s scope %q", m.AgentID, op, s))
			}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[m.AgentID]; ok {
		return domain.NewError(domain.KindDuplicateAgent, fmt.Sprintf("agent %s already registered", m.AgentID))
	}
	r.agents[m.AgentID] = Registration{Manifest: m, Entrypoint: ep}
	return nil
}

func (r *Registry) Get(agentID string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[agentID]
	if !ok {
		return Registration{}, domain.NewError(domain.KindAgentNotFound, fmt.Sprintf("agent %s not found", agentID))
	}
	return reg, nil
}

// List returns manifests ordered by agent id.
func (r *Registry) List() []domain.AgentManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AgentManifest, 0, len(r.agents))
	for _, reg := range r.agents {
		out = append(out, reg.Manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
