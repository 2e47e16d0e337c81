// Package agent provides the agent configuration registry: loading agent
// definitions from YAML, resolving workflow steps to agents by role or ID,
// and hot reloading when definitions change on disk.
package agent

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnresolved is returned when a step references a role or agent ID that
// no project or global agent satisfies. Never retried.
var ErrUnresolved = errors.New("agent unresolved")

// Config describes one configured agent.
type Config struct {
	// ID uniquely identifies the agent.
	ID string `yaml:"id" json:"id"`

	// Name is the display name.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Role is the functional role (e.g. "developer", "reviewer").
	Role string `yaml:"role" json:"role"`

	// ProjectID scopes the agent to one project. Empty means global.
	ProjectID string `yaml:"project_id,omitempty" json:"projectId,omitempty"`

	// SystemPrompt is sent with every invocation.
	SystemPrompt string `yaml:"system_prompt,omitempty" json:"systemPrompt,omitempty"`

	// Model overrides the default model for this agent.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// Tools lists tool names the agent may use.
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty"`

	// MaxTokens limits response length. 0 uses the endpoint default.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"maxTokens,omitempty"`

	// Temperature is nil to use the endpoint default.
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("agent has no id")
	}
	if c.Role == "" {
		return fmt.Errorf("agent %q has no role", c.ID)
	}
	return nil
}

// Registry resolves roles and agent IDs to configurations. Lookup rules:
// agent IDs match case-sensitively within the project's agents; roles match
// case-insensitively, first in the project's agents, then in the global set.
type Registry struct {
	mu     sync.RWMutex
	agents []Config
}

// NewRegistry creates a registry over the given agents.
func NewRegistry(agents ...Config) *Registry {
	r := &Registry{}
	r.Replace(agents)
	return r
}

// Replace swaps the full agent set atomically (used by hot reload).
func (r *Registry) Replace(agents []Config) {
	copied := make([]Config, len(agents))
	copy(copied, agents)
	r.mu.Lock()
	r.agents = copied
	r.mu.Unlock()
}

// All returns a copy of the registered agents.
func (r *Registry) All() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Config, len(r.agents))
	copy(out, r.agents)
	return out
}

// ResolveID looks up an agent by exact ID within the project (project-scoped
// agents first, then global agents with that ID).
func (r *Registry) ResolveID(agentID, projectID string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var global *Config
	for i := range r.agents {
		a := &r.agents[i]
		if a.ID != agentID {
			continue
		}
		if a.ProjectID != "" && a.ProjectID == projectID {
			cfg := *a
			return &cfg, nil
		}
		if a.ProjectID == "" && global == nil {
			global = a
		}
	}
	if global != nil {
		cfg := *global
		return &cfg, nil
	}
	return nil, fmt.Errorf("%w: no agent with id %q", ErrUnresolved, agentID)
}

// ResolveRole looks up an agent by role, case-insensitively: the project's
// agents win over global agents.
func (r *Registry) ResolveRole(role, projectID string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var global *Config
	for i := range r.agents {
		a := &r.agents[i]
		if !strings.EqualFold(a.Role, role) {
			continue
		}
		if a.ProjectID != "" && a.ProjectID == projectID {
			cfg := *a
			return &cfg, nil
		}
		if a.ProjectID == "" && global == nil {
			global = a
		}
	}
	if global != nil {
		cfg := *global
		return &cfg, nil
	}
	return nil, fmt.Errorf("%w: no agent for role %q", ErrUnresolved, role)
}
