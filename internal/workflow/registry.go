// Package workflow defines workflow definitions, their phase structure, and
// the agent registry that validates them at configuration-load time.
package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is the typed class of an agent. Unknown names are rejected when a
// registry or definition loads, not when a step executes.
type Kind string

const (
	KindAnalyst    Kind = "analyst"
	KindArchitect  Kind = "architect"
	KindDeveloper  Kind = "developer"
	KindTester     Kind = "tester"
	KindReviewer   Kind = "reviewer"
	KindDevops     Kind = "devops"
	KindDocumenter Kind = "documenter"
)

var knownKinds = map[Kind]bool{
	KindAnalyst:    true,
	KindArchitect:  true,
	KindDeveloper:  true,
	KindTester:     true,
	KindReviewer:   true,
	KindDevops:     true,
	KindDocumenter: true,
}

// ParseKind validates an agent kind string.
func ParseKind(raw string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if !knownKinds[kind] {
		return "", fmt.Errorf("unknown agent kind %q", raw)
	}
	return kind, nil
}

// AgentSpec describes one registered agent: its kind, its instruction text,
// and its default backend/model/temperature. Workflow steps may override the
// defaults per step.
type AgentSpec struct {
	Name        string
	Kind        Kind
	Instruction string
	Backend     string
	Model       string
	Temperature *float64
}

// Registry is the dispatch table from agent name to AgentSpec, built once at
// startup.
type Registry struct {
	agents map[string]AgentSpec
}

// NewRegistry builds a registry, rejecting duplicate or invalid entries.
func NewRegistry(specs []AgentSpec) (*Registry, error) {
	agents := make(map[string]AgentSpec, len(specs))
	for _, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, fmt.Errorf("agent spec with empty name")
		}
		if _, err := ParseKind(string(spec.Kind)); err != nil {
			return nil, fmt.Errorf("agent %q: %w", name, err)
		}
		if _, dup := agents[name]; dup {
			return nil, fmt.Errorf("duplicate agent name %q", name)
		}
		spec.Name = name
		agents[name] = spec
	}
	return &Registry{agents: agents}, nil
}

// Resolve returns the spec for an agent name.
func (r *Registry) Resolve(name string) (AgentSpec, bool) {
	spec, ok := r.agents[name]
	return spec, ok
}

// Names returns all registered agent names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
