package workflow

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Step is one agent execution in a workflow, with optional per-step
// overrides of the agent's defaults.
type Step struct {
	Agent       string   `yaml:"agent" json:"agent"`
	Phase       string   `yaml:"phase,omitempty" json:"phase,omitempty"`
	Backend     string   `yaml:"backend,omitempty" json:"backend,omitempty"`
	Model       string   `yaml:"model,omitempty" json:"model,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
}

// Definition is an ordered agent sequence, optionally partitioned into named
// phases. Phase membership is declarative data on each step; phases execute
// strictly in first-appearance order.
type Definition struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`
	Steps []Step `yaml:"steps" json:"steps"`
}

// Phase is a contiguous sub-sequence of steps sharing one phase name.
type Phase struct {
	Name string
	// Offset is the index of the phase's first step in the full sequence.
	Offset int
	Steps  []Step
}

// rawDefinition also accepts the legacy parallel-array shape
// (agents + models + temperatures + backends, padded with defaults).
type rawDefinition struct {
	ID           string     `yaml:"id"`
	Name         string     `yaml:"name"`
	Steps        []Step     `yaml:"steps"`
	Agents       []string   `yaml:"agents"`
	Phases       []string   `yaml:"phases"`
	Backends     []string   `yaml:"backends"`
	Models       []string   `yaml:"models"`
	Temperatures []*float64 `yaml:"temperatures"`
}

// Parse decodes a YAML workflow definition, accepting either the step-list
// or the parallel-array shape, and normalizes to Steps.
func Parse(data []byte) (*Definition, error) {
	var raw rawDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	def := &Definition{ID: raw.ID, Name: raw.Name, Steps: raw.Steps}
	if len(def.Steps) == 0 && len(raw.Agents) > 0 {
		def.Steps = make([]Step, len(raw.Agents))
		for i, agent := range raw.Agents {
			step := Step{Agent: agent}
			if i < len(raw.Phases) {
				step.Phase = raw.Phases[i]
			}
			if i < len(raw.Backends) {
				step.Backend = raw.Backends[i]
			}
			if i < len(raw.Models) {
				step.Model = raw.Models[i]
			}
			if i < len(raw.Temperatures) {
				step.Temperature = raw.Temperatures[i]
			}
			def.Steps[i] = step
		}
	}
	return def, nil
}

// Load reads and parses a workflow definition file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return Parse(data)
}

// Validate checks the definition against the agent registry. Unknown agent
// names and non-contiguous phases are configuration errors, surfaced here
// rather than mid-run.
func (d *Definition) Validate(registry *Registry) error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", d.ID)
	}
	seen := make(map[string]bool)
	var lastPhase string
	for i, step := range d.Steps {
		agent := strings.TrimSpace(step.Agent)
		if agent == "" {
			return fmt.Errorf("workflow %q: step %d has no agent", d.ID, i)
		}
		if registry != nil {
			if _, ok := registry.Resolve(agent); !ok {
				return fmt.Errorf("workflow %q: unknown agent %q", d.ID, agent)
			}
		}
		phase := step.Phase
		if phase != lastPhase {
			if seen[phase] {
				return fmt.Errorf("workflow %q: phase %q is not contiguous", d.ID, phase)
			}
			seen[phase] = true
			lastPhase = phase
		}
	}
	return nil
}

// AgentSequence returns the ordered agent names.
func (d *Definition) AgentSequence() []string {
	names := make([]string, len(d.Steps))
	for i, step := range d.Steps {
		names[i] = step.Agent
	}
	return names
}

// Phases groups steps into contiguous named phases, preserving order. Steps
// without a phase name form their own unnamed group boundaries exactly as
// listed.
func (d *Definition) Phases() []Phase {
	var phases []Phase
	for i, step := range d.Steps {
		if len(phases) == 0 || phases[len(phases)-1].Name != step.Phase {
			phases = append(phases, Phase{Name: step.Phase, Offset: i})
		}
		last := &phases[len(phases)-1]
		last.Steps = append(last.Steps, step)
	}
	return phases
}

// PhaseOf returns the phase containing the step at index, and its position
// within that phase.
func (d *Definition) PhaseOf(index int) (Phase, int, error) {
	if index < 0 || index >= len(d.Steps) {
		return Phase{}, 0, fmt.Errorf("step index %d out of range", index)
	}
	for _, phase := range d.Phases() {
		if index >= phase.Offset && index < phase.Offset+len(phase.Steps) {
			return phase, index - phase.Offset, nil
		}
	}
	return Phase{}, 0, fmt.Errorf("step index %d not covered by any phase", index)
}

// IndexOf returns the position of the first step running the given agent,
// or -1.
func (d *Definition) IndexOf(agent string) int {
	for i, step := range d.Steps {
		if step.Agent == agent {
			return i
		}
	}
	return -1
}

// ResolveStep merges a step's overrides over the registry defaults for its
// agent.
func (d *Definition) ResolveStep(index int, registry *Registry) (AgentSpec, error) {
	if index < 0 || index >= len(d.Steps) {
		return AgentSpec{}, fmt.Errorf("step index %d out of range", index)
	}
	step := d.Steps[index]
	spec := AgentSpec{Name: step.Agent}
	if registry != nil {
		if registered, ok := registry.Resolve(step.Agent); ok {
			spec = registered
		}
	}
	if step.Backend != "" {
		spec.Backend = step.Backend
	}
	if step.Model != "" {
		spec.Model = step.Model
	}
	if step.Temperature != nil {
		spec.Temperature = step.Temperature
	}
	return spec, nil
}
