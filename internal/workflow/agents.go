package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type rawAgent struct {
	Name        string   `yaml:"name"`
	Kind        string   `yaml:"kind"`
	Instruction string   `yaml:"instruction"`
	Backend     string   `yaml:"backend,omitempty"`
	Model       string   `yaml:"model,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
}

// LoadAgents reads the agent catalog from a YAML file and builds the
// dispatch registry. Unknown kinds fail here, at load time.
func LoadAgents(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	return ParseAgents(data)
}

// ParseAgents builds a Registry from YAML bytes.
func ParseAgents(data []byte) (*Registry, error) {
	var doc struct {
		Agents []rawAgent `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}
	if len(doc.Agents) == 0 {
		return nil, fmt.Errorf("agents file defines no agents")
	}
	specs := make([]AgentSpec, 0, len(doc.Agents))
	for _, raw := range doc.Agents {
		kind, err := ParseKind(raw.Kind)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", raw.Name, err)
		}
		name := raw.Name
		if name == "" {
			name = string(kind)
		}
		specs = append(specs, AgentSpec{
			Name:        name,
			Kind:        kind,
			Instruction: raw.Instruction,
			Backend:     raw.Backend,
			Model:       raw.Model,
			Temperature: raw.Temperature,
		})
	}
	return NewRegistry(specs)
}
