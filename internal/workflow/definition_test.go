package workflow

import (
	"testing"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	registry, err := NewRegistry([]AgentSpec{
		{Name: "analyst", Kind: KindAnalyst, Instruction: "analyze the request"},
		{Name: "architect", Kind: KindArchitect, Instruction: "design the system"},
		{Name: "developer", Kind: KindDeveloper, Instruction: "implement it", Backend: "claude"},
		{Name: "tester", Kind: KindTester, Instruction: "test it"},
		{Name: "devops", Kind: KindDevops, Instruction: "ship it"},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return registry
}

func TestNewRegistryRejectsUnknownKind(t *testing.T) {
	_, err := NewRegistry([]AgentSpec{{Name: "wizard", Kind: Kind("wizard")}})
	if err == nil {
		t.Fatal("expected error for unknown agent kind")
	}
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry([]AgentSpec{
		{Name: "developer", Kind: KindDeveloper},
		{Name: "developer", Kind: KindDeveloper},
	})
	if err == nil {
		t.Fatal("expected error for duplicate agent name")
	}
}

func TestParseStepList(t *testing.T) {
	def, err := Parse([]byte(`
id: fullstack
steps:
  - agent: architect
    phase: planning
  - agent: developer
    phase: development
    model: sonnet
    temperature: 0.2
  - agent: tester
    phase: development
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := def.Validate(testRegistry(t)); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got := def.AgentSequence(); len(got) != 3 || got[1] != "developer" {
		t.Errorf("AgentSequence() = %v", got)
	}
	if def.Steps[1].Temperature == nil || *def.Steps[1].Temperature != 0.2 {
		t.Errorf("Temperature override not parsed: %+v", def.Steps[1])
	}
}

func TestParseParallelArrays(t *testing.T) {
	def, err := Parse([]byte(`
id: legacy
agents: [architect, developer, tester]
phases: [planning, development]
models: [opus]
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(def.Steps) != 3 {
		t.Fatalf("Steps = %d, want 3", len(def.Steps))
	}
	// Shorter parallel arrays pad with defaults.
	if def.Steps[0].Model != "opus" || def.Steps[1].Model != "" {
		t.Errorf("model padding wrong: %+v", def.Steps)
	}
	if def.Steps[2].Phase != "" {
		t.Errorf("phase padding wrong: %+v", def.Steps[2])
	}
}

func TestValidateRejectsUnknownAgent(t *testing.T) {
	def := &Definition{ID: "bad", Steps: []Step{{Agent: "sorcerer"}}}
	if err := def.Validate(testRegistry(t)); err == nil {
		t.Fatal("expected unknown agent to be rejected at load time")
	}
}

func TestValidateRejectsNonContiguousPhase(t *testing.T) {
	def := &Definition{ID: "bad", Steps: []Step{
		{Agent: "architect", Phase: "planning"},
		{Agent: "developer", Phase: "development"},
		{Agent: "tester", Phase: "planning"},
	}}
	if err := def.Validate(testRegistry(t)); err == nil {
		t.Fatal("expected non-contiguous phase to be rejected")
	}
}

func TestPhases(t *testing.T) {
	def := &Definition{ID: "wf", Steps: []Step{
		{Agent: "analyst", Phase: "planning"},
		{Agent: "architect", Phase: "planning"},
		{Agent: "developer", Phase: "development"},
		{Agent: "tester", Phase: "development"},
		{Agent: "devops", Phase: "deployment"},
	}}
	phases := def.Phases()
	if len(phases) != 3 {
		t.Fatalf("Phases() = %d, want 3", len(phases))
	}
	if phases[1].Name != "development" || phases[1].Offset != 2 || len(phases[1].Steps) != 2 {
		t.Errorf("development phase = %+v", phases[1])
	}

	phase, pos, err := def.PhaseOf(3)
	if err != nil {
		t.Fatalf("PhaseOf(3) error = %v", err)
	}
	if phase.Name != "development" || pos != 1 {
		t.Errorf("PhaseOf(3) = (%q, %d)", phase.Name, pos)
	}
}

func TestResolveStepMergesOverrides(t *testing.T) {
	registry := testRegistry(t)
	temp := 0.7
	def := &Definition{ID: "wf", Steps: []Step{
		{Agent: "developer"},
		{Agent: "developer", Backend: "openai", Model: "gpt-5", Temperature: &temp},
	}}

	plain, err := def.ResolveStep(0, registry)
	if err != nil {
		t.Fatalf("ResolveStep(0) error = %v", err)
	}
	if plain.Backend != "claude" {
		t.Errorf("default backend = %q, want claude", plain.Backend)
	}

	overridden, err := def.ResolveStep(1, registry)
	if err != nil {
		t.Fatalf("ResolveStep(1) error = %v", err)
	}
	if overridden.Backend != "openai" || overridden.Model != "gpt-5" {
		t.Errorf("overrides not applied: %+v", overridden)
	}
	if overridden.Temperature == nil || *overridden.Temperature != 0.7 {
		t.Errorf("temperature override not applied: %+v", overridden)
	}
	if overridden.Instruction != "implement it" {
		t.Errorf("instruction should come from registry: %q", overridden.Instruction)
	}
}
