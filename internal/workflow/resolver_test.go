package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeWorkflow(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}
}

func TestDirResolverLoadsByID(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "webapp.yaml", `
id: webapp
steps:
  - agent: developer
    phase: development
  - agent: tester
    phase: development
`)
	r := NewDirResolver(dir)
	def, err := r.ResolveWorkflow(context.Background(), "webapp")
	if err != nil {
		t.Fatalf("ResolveWorkflow: %v", err)
	}
	if len(def.Steps) != 2 || def.Steps[0].Agent != "developer" {
		t.Fatalf("definition = %+v", def)
	}
}

func TestDirResolverEmptyIDUsesDefault(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "default.yaml", `
steps:
  - agent: developer
`)
	r := NewDirResolver(dir)
	def, err := r.ResolveWorkflow(context.Background(), "")
	if err != nil {
		t.Fatalf("ResolveWorkflow: %v", err)
	}
	if def.ID != "default" {
		t.Fatalf("id = %q, want fallback to default", def.ID)
	}
}

func TestDirResolverUnknownID(t *testing.T) {
	r := NewDirResolver(t.TempDir())
	if _, err := r.ResolveWorkflow(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown workflow")
	}
}

func TestDirResolverRejectsPathTraversal(t *testing.T) {
	r := NewDirResolver(t.TempDir())
	if _, err := r.ResolveWorkflow(context.Background(), "../etc/passwd"); err == nil {
		t.Fatal("expected error for path separators in id")
	}
}

func TestParseAgentsBuildsRegistry(t *testing.T) {
	reg, err := ParseAgents([]byte(`
agents:
  - name: developer
    kind: developer
    instruction: "Write the code."
    backend: claude
  - name: qa
    kind: tester
    instruction: "Test the code."
    temperature: 0.2
`))
	if err != nil {
		t.Fatalf("ParseAgents: %v", err)
	}
	spec, ok := reg.Resolve("qa")
	if !ok {
		t.Fatal("qa not registered")
	}
	if spec.Kind != KindTester || spec.Temperature == nil || *spec.Temperature != 0.2 {
		t.Fatalf("spec = %+v", spec)
	}
}

func TestParseAgentsRejectsUnknownKind(t *testing.T) {
	_, err := ParseAgents([]byte(`
agents:
  - name: wizard
    kind: wizard
    instruction: "Cast spells."
`))
	if err == nil {
		t.Fatal("unknown kind must fail at load time")
	}
}

func TestParseAgentsRejectsEmptyCatalog(t *testing.T) {
	if _, err := ParseAgents([]byte(`agents: []`)); err == nil {
		t.Fatal("empty catalog must fail")
	}
}
