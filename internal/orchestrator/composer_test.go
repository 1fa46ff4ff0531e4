package orchestrator

import (
	"strings"
	"testing"
	"time"

	"forge/internal/task"
)

func TestComposeIncludesInstructionAndPrompt(t *testing.T) {
	c := &Composer{}
	out := c.Compose(ComposeInput{
		Instruction: "You are the developer agent.",
		UserPrompt:  "build a todo app",
		AgentName:   "developer",
	})
	if !strings.Contains(out, "You are the developer agent.") {
		t.Fatal("instruction missing")
	}
	if !strings.Contains(out, "build a todo app") {
		t.Fatal("user prompt missing")
	}
}

func TestComposeKeepsOnlyRecentWindow(t *testing.T) {
	c := &Composer{}
	out := c.Compose(ComposeInput{
		UserPrompt: "p",
		AgentName:  "tester",
		RecentOutputs: []AgentOutput{
			{Agent: "analyst", Output: "analysis text"},
			{Agent: "architect", Output: "architecture text"},
			{Agent: "developer", Output: "developer text"},
			{Agent: "reviewer", Output: "review text"},
		},
	})
	if strings.Contains(out, "analysis text") {
		t.Fatal("output outside the recent window must be dropped")
	}
	for _, keep := range []string{"architecture text", "developer text", "review text"} {
		if !strings.Contains(out, keep) {
			t.Fatalf("recent output %q missing", keep)
		}
	}
}

func TestComposeTruncatesToTokenBudget(t *testing.T) {
	c := &Composer{MaxRecentTokens: 20}
	long := strings.Repeat("word ", 500)
	out := c.Compose(ComposeInput{
		UserPrompt: "p",
		AgentName:  "tester",
		RecentOutputs: []AgentOutput{
			{Agent: "developer", Output: long},
		},
	})
	if len(out) >= len(long) {
		t.Fatal("long output was not truncated")
	}
}

func TestComposeFreshestOutputSurvivesTrimming(t *testing.T) {
	c := &Composer{MaxRecentTokens: 30}
	out := c.Compose(ComposeInput{
		UserPrompt: "p",
		AgentName:  "tester",
		RecentOutputs: []AgentOutput{
			{Agent: "architect", Output: strings.Repeat("older ", 200)},
			{Agent: "developer", Output: "freshest output line"},
		},
	})
	if !strings.Contains(out, "freshest output line") {
		t.Fatal("the newest output must survive budget trimming")
	}
}

func TestComposeRendersRunHistoryAndResumePointer(t *testing.T) {
	c := &Composer{}
	memory := []task.MemoryEntry{
		{
			Timestamp:      time.Now().Add(-time.Hour),
			AgentsProgress: task.AgentsProgress{Completed: []string{"analyst", "architect"}},
			Error:          &task.MemoryError{Agent: "developer", Code: "idle_timeout", Message: "stalled"},
		},
		{
			Timestamp:      time.Now(),
			AgentsProgress: task.AgentsProgress{Completed: []string{"analyst", "architect"}, Remaining: []string{"developer", "tester"}},
			AgentsDetails: map[string]task.AgentDetail{
				"developer": {
					FilesCreated:   []string{"main.go"},
					InProgressFile: "handler.go",
				},
			},
		},
	}
	out := c.Compose(ComposeInput{
		UserPrompt: "p",
		AgentName:  "developer",
		Memory:     memory,
	})
	if !strings.Contains(out, "failed at developer (idle_timeout)") {
		t.Fatal("history summary missing the prior failure")
	}
	if !strings.Contains(out, "Remaining agents: developer, tester") {
		t.Fatal("remaining agents missing")
	}
	if !strings.Contains(out, "handler.go") || !strings.Contains(out, "Resume that file") {
		t.Fatal("in-progress resume pointer missing")
	}
	if !strings.Contains(out, "main.go") {
		t.Fatal("created files pointer missing")
	}
}
