package orchestrator

import (
	"fmt"
	"strings"

	"forge/internal/shared/token"
	"forge/internal/task"
)

const (
	defaultRecentOutputTokens = 4000
	recentOutputWindow        = 3
)

// Composer assembles the input for one agent step: the agent's own
// instruction, the original user prompt, a token-bounded window of the most
// recent prior agents' outputs, a compact memory summary, the latest memory
// entry as structured data, and a resume pointer when a prior attempt left
// a file in progress.
type Composer struct {
	// MaxRecentTokens bounds the recent-outputs section.
	MaxRecentTokens int
}

// ComposeInput is everything the composer reads for one step.
type ComposeInput struct {
	Instruction   string
	UserPrompt    string
	AgentName     string
	RecentOutputs []AgentOutput
	Memory        []task.MemoryEntry
}

// AgentOutput is one prior agent's response within the current run.
type AgentOutput struct {
	Agent  string
	Output string
}

func (c *Composer) maxRecent() int {
	if c == nil || c.MaxRecentTokens <= 0 {
		return defaultRecentOutputTokens
	}
	return c.MaxRecentTokens
}

// Compose renders the full prompt for an agent step.
func (c *Composer) Compose(in ComposeInput) string {
	var sb strings.Builder

	if s := strings.TrimSpace(in.Instruction); s != "" {
		sb.WriteString(s)
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Original request\n")
	sb.WriteString(strings.TrimSpace(in.UserPrompt))
	sb.WriteString("\n")

	if recent := c.renderRecent(in.RecentOutputs); recent != "" {
		sb.WriteString("\n## Recent agent outputs\n")
		sb.WriteString(recent)
	}

	if summary := summarizeMemory(in.Memory); summary != "" {
		sb.WriteString("\n## Run history\n")
		sb.WriteString(summary)
	}

	if latest := latestEntrySection(in.Memory, in.AgentName); latest != "" {
		sb.WriteString(latest)
	}

	return sb.String()
}

// renderRecent keeps the last few outputs, newest last, trimming the oldest
// kept output when the token budget overflows.
func (c *Composer) renderRecent(outputs []AgentOutput) string {
	if len(outputs) == 0 {
		return ""
	}
	start := len(outputs) - recentOutputWindow
	if start < 0 {
		start = 0
	}
	window := outputs[start:]

	budget := c.maxRecent()
	used := 0
	sections := make([]string, 0, len(window))
	// Walk newest-first so the freshest output survives trimming.
	for i := len(window) - 1; i >= 0; i-- {
		out := strings.TrimSpace(window[i].Output)
		if out == "" {
			continue
		}
		remaining := budget - used
		if remaining <= 0 {
			break
		}
		if token.Count(out) > remaining {
			out = token.Truncate(out, remaining)
		}
		used += token.Count(out)
		sections = append([]string{fmt.Sprintf("### %s\n%s\n", window[i].Agent, out)}, sections...)
	}
	return strings.Join(sections, "\n")
}

// summarizeMemory compacts the run history to one line per entry.
func summarizeMemory(memory []task.MemoryEntry) string {
	if len(memory) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, entry := range memory {
		completed := strings.Join(entry.AgentsProgress.Completed, ", ")
		if completed == "" {
			completed = "none"
		}
		sb.WriteString(fmt.Sprintf("- run %d: completed [%s]", i+1, completed))
		if entry.Error != nil {
			sb.WriteString(fmt.Sprintf("; failed at %s (%s)", entry.Error.Agent, entry.Error.Code))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// latestEntrySection renders the latest memory entry's detail for the
// current agent, including the resume pointer when a prior attempt recorded
// an in-progress file.
func latestEntrySection(memory []task.MemoryEntry, agentName string) string {
	if len(memory) == 0 {
		return ""
	}
	latest := memory[len(memory)-1]
	var sb strings.Builder

	if len(latest.AgentsProgress.Remaining) > 0 {
		sb.WriteString("\n## Current run\n")
		sb.WriteString(fmt.Sprintf("Remaining agents: %s\n", strings.Join(latest.AgentsProgress.Remaining, ", ")))
	}

	detail, ok := latest.AgentsDetails[agentName]
	if !ok {
		return sb.String()
	}
	if len(detail.FilesCreated) > 0 {
		sb.WriteString(fmt.Sprintf("Files you already created: %s\n", strings.Join(detail.FilesCreated, ", ")))
	}
	if f := strings.TrimSpace(detail.InProgressFile); f != "" {
		sb.WriteString(fmt.Sprintf("You were interrupted while writing %s. Resume that file first; do not start it over.\n", f))
	}
	return sb.String()
}
