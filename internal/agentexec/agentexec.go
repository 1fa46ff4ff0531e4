// Package agentexec defines the contract to the layer that actually
// produces files for an agent step. The orchestrator only consumes the
// structured result; it never inspects file contents.
package agentexec

import (
	"context"
	"strings"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Result is the structured outcome of one agent execution step.
type Result struct {
	Status            string   `json:"status"`
	FilesCreated      []string `json:"files_created,omitempty"`
	RemainingSubtasks int      `json:"remaining_subtasks,omitempty"`
	RemainingTests    int      `json:"remaining_tests,omitempty"`
	ValidationIssues  []string `json:"validation_issues,omitempty"`
	Error             string   `json:"error,omitempty"`
}

// Complete reports whether the step left no follow-up work behind.
func (r Result) Complete() bool {
	return r.RemainingSubtasks == 0 && r.RemainingTests == 0 && len(r.ValidationIssues) == 0
}

// Progress is a comparable snapshot used by the continuation loop to detect
// whether a repeat attempt actually moved anything.
func (r Result) Progress() (int, int, int) {
	return r.RemainingSubtasks, r.RemainingTests, len(r.ValidationIssues)
}

func (r Result) normalized() Result {
	r.Status = strings.ToLower(strings.TrimSpace(r.Status))
	if r.Status == "" {
		r.Status = StatusFailed
	}
	if r.RemainingSubtasks < 0 {
		r.RemainingSubtasks = 0
	}
	if r.RemainingTests < 0 {
		r.RemainingTests = 0
	}
	return r
}

// ExecuteRequest identifies one agent step to run inside a project dir.
type ExecuteRequest struct {
	TaskID     string
	AgentName  string
	Prompt     string
	ProjectDir string
	Model      string
}

// Executor runs one agent step and reports a structured result.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (Result, error)
	CancelActive()
}
