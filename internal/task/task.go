// Package task defines the task domain model and store port.
//
// A Task is one logical unit of pipeline work. It is created once, mutated
// by the orchestrator after every agent step, and never deleted, only
// transitioned. Alongside the record live a JSON state blob (rewritten
// atomically after each step) and an append-only memory log of prior runs.
package task

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusReceived   Status = "received"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the task may still be executing or resumed soon.
func (s Status) IsActive() bool {
	switch s {
	case StatusReceived, StatusInProgress, StatusPaused:
		return true
	default:
		return false
	}
}

// Task is the persisted task record.
type Task struct {
	ID                 string    `json:"id"`
	Prompt             string    `json:"prompt"`
	Status             Status    `json:"status"`
	CurrentAgent       string    `json:"current_agent,omitempty"`
	ProgressPercentage int       `json:"progress_percentage"`
	ProjectPath        string    `json:"project_path,omitempty"`
	WorkflowID         string    `json:"workflow_id,omitempty"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Context keys used inside State.Context.
const (
	ContextKeyAgentSequence = "agent_sequence"
	ContextKeyResumeAgent   = "resume_agent"
	ContextKeyProjectPath   = "project_path"
	ContextKeyUploadedFiles = "uploaded_files"
)

// State is the JSON blob owned by a Task. It is rewritten atomically after
// each step and mirrored to a file under the project directory so the
// directory alone can reconstruct where a run left off.
type State struct {
	CompletedTasks     []string       `json:"completed_tasks"`
	AgentSequenceIndex int            `json:"agent_sequence_index"`
	DebugAttempts      int            `json:"debug_attempts"`
	CurrentAgent       string         `json:"current_agent,omitempty"`
	ProgressPercentage int            `json:"progress_percentage"`
	Context            map[string]any `json:"context,omitempty"`
}

// ContextString reads a string value from the state context.
func (s *State) ContextString(key string) string {
	if s == nil || s.Context == nil {
		return ""
	}
	if val, ok := s.Context[key].(string); ok {
		return val
	}
	return ""
}

// ContextStrings reads a string list from the state context, tolerating the
// []any shape JSON round-trips produce.
func (s *State) ContextStrings(key string) []string {
	if s == nil || s.Context == nil {
		return nil
	}
	switch val := s.Context[key].(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// SetContext stores a value in the state context, allocating the map lazily.
func (s *State) SetContext(key string, value any) {
	if s.Context == nil {
		s.Context = make(map[string]any)
	}
	s.Context[key] = value
}

// AgentsProgress tracks which agents completed and which remain for one run.
// Completed is always a prefix of the resolved agent sequence.
type AgentsProgress struct {
	Completed []string `json:"completed"`
	Remaining []string `json:"remaining"`
}

// AgentDetail points at the artifacts one agent produced during a run.
type AgentDetail struct {
	FilesCreated   []string  `json:"files_created,omitempty"`
	InProgressFile string    `json:"in_progress_file,omitempty"`
	LastUpdated    time.Time `json:"last_updated"`
}

// MemoryError records the failure that ended a run, if any.
type MemoryError struct {
	Agent   string `json:"agent"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MemoryEntry is one item in the append-only per-task history log. A new
// entry is appended on task creation and on every explicit resume; the
// latest entry is updated in place as agents complete within one run.
type MemoryEntry struct {
	Timestamp      time.Time              `json:"timestamp"`
	Prompt         string                 `json:"prompt"`
	WorkflowID     string                 `json:"workflow_id,omitempty"`
	AgentsProgress AgentsProgress         `json:"agents_progress"`
	AgentsDetails  map[string]AgentDetail `json:"agents_details,omitempty"`
	Error          *MemoryError           `json:"error,omitempty"`
}

// CreateResult reports whether Create minted a new task or suppressed a
// duplicate of a still-active one.
type CreateResult struct {
	TaskID    string
	Duplicate bool
}

// CreateParams carries the initial task parameters from the request layer.
type CreateParams struct {
	Prompt     string
	WorkflowID string
	// ProjectRoot is the directory under which per-task project dirs live.
	ProjectRoot string
}

// Store is the task persistence port.
type Store interface {
	// Create persists a new task, or returns the id of a recent still-active
	// duplicate (same workflow, equivalent prompt) instead of double-creating.
	Create(ctx context.Context, params CreateParams) (CreateResult, error)

	Get(ctx context.Context, taskID string) (*Task, error)

	// UpdateStatus transitions the task; errorMessage only applies to failed.
	UpdateStatus(ctx context.Context, taskID string, status Status, errorMessage string) error

	// UpdateProgress records the agent currently executing and the percentage.
	UpdateProgress(ctx context.Context, taskID string, currentAgent string, progress int) error

	GetState(ctx context.Context, taskID string) (*State, error)

	// UpdateState rewrites the state blob and mirrors it into the project dir.
	UpdateState(ctx context.Context, taskID string, state *State) error

	// AppendMemoryEntry starts a new run record in the history log.
	AppendMemoryEntry(ctx context.Context, taskID string, entry MemoryEntry) error

	Memory(ctx context.Context, taskID string) ([]MemoryEntry, error)

	// UpdateLatestMemoryProgress rewrites completed/remaining on the newest
	// history entry in place.
	UpdateLatestMemoryProgress(ctx context.Context, taskID string, completed, remaining []string) error

	// UpdateAgentArtifacts records file pointers for one agent on the newest
	// history entry.
	UpdateAgentArtifacts(ctx context.Context, taskID string, agentName string, filesCreated []string, inProgressFile string) error

	// SetMemoryError stamps the newest history entry with the failure that
	// ended the run.
	SetMemoryError(ctx context.Context, taskID string, memErr MemoryError) error

	// ListActive returns all non-terminal tasks.
	ListActive(ctx context.Context) ([]*Task, error)
}
