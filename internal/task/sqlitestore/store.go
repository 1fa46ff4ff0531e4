package sqlitestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"gorm.io/gorm"

	"forge/internal/shared/logging"
	"forge/internal/task"
)

const (
	// duplicateLookback bounds how far back Create searches for an
	// equivalent still-active task before suppressing the new one.
	duplicateLookback = 60 * time.Second
	recentCacheSize   = 512
)

type taskRow struct {
	ID                 string `gorm:"column:id;primaryKey"`
	Prompt             string `gorm:"column:prompt"`
	Status             string `gorm:"column:status;index"`
	CurrentAgent       string `gorm:"column:current_agent"`
	ProgressPercentage int    `gorm:"column:progress_percentage"`
	ProjectPath        string `gorm:"column:project_path"`
	WorkflowID         string `gorm:"column:workflow_id;index"`
	ErrorMessage       string `gorm:"column:error_message"`
	StateJSON          string `gorm:"column:state_json"`
	MemoryJSON         string `gorm:"column:memory_json"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (taskRow) TableName() string { return "tasks" }

// Store implements task.Store on sqlite.
type Store struct {
	db     *gorm.DB
	logger logging.Logger
	// recent maps workflow+prompt fingerprints to task ids so retried client
	// requests short-circuit without a table scan.
	recent *expirable.LRU[string, string]
}

// New creates a Store over an opened database.
func New(db *gorm.DB) *Store {
	return &Store{
		db:     db,
		logger: logging.NewComponentLogger("TaskStore"),
		recent: expirable.NewLRU[string, string](recentCacheSize, nil, duplicateLookback),
	}
}

func fingerprint(workflowID, prompt string) string {
	return workflowID + "\x00" + strings.Join(strings.Fields(prompt), " ")
}

func (s *Store) Create(ctx context.Context, params task.CreateParams) (task.CreateResult, error) {
	if strings.TrimSpace(params.Prompt) == "" {
		return task.CreateResult{}, fmt.Errorf("prompt is required")
	}

	fp := fingerprint(params.WorkflowID, params.Prompt)
	if existingID, ok := s.recent.Get(fp); ok {
		if existing, err := s.Get(ctx, existingID); err == nil && existing.Status.IsActive() {
			return task.CreateResult{TaskID: existingID, Duplicate: true}, nil
		}
	}

	// Cache misses still check the table: another process may have created
	// the duplicate, and the cache is empty after restart.
	var dup taskRow
	err := s.db.WithContext(ctx).
		Where("workflow_id = ? AND prompt = ? AND created_at > ?",
			params.WorkflowID, params.Prompt, time.Now().Add(-duplicateLookback)).
		Where("status IN ?", activeStatuses()).
		Order("created_at DESC").
		First(&dup).Error
	if err == nil {
		s.recent.Add(fp, dup.ID)
		return task.CreateResult{TaskID: dup.ID, Duplicate: true}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return task.CreateResult{}, fmt.Errorf("duplicate lookup: %w", err)
	}

	id := uuid.NewString()
	projectPath, err := s.resolveProjectPath(ctx, params, id)
	if err != nil {
		return task.CreateResult{}, err
	}

	state := &task.State{
		CompletedTasks: []string{},
		Context: map[string]any{
			task.ContextKeyProjectPath: projectPath,
		},
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return task.CreateResult{}, fmt.Errorf("marshal state: %w", err)
	}
	memory := []task.MemoryEntry{{
		Timestamp:  time.Now().UTC(),
		Prompt:     params.Prompt,
		WorkflowID: params.WorkflowID,
	}}
	memoryJSON, err := json.Marshal(memory)
	if err != nil {
		return task.CreateResult{}, fmt.Errorf("marshal memory: %w", err)
	}

	now := time.Now().UTC()
	row := taskRow{
		ID:          id,
		Prompt:      params.Prompt,
		Status:      string(task.StatusReceived),
		ProjectPath: projectPath,
		WorkflowID:  params.WorkflowID,
		StateJSON:   string(stateJSON),
		MemoryJSON:  string(memoryJSON),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return task.CreateResult{}, fmt.Errorf("create task: %w", err)
	}
	s.recent.Add(fp, id)
	if err := task.WriteStateFile(projectPath, state); err != nil {
		s.logger.Warn("state mirror for %s: %v", id, err)
	}
	return task.CreateResult{TaskID: id}, nil
}

// resolveProjectPath reuses the project directory of a prior task with the
// same workflow id so sequential phases of one build share files; otherwise
// it mints a fresh directory keyed by the task id.
func (s *Store) resolveProjectPath(ctx context.Context, params task.CreateParams, id string) (string, error) {
	if params.WorkflowID != "" {
		var prior taskRow
		err := s.db.WithContext(ctx).
			Where("workflow_id = ? AND project_path <> ''", params.WorkflowID).
			Order("created_at DESC").
			First(&prior).Error
		if err == nil {
			return prior.ProjectPath, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("project path lookup: %w", err)
		}
	}
	root := params.ProjectRoot
	if root == "" {
		root = os.TempDir()
	}
	path := filepath.Join(root, "project-"+id[:8])
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}
	return path, nil
}

func activeStatuses() []string {
	return []string{
		string(task.StatusReceived),
		string(task.StatusInProgress),
		string(task.StatusPaused),
	}
}

func (s *Store) Get(ctx context.Context, taskID string) (*task.Task, error) {
	var row taskRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("task %s not found", taskID)
		}
		return nil, err
	}
	return rowToTask(&row), nil
}

func rowToTask(row *taskRow) *task.Task {
	return &task.Task{
		ID:                 row.ID,
		Prompt:             row.Prompt,
		Status:             task.Status(row.Status),
		CurrentAgent:       row.CurrentAgent,
		ProgressPercentage: row.ProgressPercentage,
		ProjectPath:        row.ProjectPath,
		WorkflowID:         row.WorkflowID,
		ErrorMessage:       row.ErrorMessage,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
}

func (s *Store) UpdateStatus(ctx context.Context, taskID string, status task.Status, errorMessage string) error {
	updates := map[string]any{
		"status":     string(status),
		"updated_at": time.Now().UTC(),
	}
	if status == task.StatusFailed {
		updates["error_message"] = errorMessage
	} else {
		updates["error_message"] = ""
	}
	return s.updateRow(ctx, taskID, updates)
}

func (s *Store) UpdateProgress(ctx context.Context, taskID string, currentAgent string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return s.updateRow(ctx, taskID, map[string]any{
		"current_agent":       currentAgent,
		"progress_percentage": progress,
		"updated_at":          time.Now().UTC(),
	})
}

func (s *Store) updateRow(ctx context.Context, taskID string, updates map[string]any) error {
	result := s.db.WithContext(ctx).Model(&taskRow{}).Where("id = ?", taskID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("task %s not found", taskID)
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, taskID string) (*task.State, error) {
	var row taskRow
	if err := s.db.WithContext(ctx).Select("state_json", "project_path").
		First(&row, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("task %s not found", taskID)
		}
		return nil, err
	}
	var state task.State
	if row.StateJSON != "" {
		if err := json.Unmarshal([]byte(row.StateJSON), &state); err != nil {
			// The database copy is corrupt; fall back to the project mirror.
			s.logger.Warn("state blob for %s unreadable, trying mirror: %v", taskID, err)
			if mirror, mErr := task.ReadStateFile(row.ProjectPath); mErr == nil && mirror != nil {
				return mirror, nil
			}
			return nil, fmt.Errorf("parse state for %s: %w", taskID, err)
		}
	}
	return &state, nil
}

func (s *Store) UpdateState(ctx context.Context, taskID string, state *task.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.updateRow(ctx, taskID, map[string]any{
		"state_json": string(data),
		"updated_at": time.Now().UTC(),
	}); err != nil {
		return err
	}
	// Mirror into the project directory for crash recovery independent of
	// the database.
	if projectPath := state.ContextString(task.ContextKeyProjectPath); projectPath != "" {
		if err := task.WriteStateFile(projectPath, state); err != nil {
			s.logger.Warn("state mirror for %s: %v", taskID, err)
		}
	}
	return nil
}

func (s *Store) Memory(ctx context.Context, taskID string) ([]task.MemoryEntry, error) {
	var row taskRow
	if err := s.db.WithContext(ctx).Select("memory_json").
		First(&row, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("task %s not found", taskID)
		}
		return nil, err
	}
	if row.MemoryJSON == "" {
		return nil, nil
	}
	var entries []task.MemoryEntry
	if err := json.Unmarshal([]byte(row.MemoryJSON), &entries); err != nil {
		return nil, fmt.Errorf("parse memory for %s: %w", taskID, err)
	}
	return entries, nil
}

func (s *Store) AppendMemoryEntry(ctx context.Context, taskID string, entry task.MemoryEntry) error {
	return s.mutateMemory(ctx, taskID, func(entries []task.MemoryEntry) []task.MemoryEntry {
		return append(entries, entry)
	})
}

func (s *Store) UpdateLatestMemoryProgress(ctx context.Context, taskID string, completed, remaining []string) error {
	return s.mutateMemory(ctx, taskID, func(entries []task.MemoryEntry) []task.MemoryEntry {
		if len(entries) == 0 {
			return entries
		}
		latest := &entries[len(entries)-1]
		latest.AgentsProgress.Completed = append([]string{}, completed...)
		latest.AgentsProgress.Remaining = append([]string{}, remaining...)
		return entries
	})
}

func (s *Store) UpdateAgentArtifacts(ctx context.Context, taskID string, agentName string, filesCreated []string, inProgressFile string) error {
	return s.mutateMemory(ctx, taskID, func(entries []task.MemoryEntry) []task.MemoryEntry {
		if len(entries) == 0 {
			return entries
		}
		latest := &entries[len(entries)-1]
		if latest.AgentsDetails == nil {
			latest.AgentsDetails = make(map[string]task.AgentDetail)
		}
		detail := latest.AgentsDetails[agentName]
		if len(filesCreated) > 0 {
			detail.FilesCreated = append(detail.FilesCreated, filesCreated...)
		}
		detail.InProgressFile = inProgressFile
		detail.LastUpdated = time.Now().UTC()
		latest.AgentsDetails[agentName] = detail
		return entries
	})
}

func (s *Store) SetMemoryError(ctx context.Context, taskID string, memErr task.MemoryError) error {
	return s.mutateMemory(ctx, taskID, func(entries []task.MemoryEntry) []task.MemoryEntry {
		if len(entries) == 0 {
			return entries
		}
		entries[len(entries)-1].Error = &memErr
		return entries
	})
}

func (s *Store) mutateMemory(ctx context.Context, taskID string, mutate func([]task.MemoryEntry) []task.MemoryEntry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row taskRow
		if err := tx.Select("id", "memory_json").First(&row, "id = ?", taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("task %s not found", taskID)
			}
			return err
		}
		var entries []task.MemoryEntry
		if row.MemoryJSON != "" {
			if err := json.Unmarshal([]byte(row.MemoryJSON), &entries); err != nil {
				return fmt.Errorf("parse memory for %s: %w", taskID, err)
			}
		}
		entries = mutate(entries)
		data, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("marshal memory: %w", err)
		}
		return tx.Model(&taskRow{}).Where("id = ?", taskID).Updates(map[string]any{
			"memory_json": string(data),
			"updated_at":  time.Now().UTC(),
		}).Error
	})
}

func (s *Store) ListActive(ctx context.Context) ([]*task.Task, error) {
	var rows []taskRow
	if err := s.db.WithContext(ctx).
		Where("status IN ?", activeStatuses()).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*task.Task, 0, len(rows))
	for i := range rows {
		out = append(out, rowToTask(&rows[i]))
	}
	return out, nil
}

var _ task.Store = (*Store)(nil)
