// Package orchestrator drives a task's agent sequence through backend
// adapters, one dedicated worker per task, persisting progress and memory
// after every step so any interruption leaves a resumable checkpoint.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"forge/internal/agentexec"
	"forge/internal/backend"
	sharederrors "forge/internal/shared/errors"
	"forge/internal/shared/logging"
	"forge/internal/task"
	"forge/internal/workflow"
)

// WorkflowResolver supplies the workflow definition for a task. Delivered by
// the configuration layer (YAML files or config records).
type WorkflowResolver interface {
	ResolveWorkflow(ctx context.Context, workflowID string) (*workflow.Definition, error)
}

// Config tunes orchestration behavior.
type Config struct {
	DefaultBackend          string
	MaxContinuationAttempts int
	NoProgressBackoff       time.Duration
}

// Deps are the injected collaborators. No singletons; everything the
// orchestrator touches arrives here.
type Deps struct {
	Store     task.Store
	Agents    *workflow.Registry
	Workflows WorkflowResolver
	Adapters  map[string]backend.Adapter
	Running   *RunningTaskRegistry
	Events    *EventHub
	Metrics   *Metrics
	Logger    logging.Logger
	// ExecutorFactory builds the task-execution port for one adapter. Left
	// nil, the backend-backed default is used.
	ExecutorFactory func(backend.Adapter) agentexec.Executor
}

// errRunCancelled marks a worker exit caused by a cancellation request; the
// cancelled status is already persisted when it is returned.
var errRunCancelled = errors.New("run cancelled")

// Orchestrator executes and resumes tasks.
type Orchestrator struct {
	store     task.Store
	agents    *workflow.Registry
	workflows WorkflowResolver
	adapters  map[string]backend.Adapter
	running   *RunningTaskRegistry
	events    *EventHub
	metrics   *Metrics
	logger    logging.Logger
	factory   func(backend.Adapter) agentexec.Executor
	composer  *Composer
	cfg       Config

	mu     sync.Mutex
	active map[string]agentexec.Executor
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if deps.Agents == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if deps.Workflows == nil {
		return nil, fmt.Errorf("workflow resolver is required")
	}
	if len(deps.Adapters) == 0 {
		return nil, fmt.Errorf("at least one backend adapter is required")
	}
	if cfg.DefaultBackend == "" {
		return nil, fmt.Errorf("default backend is required")
	}
	if _, ok := deps.Adapters[cfg.DefaultBackend]; !ok {
		return nil, fmt.Errorf("default backend %q has no adapter", cfg.DefaultBackend)
	}
	running := deps.Running
	if running == nil {
		running = NewRunningTaskRegistry()
	}
	events := deps.Events
	if events == nil {
		events = NewEventHub(0)
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = defaultMetrics()
	}
	factory := deps.ExecutorFactory
	if factory == nil {
		factory = func(a backend.Adapter) agentexec.Executor {
			return agentexec.NewBackendExecutor(a)
		}
	}
	return &Orchestrator{
		store:     deps.Store,
		agents:    deps.Agents,
		workflows: deps.Workflows,
		adapters:  deps.Adapters,
		running:   running,
		events:    events,
		metrics:   metrics,
		logger:    logging.OrNop(deps.Logger),
		factory:   factory,
		composer:  &Composer{},
		cfg:       cfg,
	}, nil
}

// Events exposes the event hub for the request layer.
func (o *Orchestrator) Events() *EventHub { return o.events }

// Registry exposes the running-task registry.
func (o *Orchestrator) Registry() *RunningTaskRegistry { return o.running }

// Start executes the task's workflow from the beginning on a new worker
// goroutine. Returns already_running when the id is registered.
func (o *Orchestrator) Start(taskID string) error {
	return o.launch(taskID, false)
}

// Resume re-executes the task from its first not-yet-completed agent on a
// new worker goroutine.
func (o *Orchestrator) Resume(taskID string) error {
	return o.launch(taskID, true)
}

// Run executes a task synchronously on the calling goroutine. The CLI uses
// this; the HTTP layer uses Start/Resume.
func (o *Orchestrator) Run(ctx context.Context, taskID string) error {
	if !o.running.Acquire(taskID) {
		return sharederrors.Newf(sharederrors.CodeAlreadyRunning, "task %s already has a worker", taskID)
	}
	return o.execute(ctx, taskID, false)
}

// RunResume is the synchronous form of Resume.
func (o *Orchestrator) RunResume(ctx context.Context, taskID string) error {
	if !o.running.Acquire(taskID) {
		return sharederrors.Newf(sharederrors.CodeAlreadyRunning, "task %s already has a worker", taskID)
	}
	return o.execute(ctx, taskID, true)
}

func (o *Orchestrator) launch(taskID string, resume bool) error {
	if !o.running.Acquire(taskID) {
		return sharederrors.Newf(sharederrors.CodeAlreadyRunning, "task %s already has a worker", taskID)
	}
	go func() {
		if err := o.execute(context.Background(), taskID, resume); err != nil {
			o.logger.Error("task=%s worker finished with error: %v", taskID, err)
		}
	}()
	return nil
}

// Cancel sets the cooperative cancellation flag and kills any subprocess
// currently active for the task, so latency is bounded by kill time rather
// than the next step-boundary check.
func (o *Orchestrator) Cancel(taskID string) error {
	if !o.running.RequestCancel(taskID) {
		return fmt.Errorf("task %s is not running", taskID)
	}
	o.cancelActiveExecutor(taskID)
	o.events.Publish(taskID, EventWarn, "", "cancellation requested")
	return nil
}

// ForceCancel additionally deregisters the task and marks it cancelled even
// if the worker has not observed the flag yet. Operator-triggered hard stop.
func (o *Orchestrator) ForceCancel(ctx context.Context, taskID string) error {
	o.running.RequestCancel(taskID)
	o.cancelActiveExecutor(taskID)
	o.running.Release(taskID)
	o.events.Publish(taskID, EventWarn, "", "force-cancelled")
	return o.store.UpdateStatus(ctx, taskID, task.StatusCancelled, "")
}

// ProgressReport is the request-layer view of a task's position.
type ProgressReport struct {
	Status             task.Status `json:"status"`
	CurrentAgent       string      `json:"current_agent,omitempty"`
	ProgressPercentage int         `json:"progress_percentage"`
	CompletedAgents    []string    `json:"completed_agents"`
	WorkflowSequence   []string    `json:"workflow_sequence"`
	ErrorMessage       string      `json:"error_message,omitempty"`
}

// Progress reports the task's status, position and resolved sequence.
func (o *Orchestrator) Progress(ctx context.Context, taskID string) (*ProgressReport, error) {
	t, err := o.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	state, err := o.store.GetState(ctx, taskID)
	if err != nil {
		return nil, err
	}
	report := &ProgressReport{
		Status:             t.Status,
		CurrentAgent:       t.CurrentAgent,
		ProgressPercentage: t.ProgressPercentage,
		ErrorMessage:       t.ErrorMessage,
	}
	if state != nil {
		report.CompletedAgents = state.CompletedTasks
		report.WorkflowSequence = state.ContextStrings(task.ContextKeyAgentSequence)
	}
	return report, nil
}

// execute is the worker body. The caller must already hold registry
// membership; execute releases it on every exit path.
func (o *Orchestrator) execute(ctx context.Context, taskID string, resume bool) error {
	defer o.running.Release(taskID)
	o.metrics.IncActiveTasks()
	defer o.metrics.DecActiveTasks()

	t, err := o.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	def, err := o.workflows.ResolveWorkflow(ctx, t.WorkflowID)
	if err != nil {
		return o.failTask(ctx, taskID, "", sharederrors.Wrap(sharederrors.CodeUnknown, err, "workflow unresolved"))
	}
	if err := def.Validate(o.agents); err != nil {
		return o.failTask(ctx, taskID, "", sharederrors.Wrap(sharederrors.CodeUnknown, err, "workflow invalid"))
	}

	state, err := o.store.GetState(ctx, taskID)
	if err != nil {
		return o.failTask(ctx, taskID, "", sharederrors.Wrap(sharederrors.CodeUnknown, err, "read task state"))
	}
	if state == nil {
		state = &task.State{}
	}
	sequence := def.AgentSequence()
	state.SetContext(task.ContextKeyAgentSequence, sequence)

	startIndex := 0
	if resume {
		startIndex = o.resumeIndex(ctx, taskID, t, state, def)
		if entryErr := o.store.AppendMemoryEntry(ctx, taskID, task.MemoryEntry{
			Timestamp:      time.Now(),
			Prompt:         t.Prompt,
			WorkflowID:     t.WorkflowID,
			AgentsProgress: task.AgentsProgress{Completed: prefix(sequence, startIndex), Remaining: sequence[startIndex:]},
		}); entryErr != nil {
			return o.failTask(ctx, taskID, "", sharederrors.Wrap(sharederrors.CodeUnknown, entryErr, "append resume memory entry"))
		}
	}

	if err := o.store.UpdateStatus(ctx, taskID, task.StatusInProgress, ""); err != nil {
		return err
	}
	o.events.Publish(taskID, EventInfo, "", fmt.Sprintf("run started at agent %d/%d", startIndex+1, len(sequence)))

	var recent []AgentOutput
	for _, phase := range def.Phases() {
		phaseEnd := phase.Offset + len(phase.Steps)
		if phaseEnd <= startIndex {
			continue
		}
		first := phase.Offset
		if first < startIndex {
			first = startIndex
		}
		for i := first; i < phaseEnd; i++ {
			if stepErr := o.runStep(ctx, taskID, t, def, state, sequence, i, &recent); stepErr != nil {
				if stepErr == errRunCancelled {
					return nil
				}
				return stepErr
			}
		}
	}

	if err := o.store.UpdateProgress(ctx, taskID, "", 100); err != nil {
		return o.failTask(ctx, taskID, "", sharederrors.Wrap(sharederrors.CodeUnknown, err, "persist final progress"))
	}
	o.events.Publish(taskID, EventInfo, "", "run completed")
	return o.store.UpdateStatus(ctx, taskID, task.StatusCompleted, "")
}

// runStep executes one agent. A non-nil return means the phase halted; the
// task status has already been persisted.
func (o *Orchestrator) runStep(ctx context.Context, taskID string, t *task.Task, def *workflow.Definition, state *task.State, sequence []string, index int, recent *[]AgentOutput) error {
	agentName := sequence[index]

	if o.running.CancelRequested(taskID) {
		o.events.Publish(taskID, EventWarn, agentName, "cancelled before step")
		if err := o.store.UpdateStatus(ctx, taskID, task.StatusCancelled, ""); err != nil {
			return err
		}
		return errRunCancelled
	}

	spec, err := def.ResolveStep(index, o.agents)
	if err != nil {
		return o.failTask(ctx, taskID, agentName, sharederrors.Wrap(sharederrors.CodeUnknown, err, "step unresolved"))
	}
	adapter, err := o.adapterFor(spec.Backend)
	if err != nil {
		return o.failTask(ctx, taskID, agentName, err)
	}

	memory, err := o.store.Memory(ctx, taskID)
	if err != nil {
		return o.failTask(ctx, taskID, agentName, sharederrors.Wrap(sharederrors.CodeUnknown, err, "read run memory"))
	}
	prompt := o.composer.Compose(ComposeInput{
		Instruction:   spec.Instruction,
		UserPrompt:    t.Prompt,
		AgentName:     agentName,
		RecentOutputs: *recent,
		Memory:        memory,
	})

	if err := o.store.UpdateProgress(ctx, taskID, agentName, progressPercent(index, len(sequence))); err != nil {
		return o.failTask(ctx, taskID, agentName, sharederrors.Wrap(sharederrors.CodeUnknown, err, "persist step progress"))
	}
	o.events.Publish(taskID, EventInfo, agentName, "agent step started")

	executor := o.factory(adapter)
	o.setActiveExecutor(taskID, executor)
	defer o.clearActiveExecutor(taskID)

	loop := &ContinuationLoop{
		Executor:    executor,
		MaxAttempts: o.cfg.MaxContinuationAttempts,
		Backoff:     o.cfg.NoProgressBackoff,
		Metrics:     o.metrics,
		Logger:      o.logger,
		cancelCheck: func() bool { return o.running.CancelRequested(taskID) },
	}

	started := time.Now()
	result, stepErr := loop.Drive(ctx, agentexec.ExecuteRequest{
		TaskID:     taskID,
		AgentName:  agentName,
		Prompt:     prompt,
		ProjectDir: t.ProjectPath,
		Model:      spec.Model,
	})

	if stepErr != nil {
		code := sharederrors.CodeOf(stepErr)
		o.metrics.ObserveStepDuration(agentName, "failed", time.Since(started))
		o.metrics.IncStepFailure(agentName, string(code))
		if len(result.FilesCreated) > 0 {
			// Keep partial artifact pointers so a resume can pick the file up.
			_ = o.store.UpdateAgentArtifacts(ctx, taskID, agentName, result.FilesCreated, lastOf(result.FilesCreated))
		}
		if o.running.CancelRequested(taskID) {
			o.events.Publish(taskID, EventWarn, agentName, "cancelled during step")
			if err := o.store.UpdateStatus(ctx, taskID, task.StatusCancelled, ""); err != nil {
				return err
			}
			return errRunCancelled
		}
		return o.failTask(ctx, taskID, agentName, stepErr)
	}

	o.metrics.ObserveStepDuration(agentName, "success", time.Since(started))
	o.events.Publish(taskID, EventInfo, agentName,
		fmt.Sprintf("agent step completed, %d files", len(result.FilesCreated)))

	state.CompletedTasks = append(state.CompletedTasks, agentName)
	state.AgentSequenceIndex = index + 1
	state.CurrentAgent = nextAgent(sequence, index)
	state.ProgressPercentage = progressPercent(index+1, len(sequence))
	state.SetContext(task.ContextKeyResumeAgent, state.CurrentAgent)
	// A failed checkpoint still marks the task failed; a successful step must
	// never strand the record in in_progress.
	if err := o.store.UpdateState(ctx, taskID, state); err != nil {
		return o.failTask(ctx, taskID, agentName, sharederrors.Wrap(sharederrors.CodeUnknown, err, "persist state checkpoint"))
	}
	if err := o.store.UpdateLatestMemoryProgress(ctx, taskID, state.CompletedTasks, sequence[index+1:]); err != nil {
		return o.failTask(ctx, taskID, agentName, sharederrors.Wrap(sharederrors.CodeUnknown, err, "persist memory progress"))
	}
	if err := o.store.UpdateAgentArtifacts(ctx, taskID, agentName, result.FilesCreated, ""); err != nil {
		return o.failTask(ctx, taskID, agentName, sharederrors.Wrap(sharederrors.CodeUnknown, err, "persist agent artifacts"))
	}
	*recent = append(*recent, AgentOutput{Agent: agentName, Output: resultSummary(result)})
	return nil
}

// resumeIndex decides where a resume starts, in order of preference: the
// explicit resume hint in the state context, the task record's current
// agent, the latest memory entry's remaining list, then a scan of the
// sequence against completed agents.
func (o *Orchestrator) resumeIndex(ctx context.Context, taskID string, t *task.Task, state *task.State, def *workflow.Definition) int {
	if hint := state.ContextString(task.ContextKeyResumeAgent); hint != "" {
		if idx := def.IndexOf(hint); idx >= 0 {
			return idx
		}
	}
	if t.CurrentAgent != "" {
		if idx := def.IndexOf(t.CurrentAgent); idx >= 0 {
			return idx
		}
	}
	if memory, err := o.store.Memory(ctx, taskID); err == nil && len(memory) > 0 {
		remaining := memory[len(memory)-1].AgentsProgress.Remaining
		if len(remaining) > 0 {
			if idx := def.IndexOf(remaining[0]); idx >= 0 {
				return idx
			}
		}
	}
	completed := make(map[string]bool, len(state.CompletedTasks))
	for _, name := range state.CompletedTasks {
		completed[name] = true
	}
	for i, name := range def.AgentSequence() {
		if !completed[name] {
			return i
		}
	}
	return len(def.Steps)
}

func (o *Orchestrator) adapterFor(name string) (backend.Adapter, error) {
	if name == "" {
		name = o.cfg.DefaultBackend
	}
	adapter, ok := o.adapters[name]
	if !ok {
		return nil, sharederrors.Newf(sharederrors.CodeUnknown, "no adapter for backend %q", name)
	}
	return adapter, nil
}

// failTask persists the failure to memory and the task record, then returns
// the original error. The phase halts; no further agents run.
func (o *Orchestrator) failTask(ctx context.Context, taskID, agentName string, stepErr error) error {
	code := sharederrors.CodeOf(stepErr)
	o.events.Publish(taskID, EventError, agentName, stepErr.Error())
	_ = o.store.SetMemoryError(ctx, taskID, task.MemoryError{
		Agent:   agentName,
		Code:    string(code),
		Message: stepErr.Error(),
	})
	if err := o.store.UpdateStatus(ctx, taskID, task.StatusFailed, stepErr.Error()); err != nil {
		o.logger.Error("task=%s: persisting failed status: %v", taskID, err)
	}
	return stepErr
}

func (o *Orchestrator) setActiveExecutor(taskID string, e agentexec.Executor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		o.active = make(map[string]agentexec.Executor)
	}
	o.active[taskID] = e
}

func (o *Orchestrator) clearActiveExecutor(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, taskID)
}

func (o *Orchestrator) cancelActiveExecutor(taskID string) {
	o.mu.Lock()
	executor := o.active[taskID]
	o.mu.Unlock()
	if executor != nil {
		executor.CancelActive()
	}
}

func progressPercent(done, total int) int {
	if total <= 0 {
		return 0
	}
	pct := done * 100 / total
	if pct > 100 {
		pct = 100
	}
	return pct
}

func nextAgent(sequence []string, index int) string {
	if index+1 < len(sequence) {
		return sequence[index+1]
	}
	return ""
}

func prefix(sequence []string, n int) []string {
	if n > len(sequence) {
		n = len(sequence)
	}
	return append([]string(nil), sequence[:n]...)
}

func lastOf(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[len(items)-1]
}

func resultSummary(res agentexec.Result) string {
	if len(res.FilesCreated) == 0 {
		return fmt.Sprintf("status=%s", res.Status)
	}
	return fmt.Sprintf("status=%s files=%v", res.Status, res.FilesCreated)
}
