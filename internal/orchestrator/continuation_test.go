package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"forge/internal/agentexec"
	sharederrors "forge/internal/shared/errors"
)

// queueExecutor returns scripted outcomes in order, then repeats the last.
type queueExecutor struct {
	mu    sync.Mutex
	queue []stepOutcome
	calls int
}

func (e *queueExecutor) Execute(context.Context, agentexec.ExecuteRequest) (agentexec.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if len(e.queue) == 0 {
		return agentexec.Result{Status: agentexec.StatusSuccess}, nil
	}
	out := e.queue[0]
	if len(e.queue) > 1 {
		e.queue = e.queue[1:]
	}
	return out.res, out.err
}

func (e *queueExecutor) CancelActive() {}

func (e *queueExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func newLoop(exec agentexec.Executor, maxAttempts int) *ContinuationLoop {
	return &ContinuationLoop{
		Executor:    exec,
		MaxAttempts: maxAttempts,
		Backoff:     time.Millisecond,
		Metrics:     MustNewMetrics(newTestRegistry()),
	}
}

func driveReq() agentexec.ExecuteRequest {
	return agentexec.ExecuteRequest{TaskID: "t1", AgentName: "developer", Prompt: "build"}
}

func TestLoopStopsWhenWorkReachesZero(t *testing.T) {
	exec := &queueExecutor{queue: []stepOutcome{
		{res: agentexec.Result{Status: agentexec.StatusSuccess, RemainingSubtasks: 2}},
		{res: agentexec.Result{Status: agentexec.StatusSuccess}},
	}}
	res, err := newLoop(exec, 5).Drive(context.Background(), driveReq())
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if res.Status != agentexec.StatusSuccess || !res.Complete() {
		t.Fatalf("result = %+v", res)
	}
	if exec.callCount() != 2 {
		t.Fatalf("calls = %d, want exactly 2", exec.callCount())
	}
}

func TestLoopTerminatesWithinMaxAttempts(t *testing.T) {
	exec := &queueExecutor{queue: []stepOutcome{
		{res: agentexec.Result{Status: agentexec.StatusSuccess, RemainingSubtasks: 3}},
	}}
	_, err := newLoop(exec, 4).Drive(context.Background(), driveReq())
	if sharederrors.CodeOf(err) != sharederrors.CodeIncompleteTasks {
		t.Fatalf("err = %v, want incomplete_tasks", err)
	}
	if exec.callCount() != 4 {
		t.Fatalf("calls = %d, want the full attempt budget", exec.callCount())
	}
}

func TestLoopNeverReportsCompletedWithWorkLeft(t *testing.T) {
	exec := &queueExecutor{queue: []stepOutcome{
		{res: agentexec.Result{Status: agentexec.StatusSuccess, ValidationIssues: []string{"vet"}}},
	}}
	res, err := newLoop(exec, 3).Drive(context.Background(), driveReq())
	if err == nil {
		t.Fatalf("expected incomplete_tasks, got clean result %+v", res)
	}
}

func TestLoopHaltsOnQuotaRotation(t *testing.T) {
	exec := &queueExecutor{queue: []stepOutcome{
		{res: agentexec.Result{Status: agentexec.StatusSuccess, RemainingSubtasks: 1}},
		{err: sharederrors.New(sharederrors.CodeQuotaRotated, "credential rotated")},
		{res: agentexec.Result{Status: agentexec.StatusSuccess}},
	}}
	_, err := newLoop(exec, 5).Drive(context.Background(), driveReq())
	if sharederrors.CodeOf(err) != sharederrors.CodeQuotaRotated {
		t.Fatalf("err = %v, want quota_exhausted_rotated", err)
	}
	if exec.callCount() != 2 {
		t.Fatalf("calls = %d, loop must not continue after rotation", exec.callCount())
	}
}

func TestLoopRetriesRateLimit(t *testing.T) {
	exec := &queueExecutor{queue: []stepOutcome{
		{err: sharederrors.New(sharederrors.CodeRateLimit, "429 too many requests")},
		{res: agentexec.Result{Status: agentexec.StatusSuccess}},
	}}
	res, err := newLoop(exec, 5).Drive(context.Background(), driveReq())
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if res.Status != agentexec.StatusSuccess {
		t.Fatalf("result = %+v", res)
	}
}

func TestLoopFailedStatusIsFatal(t *testing.T) {
	exec := &queueExecutor{queue: []stepOutcome{
		{res: agentexec.Result{Status: agentexec.StatusFailed, Error: "compile error"}},
		{res: agentexec.Result{Status: agentexec.StatusSuccess}},
	}}
	_, err := newLoop(exec, 5).Drive(context.Background(), driveReq())
	if err == nil {
		t.Fatal("expected error from failed step")
	}
	if exec.callCount() != 1 {
		t.Fatalf("calls = %d, failed status must not be retried", exec.callCount())
	}
}

func TestLoopObservesCancelFlag(t *testing.T) {
	exec := &queueExecutor{queue: []stepOutcome{
		{res: agentexec.Result{Status: agentexec.StatusSuccess, RemainingSubtasks: 1}},
	}}
	loop := newLoop(exec, 10)
	var cancelled atomic.Bool
	loop.cancelCheck = cancelled.Load

	done := make(chan error, 1)
	go func() {
		_, err := loop.Drive(context.Background(), driveReq())
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	cancelled.Store(true)
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not observe the cancel flag")
	}
}
