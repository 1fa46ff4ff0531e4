package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"forge/internal/agentexec"
	sharederrors "forge/internal/shared/errors"
	"forge/internal/shared/logging"
)

const (
	defaultMaxContinuationAttempts = 8
	defaultNoProgressBackoff       = 3 * time.Second
)

// ContinuationLoop re-invokes an agent's task-execution step while the
// result reports unfinished subtasks or validation issues, bounded by a
// maximum attempt count. When a repeat attempt moves nothing, a short
// backoff is inserted before the next one.
type ContinuationLoop struct {
	Executor    agentexec.Executor
	MaxAttempts int
	// Backoff applies between attempts that made no progress.
	Backoff time.Duration
	Metrics *Metrics
	Logger  logging.Logger

	// cancelCheck is consulted between attempts; wired by the orchestrator
	// to the registry's cooperative flag.
	cancelCheck func() bool
}

func (l *ContinuationLoop) maxAttempts() int {
	if l.MaxAttempts <= 0 {
		return defaultMaxContinuationAttempts
	}
	return l.MaxAttempts
}

func (l *ContinuationLoop) backoff() time.Duration {
	if l.Backoff <= 0 {
		return defaultNoProgressBackoff
	}
	return l.Backoff
}

// Drive runs the execution step for one agent until it reports no remaining
// work, the attempt budget runs out, or a fatal error occurs. The final
// result is returned alongside any error; on incomplete_tasks the last
// observed result accompanies the error so callers can persist partial
// artifact pointers.
func (l *ContinuationLoop) Drive(ctx context.Context, req agentexec.ExecuteRequest) (agentexec.Result, error) {
	logger := logging.OrNop(l.Logger)

	var last agentexec.Result
	var lastSub, lastTests, lastIssues int
	havePrev := false

	for attempt := 1; attempt <= l.maxAttempts(); attempt++ {
		if l.cancelCheck != nil && l.cancelCheck() {
			return last, sharederrors.New(sharederrors.CodeUnknown, "cancelled")
		}
		if err := ctx.Err(); err != nil {
			return last, err
		}
		l.Metrics.IncContinuationAttempt(req.AgentName)

		res, err := l.Executor.Execute(ctx, req)
		if err != nil {
			code := sharederrors.CodeOf(err)
			switch code {
			case sharederrors.CodeQuotaRotated, sharederrors.CodeNoKeysAvailable,
				sharederrors.CodeUnauthorized:
				// Rotation already happened one layer down. Halt so the
				// checkpoint is durable; a resume picks up the new key.
				return last, err
			case sharederrors.CodeRateLimit:
				logger.Warn("task=%s agent=%s attempt=%d rate limited, backing off", req.TaskID, req.AgentName, attempt)
				if err := sleepCtx(ctx, l.backoff()); err != nil {
					return last, err
				}
				continue
			default:
				return last, err
			}
		}

		last = res
		if res.Status == agentexec.StatusFailed {
			msg := res.Error
			if strings.TrimSpace(msg) == "" {
				msg = "agent step reported failure"
			}
			return last, sharederrors.New(sharederrors.CodeUnknown, msg)
		}
		if res.Complete() {
			return last, nil
		}

		sub, tests, issues := res.Progress()
		logger.Info("task=%s agent=%s attempt=%d remaining: subtasks=%d tests=%d issues=%d",
			req.TaskID, req.AgentName, attempt, sub, tests, issues)
		if havePrev && sub >= lastSub && tests >= lastTests && issues >= lastIssues {
			if err := sleepCtx(ctx, l.backoff()); err != nil {
				return last, err
			}
		}
		lastSub, lastTests, lastIssues = sub, tests, issues
		havePrev = true
	}

	sub, tests, issues := last.Progress()
	return last, sharederrors.Newf(sharederrors.CodeIncompleteTasks,
		"attempt budget exhausted with work remaining: %d subtasks, %d tests, %d issues",
		sub, tests, issues)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("wait interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
