package subprocess

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	forgeerrors "forge/internal/shared/errors"
	"forge/internal/shared/logging"
)

// ErrCancelled is returned when CancelActive killed the running process.
// It is never retried.
var ErrCancelled = errors.New("invocation cancelled")

// errAttemptBudget marks an attempt that spent its per-attempt budget while
// the overall clock still has time left. Invoke retries these.
var errAttemptBudget = errors.New("attempt budget exhausted")

// Mode selects how the prompt reaches the backend CLI.
type Mode string

const (
	// ModeStdin pipes the prompt through stdin. Preferred: no argv length
	// limits and no shell quoting hazards.
	ModeStdin Mode = "stdin"
	// ModeArgument passes the prompt as the last command argument. Fallback
	// for CLI versions that mishandle piped input.
	ModeArgument Mode = "argument"
)

const (
	defaultIdleTimeout    = 2 * time.Minute
	defaultOverallTimeout = 30 * time.Minute
	defaultBaseTimeout    = 5 * time.Minute
	defaultRetryTimeout   = 10 * time.Minute
	watchdogInterval      = 500 * time.Millisecond
	rateLimitBackoff      = 5 * time.Second
	retryBackoff          = 2 * time.Second
)

// Request describes one backend CLI invocation with its time budgets.
type Request struct {
	Command    string
	Args       []string
	Input      string
	Env        map[string]string
	WorkingDir string

	// IdleTimeout kills the process when no output arrives for this long.
	IdleTimeout time.Duration
	// OverallTimeout caps cumulative wall-clock time across all attempts.
	OverallTimeout time.Duration
	// BaseTimeout bounds attempt 0; RetryTimeout bounds later attempts.
	// Both are always capped by the time remaining in OverallTimeout.
	BaseTimeout  time.Duration
	RetryTimeout time.Duration
	MaxRetries   int
}

// Result holds the accumulated output of one invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Mode     Mode
}

// Output returns the preferred text: stdout, or stderr when the process
// exited cleanly with nothing on stdout.
func (r *Result) Output() string {
	if strings.TrimSpace(r.Stdout) != "" {
		return r.Stdout
	}
	if r.ExitCode == 0 {
		return r.Stderr
	}
	return ""
}

type runner interface {
	Start(ctx context.Context) error
	WriteStdin(data []byte) error
	CloseStdin() error
	Streams() (stdout, stderr string)
	LastOutputAt() time.Time
	Wait() error
	Stop() error
	ExitCode() int
}

// Executor runs backend CLI invocations one at a time for its owner,
// tracking the active process so cancellation can kill it immediately.
type Executor struct {
	logger  logging.Logger
	factory func(Config) runner

	mu        sync.Mutex
	active    runner
	wake      chan struct{}
	cancelled atomic.Bool
}

// NewExecutor creates an Executor backed by real subprocesses.
func NewExecutor() *Executor {
	return &Executor{
		logger:  logging.NewComponentLogger("SubprocessExecutor"),
		factory: func(cfg Config) runner { return New(cfg) },
	}
}

// CancelActive cancels the in-flight Invoke: it kills whatever process is
// currently running and wakes the retry loop so no further attempts launch,
// even when the cancel lands between attempts. Idempotent.
func (e *Executor) CancelActive() {
	e.mu.Lock()
	e.cancelled.Store(true)
	if e.wake != nil {
		close(e.wake)
		e.wake = nil
	}
	active := e.active
	e.mu.Unlock()
	if active != nil {
		_ = active.Stop()
	}
}

func (e *Executor) setActive(proc runner) {
	e.mu.Lock()
	e.active = proc
	e.mu.Unlock()
}

func (e *Executor) clearActive(proc runner) {
	e.mu.Lock()
	if e.active == proc {
		e.active = nil
	}
	e.mu.Unlock()
}

// Invoke runs the request with retries. Unauthorized and quota errors
// surface immediately; idle and overall timeouts surface immediately; rate
// limits back off in place; an expired per-attempt budget rolls into the
// next attempt under RetryTimeout while the overall clock lasts; stream and
// generic failures retry up to MaxRetries; and a non-zero exit without a
// fatal classification earns one fallback attempt in argument mode before
// counting as a failure.
func (e *Executor) Invoke(ctx context.Context, req Request) (*Result, error) {
	req = withDefaults(req)
	deadline := time.Now().Add(req.OverallTimeout)

	e.mu.Lock()
	e.cancelled.Store(false)
	wake := make(chan struct{})
	e.wake = wake
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		if e.wake == wake {
			e.wake = nil
		}
		e.mu.Unlock()
	}()

	var (
		lastRes       *Result
		lastErr       error
		triedArgument bool
	)

	for attempt := 0; attempt <= req.MaxRetries; attempt++ {
		if e.cancelled.Load() {
			return lastRes, ErrCancelled
		}
		budget := req.BaseTimeout
		if attempt > 0 {
			budget = req.RetryTimeout
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr != nil {
				break
			}
			return nil, forgeerrors.Newf(forgeerrors.CodeOverallTimeout,
				"%s: overall budget %s exhausted", req.Command, req.OverallTimeout)
		}
		if budget > remaining {
			budget = remaining
		}

		res, err := e.runOnce(ctx, req, ModeStdin, budget, deadline)
		if e.cancelled.Load() {
			return res, ErrCancelled
		}
		if err == nil {
			return res, nil
		}
		e.logger.Warn("attempt %d (%s) failed: %v", attempt, ModeStdin, err)

		if errors.Is(err, errAttemptBudget) {
			lastRes, lastErr = res, err
			continue
		}

		switch forgeerrors.CodeOf(err) {
		case forgeerrors.CodeUnauthorized, forgeerrors.CodeQuotaExceeded:
			return res, err
		case forgeerrors.CodeIdleTimeout, forgeerrors.CodeOverallTimeout:
			return res, err
		case forgeerrors.CodeRateLimit:
			lastRes, lastErr = res, err
			if !e.sleepWithin(ctx, rateLimitBackoff, deadline) {
				if e.cancelled.Load() {
					return lastRes, ErrCancelled
				}
				return lastRes, lastErr
			}
			continue
		}

		if !triedArgument && res != nil && res.ExitCode != 0 {
			triedArgument = true
			fallbackBudget := budget
			if rem := time.Until(deadline); rem < fallbackBudget {
				fallbackBudget = rem
			}
			if fallbackBudget > 0 {
				res2, err2 := e.runOnce(ctx, req, ModeArgument, fallbackBudget, deadline)
				if e.cancelled.Load() {
					return res2, ErrCancelled
				}
				if err2 == nil {
					return res2, nil
				}
				e.logger.Warn("fallback attempt (%s) failed: %v", ModeArgument, err2)
				switch forgeerrors.CodeOf(err2) {
				case forgeerrors.CodeUnauthorized, forgeerrors.CodeQuotaExceeded,
					forgeerrors.CodeIdleTimeout, forgeerrors.CodeOverallTimeout:
					return res2, err2
				}
				res, err = res2, err2
			}
		}

		lastRes, lastErr = res, err
		if attempt < req.MaxRetries && !e.sleepWithin(ctx, retryBackoff, deadline) {
			break
		}
	}
	if e.cancelled.Load() {
		return lastRes, ErrCancelled
	}
	if errors.Is(lastErr, errAttemptBudget) {
		lastErr = forgeerrors.Wrap(forgeerrors.CodeOverallTimeout, lastErr,
			req.Command+": every attempt hit its time budget")
	}
	return lastRes, lastErr
}

// timeoutKind records which clock the watchdog fired on.
type timeoutKind int

const (
	timeoutIdle timeoutKind = iota + 1
	timeoutBudget
	timeoutContext
)

func (e *Executor) runOnce(ctx context.Context, req Request, mode Mode, budget time.Duration, deadline time.Time) (*Result, error) {
	args := append([]string{}, req.Args...)
	input := req.Input
	if mode == ModeArgument {
		args = append(args, req.Input)
		input = ""
	}

	proc := e.factory(Config{
		Command:    req.Command,
		Args:       args,
		Env:        req.Env,
		WorkingDir: req.WorkingDir,
	})
	if err := proc.Start(ctx); err != nil {
		return nil, forgeerrors.Wrap(forgeerrors.CodeUnknown, err, "start "+req.Command)
	}
	e.setActive(proc)
	defer e.clearActive(proc)
	defer func() { _ = proc.Stop() }()

	if input != "" {
		if err := proc.WriteStdin([]byte(input)); err != nil {
			_ = proc.Stop()
			return nil, forgeerrors.Wrap(forgeerrors.CodeStreamError, err, "write stdin")
		}
	}
	_ = proc.CloseStdin()

	started := time.Now()

	// Watchdog polls both budgets; whichever fires first kills the process
	// and stamps the reason.
	var timeoutReason atomic.Value
	watchdogDone := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-exited:
				return
			case <-ctx.Done():
				timeoutReason.Store(timeoutContext)
				_ = proc.Stop()
				return
			case <-ticker.C:
				now := time.Now()
				if req.IdleTimeout > 0 && now.Sub(proc.LastOutputAt()) > req.IdleTimeout {
					timeoutReason.Store(timeoutIdle)
					_ = proc.Stop()
					return
				}
				if budget > 0 && now.Sub(started) > budget {
					timeoutReason.Store(timeoutBudget)
					_ = proc.Stop()
					return
				}
			}
		}
	}()

	waitErr := proc.Wait()
	close(exited)
	<-watchdogDone

	stdout, stderr := proc.Streams()
	result := &Result{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: proc.ExitCode(),
		Mode:     mode,
	}

	if kind, ok := timeoutReason.Load().(timeoutKind); ok {
		switch kind {
		case timeoutIdle:
			return result, forgeerrors.Newf(forgeerrors.CodeIdleTimeout,
				"%s: no output for %s", req.Command, req.IdleTimeout)
		case timeoutBudget:
			// Only the per-attempt slice expired; the invocation may retry
			// under RetryTimeout as long as the overall clock holds.
			if time.Until(deadline) > watchdogInterval {
				return result, forgeerrors.Wrap(forgeerrors.CodeUnknown, errAttemptBudget,
					fmt.Sprintf("%s: attempt budget %s spent", req.Command, budget))
			}
			return result, forgeerrors.Newf(forgeerrors.CodeOverallTimeout,
				"%s: overall budget exhausted after %s", req.Command, budget)
		default:
			return result, forgeerrors.Newf(forgeerrors.CodeOverallTimeout,
				"%s: cancelled by context", req.Command)
		}
	}

	if result.ExitCode == 0 {
		if strings.TrimSpace(result.Output()) == "" {
			return result, forgeerrors.Newf(forgeerrors.CodeEmptyResponse,
				"%s exited cleanly with no output", req.Command)
		}
		return result, nil
	}

	detail := strings.TrimSpace(result.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(result.Stdout)
	}
	code := forgeerrors.Classify(detail)
	if code == forgeerrors.CodeOverallTimeout {
		// Phrase matching can misread provider text mentioning timeouts; a
		// live exit code means the process finished, so keep it generic.
		code = forgeerrors.CodeUnknown
	}
	msg := compactTail(detail, 400)
	if msg == "" {
		msg = "no stderr output"
	}
	if waitErr != nil {
		return result, forgeerrors.Wrap(code, waitErr, req.Command+" exited: "+msg)
	}
	return result, forgeerrors.Newf(code, "%s exit=%d: %s", req.Command, result.ExitCode, msg)
}

func withDefaults(req Request) Request {
	if req.IdleTimeout <= 0 {
		req.IdleTimeout = defaultIdleTimeout
	}
	if req.OverallTimeout <= 0 {
		req.OverallTimeout = defaultOverallTimeout
	}
	if req.BaseTimeout <= 0 {
		req.BaseTimeout = defaultBaseTimeout
	}
	if req.RetryTimeout <= 0 {
		req.RetryTimeout = defaultRetryTimeout
	}
	return req
}

// sleepWithin sleeps for d unless the overall deadline cannot afford it, the
// context ends, or CancelActive wakes the loop.
func (e *Executor) sleepWithin(ctx context.Context, d time.Duration, deadline time.Time) bool {
	if remaining := time.Until(deadline); d > remaining {
		return false
	}
	e.mu.Lock()
	wake := e.wake
	e.mu.Unlock()
	if wake == nil {
		return false
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-wake:
		return false
	}
}

func compactTail(tail string, limit int) string {
	trimmed := strings.TrimSpace(tail)
	if trimmed == "" {
		return ""
	}
	compact := strings.Join(strings.Fields(trimmed), " ")
	if limit > 0 && len(compact) > limit {
		return compact[len(compact)-limit:]
	}
	return compact
}
