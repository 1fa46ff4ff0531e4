// Package claudecli drives the locally installed claude CLI binary through
// the subprocess executor, with stdin-primary/argument-fallback invocation.
package claudecli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"forge/internal/backend"
	"forge/internal/credentials"
	"forge/internal/infra/subprocess"
	"forge/internal/shared/logging"
)

// Config configures the claude CLI adapter.
type Config struct {
	BinaryPath      string
	DefaultModel    string
	APIKeyEnvVar    string
	SkipPermissions bool
	IdleTimeout     time.Duration
	OverallTimeout  time.Duration
	BaseTimeout     time.Duration
	RetryTimeout    time.Duration
	MaxRetries      int
	Env             map[string]string
}

type invoker interface {
	Invoke(ctx context.Context, req subprocess.Request) (*subprocess.Result, error)
	CancelActive()
}

// Executor implements backend.Adapter for the claude CLI.
type Executor struct {
	cfg    Config
	creds  *credentials.Manager
	exec   invoker
	logger logging.Logger
}

func New(cfg Config, creds *credentials.Manager) *Executor {
	if strings.TrimSpace(cfg.BinaryPath) == "" {
		cfg.BinaryPath = "claude"
	}
	if strings.TrimSpace(cfg.APIKeyEnvVar) == "" {
		cfg.APIKeyEnvVar = "ANTHROPIC_API_KEY"
	}
	return &Executor{
		cfg:    cfg,
		creds:  creds,
		exec:   subprocess.NewExecutor(),
		logger: logging.NewLLMLogger("ClaudeCLI"),
	}
}

func (e *Executor) Name() string { return "claude" }

func (e *Executor) Send(ctx context.Context, req backend.Request) (string, error) {
	req.WorkingDir = ""
	return e.run(ctx, req)
}

func (e *Executor) Generate(ctx context.Context, req backend.Request) (string, error) {
	return e.run(ctx, req)
}

func (e *Executor) CancelActive() {
	e.exec.CancelActive()
}

func (e *Executor) run(ctx context.Context, req backend.Request) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", fmt.Errorf("prompt is required")
	}
	key := backend.ResolveCredential(e.creds, e.cfg.APIKeyEnvVar)

	args := []string{"-p", "--output-format", "text"}
	model := req.Model
	if model == "" {
		model = e.cfg.DefaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if e.cfg.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}

	env := cloneStringMap(e.cfg.Env)
	if key != "" {
		if env == nil {
			env = make(map[string]string, 1)
		}
		env[e.cfg.APIKeyEnvVar] = key
	}

	e.logger.Info("agent=%s model=%s dir=%s prompt_len=%d",
		req.AgentName, model, req.WorkingDir, len(req.Prompt))

	res, err := e.exec.Invoke(ctx, subprocess.Request{
		Command:        e.cfg.BinaryPath,
		Args:           args,
		Input:          req.Prompt,
		Env:            env,
		WorkingDir:     req.WorkingDir,
		IdleTimeout:    e.cfg.IdleTimeout,
		OverallTimeout: e.cfg.OverallTimeout,
		BaseTimeout:    e.cfg.BaseTimeout,
		RetryTimeout:   e.cfg.RetryTimeout,
		MaxRetries:     e.cfg.MaxRetries,
	})
	if err != nil {
		return "", backend.RotateOnQuota(e.creds, key, err)
	}
	return strings.TrimSpace(res.Output()), nil
}

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
