// Package codexcli drives the codex CLI binary. Unlike the claude CLI it
// takes no credential flags; configuration travels through a TOML settings
// file rewritten before each invocation.
package codexcli

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

// Config configures the codex CLI adapter.
type Config struct {
	BinaryPath     string
	SettingsDir    string
	Provider       string
	BaseURL        string
	DefaultModel   string
	APIKeyEnvVar   string
	IdleTimeout    time.Duration
	OverallTimeout time.Duration
	BaseTimeout    time.Duration
	RetryTimeout   time.Duration
	MaxRetries     int
}

type invoker interface {
	Invoke(ctx context.Context, req subprocess.Request) (*subprocess.Result, error)
	CancelActive()
}

// Executor implements backend.Adapter for the codex CLI.
type Executor struct {
	cfg    Config
	creds  *credentials.Manager
	exec   invoker
	logger logging.Logger
}

func New(cfg Config, creds *credentials.Manager) *Executor {
	if strings.TrimSpace(cfg.BinaryPath) == "" {
		cfg.BinaryPath = "codex"
	}
	if strings.TrimSpace(cfg.APIKeyEnvVar) == "" {
		cfg.APIKeyEnvVar = "OPENAI_API_KEY"
	}
	if strings.TrimSpace(cfg.Provider) == "" {
		cfg.Provider = "openai"
	}
	return &Executor{
		cfg:    cfg,
		creds:  creds,
		exec:   subprocess.NewExecutor(),
		logger: logging.NewLLMLogger("CodexCLI"),
	}
}

func (e *Executor) Name() string { return "codex" }

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

	model := req.Model
	if model == "" {
		model = e.cfg.DefaultModel
	}
	settingsPath, err := writeSettings(e.cfg.SettingsDir, Settings{
		Provider: e.cfg.Provider,
		BaseURL:  e.cfg.BaseURL,
		APIKey:   key,
		Model:    model,
	})
	if err != nil {
		return "", err
	}

	args := []string{"exec", "--config", settingsPath}

	e.logger.Info("agent=%s model=%s dir=%s prompt_len=%d",
		req.AgentName, model, req.WorkingDir, len(req.Prompt))

	res, err := e.exec.Invoke(ctx, subprocess.Request{
		Command:        e.cfg.BinaryPath,
		Args:           args,
		Input:          req.Prompt,
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
