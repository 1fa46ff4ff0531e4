// Package app assembles the engine's services from configuration. Every
// collaborator is constructed here once and passed by reference; there are
// no package-level singletons.
package app

import (
	"fmt"
	"os"
	"path/filepath"

	"forge/internal/backend"
	"forge/internal/backend/claudecli"
	"forge/internal/backend/codexcli"
	"forge/internal/backend/openaisdk"
	"forge/internal/config"
	"forge/internal/credentials"
	"forge/internal/orchestrator"
	"forge/internal/shared/logging"
	"forge/internal/task"
	"forge/internal/task/sqlitestore"
	"forge/internal/workflow"
)

// App holds the wired services.
type App struct {
	Config       *config.Config
	Store        task.Store
	Credentials  *credentials.Manager
	Orchestrator *orchestrator.Orchestrator
	Logger       logging.Logger
}

// New wires the full service graph from the given config.
func New(cfg *config.Config) (*App, error) {
	logger := logging.NewComponentLogger("App")

	for _, dir := range []string{
		filepath.Dir(cfg.DatabasePath),
		cfg.ProjectRoot,
		filepath.Dir(cfg.CredentialPath),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}

	creds, err := credentials.NewManager(cfg.CredentialPath, cfg.CredentialKeys)
	if err != nil {
		return nil, fmt.Errorf("credential pool: %w", err)
	}

	db, err := sqlitestore.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	store := sqlitestore.New(db)

	agents, err := workflow.LoadAgents(cfg.AgentsPath)
	if err != nil {
		return nil, fmt.Errorf("agent catalog: %w", err)
	}

	adapters := map[string]backend.Adapter{
		"claude": claudecli.New(claudecli.Config{
			BinaryPath:      cfg.ClaudeBinary,
			DefaultModel:    cfg.ClaudeModel,
			SkipPermissions: true,
			IdleTimeout:     cfg.IdleTimeout,
			OverallTimeout:  cfg.OverallTimeout,
			MaxRetries:      cfg.MaxRetries,
		}, creds),
		"codex": codexcli.New(codexcli.Config{
			BinaryPath:     cfg.CodexBinary,
			SettingsDir:    filepath.Dir(cfg.CredentialPath),
			BaseURL:        cfg.CodexBaseURL,
			IdleTimeout:    cfg.IdleTimeout,
			OverallTimeout: cfg.OverallTimeout,
			MaxRetries:     cfg.MaxRetries,
		}, creds),
		"openai": openaisdk.New(openaisdk.Config{
			BaseURL:      cfg.OpenAIBaseURL,
			DefaultModel: cfg.OpenAIModel,
			MaxRetries:   cfg.MaxRetries,
		}, creds),
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:     store,
		Agents:    agents,
		Workflows: workflow.NewDirResolver(cfg.WorkflowDir),
		Adapters:  adapters,
		Logger:    logger,
	}, orchestrator.Config{
		DefaultBackend:          cfg.DefaultBackend,
		MaxContinuationAttempts: cfg.MaxContinuationAttempts,
		NoProgressBackoff:       cfg.NoProgressBackoff,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		Config:       cfg,
		Store:        store,
		Credentials:  creds,
		Orchestrator: orch,
		Logger:       logger,
	}, nil
}
