// Package backend defines the uniform adapter contract the orchestrator
// drives, plus the credential-resolution and quota-rotation plumbing shared
// by all adapter implementations.
package backend

import (
	"context"
	"os"
	"strings"

	"forge/internal/credentials"
	forgeerrors "forge/internal/shared/errors"
)

// Request carries one generation call to an adapter.
type Request struct {
	Prompt      string
	AgentName   string
	WorkingDir  string
	Model       string
	Temperature *float64
}

// Adapter is the uniform backend contract. Send is conversational (no file
// side effects); Generate is one-shot inside a working directory, and
// adapters that drive file-mutating CLIs may write files as a side effect.
type Adapter interface {
	Name() string
	Send(ctx context.Context, req Request) (string, error)
	Generate(ctx context.Context, req Request) (string, error)
	// CancelActive kills any in-flight invocation, idempotently.
	CancelActive()
}

// ResolveCredential prefers the shared rotation pool; the environment-level
// default applies only when the pool has nothing usable.
func ResolveCredential(mgr *credentials.Manager, envVar string) string {
	if mgr != nil {
		if key := mgr.GetCurrent(); key != "" {
			return key
		}
	}
	if envVar == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envVar))
}

// RotateOnQuota post-processes an adapter error. Quota classifications are
// reported to the rotation manager: a successful rotation comes back as a
// quota_exhausted_rotated error, which intentionally fails the current run so
// progress is durably checkpointed before the next credential is used. Pool
// exhaustion comes back as no_keys_available. Everything else passes through.
func RotateOnQuota(mgr *credentials.Manager, key string, err error) error {
	if err == nil || mgr == nil {
		return err
	}
	if forgeerrors.CodeOf(err) != forgeerrors.CodeQuotaExceeded {
		return err
	}
	rotated, handleErr := mgr.HandleError(err.Error(), key)
	if rotated {
		return forgeerrors.Wrap(forgeerrors.CodeQuotaRotated, err,
			"credential rotated; stopping run so resume picks up the new key")
	}
	if handleErr != nil {
		return handleErr
	}
	return err
}
