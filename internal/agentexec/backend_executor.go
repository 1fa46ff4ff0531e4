package agentexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"forge/internal/backend"
	sharederrors "forge/internal/shared/errors"
	"forge/internal/shared/logging"
)

// statusBlockInstruction is appended to every agent prompt so the model
// closes its reply with a machine-readable summary.
const statusBlockInstruction = `

When finished, end your reply with a JSON object on its own lines:
{"status":"success|failed|skipped","files_created":[...],"remaining_subtasks":0,"remaining_tests":0,"validation_issues":[],"error":""}`

// BackendExecutor implements Executor on top of a backend adapter. The
// adapter writes files as a side effect of running in the project dir; the
// trailing JSON status block is the structured result.
type BackendExecutor struct {
	adapter backend.Adapter
	logger  logging.Logger
}

func NewBackendExecutor(adapter backend.Adapter) *BackendExecutor {
	return &BackendExecutor{
		adapter: adapter,
		logger:  logging.NewComponentLogger("AgentExec"),
	}
}

func (e *BackendExecutor) Execute(ctx context.Context, req ExecuteRequest) (Result, error) {
	if strings.TrimSpace(req.AgentName) == "" {
		return Result{}, fmt.Errorf("agent name is required")
	}
	out, err := e.adapter.Generate(ctx, backend.Request{
		Prompt:     req.Prompt + statusBlockInstruction,
		AgentName:  req.AgentName,
		WorkingDir: req.ProjectDir,
		Model:      req.Model,
	})
	if err != nil {
		return Result{}, err
	}

	res, perr := ParseResult(out)
	if perr != nil {
		e.logger.Warn("task=%s agent=%s: no parseable status block: %v", req.TaskID, req.AgentName, perr)
		return Result{}, sharederrors.Wrap(sharederrors.CodeStreamError, perr, "agent reply had no status block")
	}
	return res, nil
}

func (e *BackendExecutor) CancelActive() {
	e.adapter.CancelActive()
}

// ParseResult extracts the trailing JSON status block from model output.
// Models wrap the block in prose or code fences and sometimes emit broken
// JSON, so the last '{'-balanced candidate is tried strictly first and then
// repaired.
func ParseResult(output string) (Result, error) {
	candidate := lastJSONObject(output)
	if candidate == "" {
		return Result{}, fmt.Errorf("no JSON object in output")
	}
	var res Result
	if err := json.Unmarshal([]byte(candidate), &res); err == nil && res.Status != "" {
		return res.normalized(), nil
	}
	fixed, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return Result{}, fmt.Errorf("status block unrepairable: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), &res); err != nil {
		return Result{}, fmt.Errorf("repaired status block still invalid: %w", err)
	}
	if strings.TrimSpace(res.Status) == "" {
		return Result{}, fmt.Errorf("status block missing status field")
	}
	return res.normalized(), nil
}

// lastJSONObject returns the last brace-balanced object in s, ignoring
// braces inside string literals.
func lastJSONObject(s string) string {
	end := -1
	inString := false
	escaped := false
	start := -1
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '}' {
			end = i
			break
		}
	}
	if end == -1 {
		return ""
	}
	// Walk forward from the beginning tracking the object that closes at end.
	var opens []int
	for i := 0; i <= end; i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			opens = append(opens, i)
		case '}':
			if len(opens) > 0 {
				start = opens[len(opens)-1]
				opens = opens[:len(opens)-1]
			}
		}
	}
	if start == -1 {
		return ""
	}
	return s[start : end+1]
}
