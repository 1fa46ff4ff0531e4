package agentexec

import (
	"context"
	"strings"
	"testing"

	"forge/internal/backend"
	sharederrors "forge/internal/shared/errors"
)

type fakeAdapter struct {
	req       backend.Request
	out       string
	err       error
	cancelled bool
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Send(_ context.Context, req backend.Request) (string, error) {
	f.req = req
	return f.out, f.err
}

func (f *fakeAdapter) Generate(_ context.Context, req backend.Request) (string, error) {
	f.req = req
	return f.out, f.err
}

func (f *fakeAdapter) CancelActive() { f.cancelled = true }

func TestExecuteParsesTrailingStatusBlock(t *testing.T) {
	fake := &fakeAdapter{out: `I created the files you asked for.

{"status":"success","files_created":["main.go","main_test.go"],"remaining_subtasks":2,"remaining_tests":1}`}
	e := NewBackendExecutor(fake)

	res, err := e.Execute(context.Background(), ExecuteRequest{
		TaskID: "t1", AgentName: "developer", Prompt: "build it", ProjectDir: "/tmp/proj",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q", res.Status)
	}
	if len(res.FilesCreated) != 2 || res.RemainingSubtasks != 2 || res.RemainingTests != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Complete() {
		t.Fatal("result with remaining work must not be complete")
	}
	if fake.req.WorkingDir != "/tmp/proj" {
		t.Fatalf("working dir = %q", fake.req.WorkingDir)
	}
	if !strings.Contains(fake.req.Prompt, `"status":"success|failed|skipped"`) {
		t.Fatal("status block instruction not appended to prompt")
	}
}

func TestExecutePropagatesAdapterError(t *testing.T) {
	fake := &fakeAdapter{err: sharederrors.New(sharederrors.CodeQuotaRotated, "credential rotated")}
	e := NewBackendExecutor(fake)
	_, err := e.Execute(context.Background(), ExecuteRequest{AgentName: "developer", Prompt: "x"})
	if sharederrors.CodeOf(err) != sharederrors.CodeQuotaRotated {
		t.Fatalf("code = %v", sharederrors.CodeOf(err))
	}
}

func TestExecuteRejectsMissingStatusBlock(t *testing.T) {
	fake := &fakeAdapter{out: "all done, no summary"}
	e := NewBackendExecutor(fake)
	_, err := e.Execute(context.Background(), ExecuteRequest{AgentName: "developer", Prompt: "x"})
	if sharederrors.CodeOf(err) != sharederrors.CodeStreamError {
		t.Fatalf("code = %v, want stream_error", sharederrors.CodeOf(err))
	}
}

func TestCancelActiveForwards(t *testing.T) {
	fake := &fakeAdapter{}
	e := NewBackendExecutor(fake)
	e.CancelActive()
	if !fake.cancelled {
		t.Fatal("cancel not forwarded to adapter")
	}
}

func TestParseResult(t *testing.T) {
	cases := []struct {
		name    string
		output  string
		want    Result
		wantErr bool
	}{
		{
			name:   "bare object",
			output: `{"status":"success","files_created":["a.go"]}`,
			want:   Result{Status: "success", FilesCreated: []string{"a.go"}},
		},
		{
			name: "code fenced",
			output: "done\n```json\n{\"status\":\"skipped\"}\n```",
			want: Result{Status: "skipped"},
		},
		{
			name:   "prose before and after",
			output: `Here it is {"status":"failed","error":"tests red","validation_issues":["vet"]} thanks`,
			want:   Result{Status: "failed", Error: "tests red", ValidationIssues: []string{"vet"}},
		},
		{
			name:   "trailing comma repaired",
			output: `{"status":"success","files_created":["a.go",],}`,
			want:   Result{Status: "success", FilesCreated: []string{"a.go"}},
		},
		{
			name:   "unquoted keys repaired",
			output: `{status: "success", remaining_subtasks: 3}`,
			want:   Result{Status: "success", RemainingSubtasks: 3},
		},
		{
			name:   "uppercase status normalized",
			output: `{"status":"SUCCESS"}`,
			want:   Result{Status: "success"},
		},
		{
			name:   "negative counters clamped",
			output: `{"status":"success","remaining_subtasks":-1,"remaining_tests":-2}`,
			want:   Result{Status: "success"},
		},
		{
			name:   "last object wins",
			output: `{"status":"failed"} then a fix {"status":"success"}`,
			want:   Result{Status: "success"},
		},
		{
			name:   "braces inside strings ignored",
			output: `{"status":"success","error":"saw } in output"}`,
			want:   Result{Status: "success", Error: "saw } in output"},
		},
		{
			name:    "no object at all",
			output:  "nothing structured here",
			wantErr: true,
		},
		{
			name:    "object without status",
			output:  `{"files_created":["a.go"]}`,
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseResult(tc.output)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseResult: %v", err)
			}
			if got.Status != tc.want.Status || got.Error != tc.want.Error ||
				got.RemainingSubtasks != tc.want.RemainingSubtasks ||
				got.RemainingTests != tc.want.RemainingTests ||
				len(got.FilesCreated) != len(tc.want.FilesCreated) ||
				len(got.ValidationIssues) != len(tc.want.ValidationIssues) {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}
