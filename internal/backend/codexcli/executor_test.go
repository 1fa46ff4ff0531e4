package codexcli

import (
	"context"
	"path/filepath"
	"testing"

	"forge/internal/backend"
	"forge/internal/credentials"
	"forge/internal/infra/subprocess"
	sharederrors "forge/internal/shared/errors"
)

type fakeInvoker struct {
	req       subprocess.Request
	result    *subprocess.Result
	err       error
	cancelled bool
}

func (f *fakeInvoker) Invoke(_ context.Context, req subprocess.Request) (*subprocess.Result, error) {
	f.req = req
	return f.result, f.err
}

func (f *fakeInvoker) CancelActive() { f.cancelled = true }

func poolWith(t *testing.T, keys ...string) *credentials.Manager {
	t.Helper()
	mgr, err := credentials.NewManager(filepath.Join(t.TempDir(), "pool.json"), keys)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr
}

func TestSettingsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path, err := writeSettings(dir, Settings{
		Provider: "openai",
		BaseURL:  "https://api.example.com/v1",
		APIKey:   "sk-one",
		Model:    "gpt-5",
	})
	if err != nil {
		t.Fatalf("writeSettings: %v", err)
	}
	got, err := readSettings(path)
	if err != nil {
		t.Fatalf("readSettings: %v", err)
	}
	if got.Provider != "openai" || got.BaseURL != "https://api.example.com/v1" ||
		got.APIKey != "sk-one" || got.Model != "gpt-5" {
		t.Fatalf("settings round trip mismatch: %+v", got)
	}
}

func TestRunWritesSettingsBeforeInvocation(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeInvoker{result: &subprocess.Result{Stdout: "built\n"}}
	e := New(Config{SettingsDir: dir, DefaultModel: "gpt-5", BaseURL: "https://api.example.com/v1"}, poolWith(t, "sk-one"))
	e.exec = fake

	out, err := e.Generate(context.Background(), backend.Request{Prompt: "build it", WorkingDir: "/tmp/proj"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "built" {
		t.Fatalf("output = %q", out)
	}
	if len(fake.req.Args) != 3 || fake.req.Args[0] != "exec" || fake.req.Args[1] != "--config" {
		t.Fatalf("args = %v, want exec --config <path>", fake.req.Args)
	}
	got, err := readSettings(fake.req.Args[2])
	if err != nil {
		t.Fatalf("readSettings: %v", err)
	}
	if got.APIKey != "sk-one" || got.Model != "gpt-5" {
		t.Fatalf("settings on disk = %+v, want active credential and model", got)
	}
	if fake.req.Input != "build it" {
		t.Fatalf("prompt not forwarded on stdin: %q", fake.req.Input)
	}
}

func TestRotatedCredentialReachesSettingsFile(t *testing.T) {
	dir := t.TempDir()
	mgr := poolWith(t, "sk-one", "sk-two")
	fake := &fakeInvoker{err: sharederrors.New(sharederrors.CodeQuotaExceeded, "quota exceeded")}
	e := New(Config{SettingsDir: dir}, mgr)
	e.exec = fake

	_, err := e.Generate(context.Background(), backend.Request{Prompt: "hi"})
	if sharederrors.CodeOf(err) != sharederrors.CodeQuotaRotated {
		t.Fatalf("err code = %v, want quota_exhausted_rotated", sharederrors.CodeOf(err))
	}

	// The next invocation rewrites the file with the rotated key.
	fake.err = nil
	fake.result = &subprocess.Result{Stdout: "ok"}
	if _, err := e.Generate(context.Background(), backend.Request{Prompt: "hi"}); err != nil {
		t.Fatalf("Generate after rotation: %v", err)
	}
	got, err := readSettings(fake.req.Args[2])
	if err != nil {
		t.Fatalf("readSettings: %v", err)
	}
	if got.APIKey != "sk-two" {
		t.Fatalf("settings key = %q, want rotated credential", got.APIKey)
	}
}

func TestSendClearsWorkingDir(t *testing.T) {
	fake := &fakeInvoker{result: &subprocess.Result{Stdout: "ok"}}
	e := New(Config{SettingsDir: t.TempDir()}, poolWith(t, "sk-one"))
	e.exec = fake
	if _, err := e.Send(context.Background(), backend.Request{Prompt: "hi", WorkingDir: "/tmp/proj"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if fake.req.WorkingDir != "" {
		t.Fatalf("Send must not run inside a project dir, got %q", fake.req.WorkingDir)
	}
}

func TestCancelActiveForwards(t *testing.T) {
	fake := &fakeInvoker{}
	e := New(Config{SettingsDir: t.TempDir()}, poolWith(t, "sk-one"))
	e.exec = fake
	e.CancelActive()
	if !fake.cancelled {
		t.Fatal("CancelActive not forwarded")
	}
}
