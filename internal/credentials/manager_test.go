package credentials

import (
	"path/filepath"
	"sync"
	"testing"

	forgeerrors "forge/internal/shared/errors"
)

func newTestManager(t *testing.T, keys []string) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "pool.json"), keys)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestGetCurrentSkipsExhausted(t *testing.T) {
	m := newTestManager(t, []string{"k1", "k2", "k3"})
	m.MarkExhausted("k1", "quota exceeded")
	m.MarkExhausted("k2", "quota exceeded")

	if got := m.GetCurrent(); got != "k3" {
		t.Errorf("GetCurrent() = %q, want %q", got, "k3")
	}
}

func TestMarkExhaustedNeverReturnsExhaustedKey(t *testing.T) {
	m := newTestManager(t, []string{"k1", "k2", "k3", "k4"})

	exhausted := map[string]bool{}
	for i := 0; i < 3; i++ {
		current := m.GetCurrent()
		if current == "" {
			t.Fatal("pool reported empty while credentials remain")
		}
		if exhausted[current] {
			t.Fatalf("GetCurrent() returned exhausted credential %q", current)
		}
		exhausted[current] = true
		m.MarkExhausted(current, "quota exceeded")
	}
	if got := m.GetCurrent(); got == "" || exhausted[got] {
		t.Errorf("GetCurrent() = %q after three exhaustions, want the last usable key", got)
	}
}

func TestRotationFailsWhenPoolSpent(t *testing.T) {
	m := newTestManager(t, []string{"k1", "k2"})
	if rotated := m.MarkExhausted("k1", "quota"); !rotated {
		t.Error("expected rotation to k2")
	}
	if rotated := m.MarkExhausted("k2", "quota"); rotated {
		t.Error("expected rotation to fail with every key exhausted")
	}
	if m.HasAvailable() {
		t.Error("HasAvailable() = true, want false")
	}
	if got := m.GetCurrent(); got != "" {
		t.Errorf("GetCurrent() = %q, want empty", got)
	}
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		name        string
		message     string
		wantRotated bool
		wantCode    forgeerrors.Code
	}{
		{
			name:        "quota rotates",
			message:     "quota exceeded for this key",
			wantRotated: true,
		},
		{
			name:        "rate limit backs off instead of rotating",
			message:     "429 too many requests",
			wantRotated: false,
		},
		{
			name:        "unauthorized is non-rotatable",
			message:     "HTTP 401: unauthorized",
			wantRotated: false,
			wantCode:    forgeerrors.CodeUnauthorized,
		},
		{
			name:        "unrelated error leaves pool alone",
			message:     "parse error in response",
			wantRotated: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, []string{"k1", "k2"})
			rotated, err := m.HandleError(tt.message, "k1")
			if rotated != tt.wantRotated {
				t.Errorf("rotated = %v, want %v", rotated, tt.wantRotated)
			}
			if tt.wantCode != "" {
				if err == nil || forgeerrors.CodeOf(err) != tt.wantCode {
					t.Errorf("err = %v, want code %v", err, tt.wantCode)
				}
			} else if err != nil {
				t.Errorf("err = %v, want nil", err)
			}
		})
	}
}

func TestHandleErrorNoKeysLeft(t *testing.T) {
	m := newTestManager(t, []string{"k1"})
	rotated, err := m.HandleError("quota exceeded", "k1")
	if rotated {
		t.Error("rotated = true, want false")
	}
	if forgeerrors.CodeOf(err) != forgeerrors.CodeNoKeysAvailable {
		t.Errorf("err = %v, want no_keys_available", err)
	}
}

func TestPoolStatePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.json")
	m1, err := NewManager(path, []string{"k1", "k2"})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	m1.MarkExhausted("k1", "quota exceeded")

	m2, err := NewManager(path, nil)
	if err != nil {
		t.Fatalf("NewManager() reload error = %v", err)
	}
	if got := m2.GetCurrent(); got != "k2" {
		t.Errorf("GetCurrent() after reload = %q, want %q", got, "k2")
	}
	total, exhausted := m2.Count()
	if total != 2 || exhausted != 1 {
		t.Errorf("Count() = (%d, %d), want (2, 1)", total, exhausted)
	}
}

func TestResetExhausted(t *testing.T) {
	m := newTestManager(t, []string{"k1", "k2"})
	m.MarkExhausted("k1", "quota")
	m.MarkExhausted("k2", "quota")
	m.ResetExhausted()

	if !m.HasAvailable() {
		t.Error("HasAvailable() = false after reset")
	}
	total, exhausted := m.Count()
	if total != 2 || exhausted != 0 {
		t.Errorf("Count() = (%d, %d), want (2, 0)", total, exhausted)
	}
}

func TestConcurrentRotationStaysConsistent(t *testing.T) {
	m := newTestManager(t, []string{"k1", "k2", "k3", "k4", "k5"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if key := m.GetCurrent(); key != "" {
					_, _ = m.HandleError("quota exceeded", key)
				}
			}
		}()
	}
	wg.Wait()

	total, exhausted := m.Count()
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if exhausted != 5 {
		t.Errorf("exhausted = %d, want 5 after hammering with quota errors", exhausted)
	}
	if m.HasAvailable() {
		t.Error("HasAvailable() = true after full exhaustion")
	}
}
