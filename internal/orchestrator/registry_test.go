package orchestrator

import (
	"sync"
	"testing"
)

func TestAcquireRejectsSecondHolder(t *testing.T) {
	reg := NewRunningTaskRegistry()
	if !reg.Acquire("t1") {
		t.Fatal("first acquire must succeed")
	}
	if reg.Acquire("t1") {
		t.Fatal("second acquire must be rejected")
	}
	reg.Release("t1")
	if !reg.Acquire("t1") {
		t.Fatal("acquire after release must succeed")
	}
}

func TestConcurrentAcquireAdmitsExactlyOne(t *testing.T) {
	reg := NewRunningTaskRegistry()
	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.Acquire("t1") {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("winners = %d, want exactly one", count)
	}
}

func TestReleaseClearsCancelFlag(t *testing.T) {
	reg := NewRunningTaskRegistry()
	reg.Acquire("t1")
	if !reg.RequestCancel("t1") {
		t.Fatal("cancel on a running task must succeed")
	}
	if !reg.CancelRequested("t1") {
		t.Fatal("flag should be set")
	}
	reg.Release("t1")
	if reg.CancelRequested("t1") {
		t.Fatal("flag must not survive release")
	}
	reg.Acquire("t1")
	if reg.CancelRequested("t1") {
		t.Fatal("fresh membership must start unflagged")
	}
}

func TestRequestCancelOnNotRunning(t *testing.T) {
	reg := NewRunningTaskRegistry()
	if reg.RequestCancel("missing") {
		t.Fatal("cancel on unknown id must report false")
	}
}
