package throttle

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestPushFlushesAtMaxBatchSize(t *testing.T) {
	th := New(10_000, 3, false, "")
	var mu sync.Mutex
	var got []OutputBatch
	th.OnFlush(func(b OutputBatch) {
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
	})

	for _, line := range []string{"a", "b", "c"} {
		if err := th.Push("s1", line); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for batch flush at max size")
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got[0].Lines) != 3 {
		t.Fatalf("batch has %d lines, want 3", len(got[0].Lines))
	}
	if got[0].Lines[0] != "a" || got[0].Lines[2] != "c" {
		t.Fatalf("unexpected line order: %v", got[0].Lines)
	}
}

func TestPushFlushesOnDebounceTimer(t *testing.T) {
	th := New(20, 128, false, "")
	flushed := make(chan OutputBatch, 1)
	th.OnFlush(func(b OutputBatch) { flushed <- b })

	if err := th.Push("s1", "only line"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	select {
	case b := <-flushed:
		if len(b.Lines) != 1 || b.Lines[0] != "only line" {
			t.Fatalf("unexpected batch: %+v", b)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for debounce flush")
	}
}

func TestFlushOnEmptyBufferIsNoop(t *testing.T) {
	th := New(10_000, 128, false, "")
	called := false
	th.OnFlush(func(b OutputBatch) { called = true })
	th.Flush("never-pushed")
	if called {
		t.Fatal("expected no flush callback for empty/unknown session")
	}
}

func TestRemoveFlushesThenDropsState(t *testing.T) {
	th := New(10_000, 128, false, "")
	flushed := make(chan OutputBatch, 1)
	th.OnFlush(func(b OutputBatch) { flushed <- b })

	if err := th.Push("s1", "line"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	th.Remove("s1")

	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for final flush on Remove")
	}
	if th.GetPendingCount("s1") != 0 {
		t.Fatal("expected pending count 0 after Remove")
	}
	if th.ActiveCount() != 0 {
		t.Fatal("expected active count 0 after Remove")
	}
}

func TestPersistLogsWritesLineSynchronously(t *testing.T) {
	dir := t.TempDir()
	th := New(10_000, 128, true, dir)

	if err := th.Push("s1", "hello"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "session-s1.log"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("log content = %q, want %q", string(data), "hello\n")
	}
}

func TestActiveCountAndPendingCount(t *testing.T) {
	th := New(10_000, 128, false, "")
	if err := th.Push("s1", "a"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if err := th.Push("s1", "b"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if got := th.GetPendingCount("s1"); got != 2 {
		t.Errorf("GetPendingCount() = %d, want 2", got)
	}
	if got := th.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount() = %d, want 1", got)
	}
}

func TestShutdownFlushesAllSessions(t *testing.T) {
	th := New(10_000, 128, false, "")
	var mu sync.Mutex
	flushedSessions := map[string]bool{}
	th.OnFlush(func(b OutputBatch) {
		mu.Lock()
		flushedSessions[b.SessionID] = true
		mu.Unlock()
	})

	th.Push("s1", "a")
	th.Push("s2", "b")
	th.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if !flushedSessions["s1"] || !flushedSessions["s2"] {
		t.Fatalf("expected both sessions flushed, got %v", flushedSessions)
	}
}
