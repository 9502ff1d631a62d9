package state

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestOpenAssignsRunID(t *testing.T) {
	s, _ := openTestStore(t)
	if s.RunID() == "" {
		t.Error("expected non-empty run ID")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)

	got, err := s.LoadCursor("Alice")
	if err != nil {
		t.Fatalf("LoadCursor failed: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected zero cursor for unknown contact, got %v", got)
	}

	ts := time.Date(2025, 1, 2, 10, 0, 0, 123456789, time.UTC)
	if err := s.SaveCursor("Alice", ts); err != nil {
		t.Fatalf("SaveCursor failed: %v", err)
	}

	got, err = s.LoadCursor("Alice")
	if err != nil {
		t.Fatalf("LoadCursor failed: %v", err)
	}
	if !got.Equal(ts) {
		t.Errorf("cursor = %v, want %v (nanosecond precision)", got, ts)
	}
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	s, _ := openTestStore(t)

	newer := time.Date(2025, 1, 2, 10, 0, 5, 0, time.UTC)
	older := time.Date(2025, 1, 2, 10, 0, 1, 0, time.UTC)

	if err := s.SaveCursor("Alice", newer); err != nil {
		t.Fatalf("SaveCursor failed: %v", err)
	}
	if err := s.SaveCursor("Alice", older); err != nil {
		t.Fatalf("SaveCursor with older timestamp failed: %v", err)
	}

	got, err := s.LoadCursor("Alice")
	if err != nil {
		t.Fatalf("LoadCursor failed: %v", err)
	}
	if !got.Equal(newer) {
		t.Errorf("cursor moved backwards: %v, want %v", got, newer)
	}
}

func TestCursorSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ts := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	if err := s.SaveCursor("Alice", ts); err != nil {
		t.Fatalf("SaveCursor failed: %v", err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	got, err := s2.LoadCursor("Alice")
	if err != nil {
		t.Fatalf("LoadCursor after reopen failed: %v", err)
	}
	if !got.Equal(ts) {
		t.Errorf("cursor lost across reopen: %v, want %v", got, ts)
	}
}

func TestProcessedMarkers(t *testing.T) {
	s, _ := openTestStore(t)

	ok, err := s.Processed("msg-1")
	if err != nil {
		t.Fatalf("Processed failed: %v", err)
	}
	if ok {
		t.Error("unknown ID reported as processed")
	}

	if err := s.MarkProcessed("msg-1", "Alice"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	// Marking twice is a no-op, not an error.
	if err := s.MarkProcessed("msg-1", "Alice"); err != nil {
		t.Fatalf("second MarkProcessed failed: %v", err)
	}

	ok, err = s.Processed("msg-1")
	if err != nil {
		t.Fatalf("Processed failed: %v", err)
	}
	if !ok {
		t.Error("marked ID not reported as processed")
	}
}

func TestPruneProcessed(t *testing.T) {
	s, _ := openTestStore(t)

	if err := s.MarkProcessed("fresh", "Alice"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	// Nothing is older than an hour yet.
	n, err := s.PruneProcessed(time.Hour)
	if err != nil {
		t.Fatalf("PruneProcessed failed: %v", err)
	}
	if n != 0 {
		t.Errorf("pruned %d fresh markers", n)
	}

	ok, _ := s.Processed("fresh")
	if !ok {
		t.Error("fresh marker was pruned")
	}
}
