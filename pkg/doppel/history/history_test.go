package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/jholhewres/doppel/pkg/doppel/store"
)

func msg(text string, i int) store.Message {
	return store.Message{
		Contact:   "Alice",
		Direction: store.DirectionIn,
		Text:      text,
		Timestamp: time.Date(2025, 1, 2, 10, 0, i, 0, time.Local),
	}
}

func TestRecordEvictsOldest(t *testing.T) {
	b := New(3)
	for i := 0; i < 5; i++ {
		b.Record("Alice", msg(fmt.Sprintf("m%d", i), i))
	}

	snap := b.Snapshot("Alice")
	if len(snap) != 3 {
		t.Fatalf("expected window of 3, got %d", len(snap))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if snap[i].Text != want {
			t.Errorf("snapshot[%d] = %q, want %q", i, snap[i].Text, want)
		}
	}
}

func TestWindowNeverExceedsCapacity(t *testing.T) {
	b := New(4)
	for i := 0; i < 50; i++ {
		b.Record("Alice", msg(fmt.Sprintf("m%d", i), i))
		if n := b.Len("Alice"); n > 4 {
			t.Fatalf("window grew past capacity after %d records: %d", i+1, n)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	b := New(3)
	b.Record("Alice", msg("original", 0))

	snap := b.Snapshot("Alice")
	snap[0].Text = "mutated"

	if got := b.Snapshot("Alice")[0].Text; got != "original" {
		t.Errorf("buffer was mutated through snapshot: %q", got)
	}
}

func TestUnknownContactIsEmpty(t *testing.T) {
	b := New(3)
	if snap := b.Snapshot("Nobody"); len(snap) != 0 {
		t.Errorf("expected empty snapshot for unknown contact, got %d", len(snap))
	}
}

func TestSeedTruncatesToCapacity(t *testing.T) {
	b := New(2)
	msgs := []store.Message{msg("a", 0), msg("b", 1), msg("c", 2)}
	b.Seed("Alice", msgs)

	snap := b.Snapshot("Alice")
	if len(snap) != 2 {
		t.Fatalf("expected seeded window of 2, got %d", len(snap))
	}
	if snap[0].Text != "b" || snap[1].Text != "c" {
		t.Errorf("seed kept wrong entries: %q, %q", snap[0].Text, snap[1].Text)
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	msgs := []store.Message{msg("a", 0), msg("b", 1), msg("c", 2)}

	b1 := New(2)
	b1.Seed("Alice", msgs)
	b2 := New(2)
	b2.Seed("Alice", msgs)
	// Seeding twice from the same input must match a fresh rebuild.
	b1.Seed("Alice", msgs)

	s1, s2 := b1.Snapshot("Alice"), b2.Snapshot("Alice")
	if len(s1) != len(s2) {
		t.Fatalf("rebuild mismatch: %d vs %d entries", len(s1), len(s2))
	}
	for i := range s1 {
		if s1[i] != s2[i] {
			t.Errorf("rebuild mismatch at %d: %+v vs %+v", i, s1[i], s2[i])
		}
	}
}

func TestContactsAreIndependent(t *testing.T) {
	b := New(2)
	b.Record("Alice", msg("for alice", 0))
	bobMsg := store.Message{Contact: "Bob", Direction: store.DirectionIn, Text: "for bob", Timestamp: time.Now()}
	b.Record("Bob", bobMsg)

	if got := b.Snapshot("Alice"); len(got) != 1 || got[0].Text != "for alice" {
		t.Errorf("Alice window polluted: %+v", got)
	}
	if got := b.Snapshot("Bob"); len(got) != 1 || got[0].Text != "for bob" {
		t.Errorf("Bob window polluted: %+v", got)
	}
}
