package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation(timeLayout, value, time.Local)
	if err != nil {
		t.Fatalf("parse test time: %v", err)
	}
	return ts
}

func TestAppendAndLoadHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.log")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer log.Close()

	msgs := []Message{
		{Contact: "Alice", Direction: DirectionIn, Text: "hi", Timestamp: testTime(t, "2025-01-02 10:00:00")},
		{Contact: "Alice", Direction: DirectionOut, Text: "hello", Timestamp: testTime(t, "2025-01-02 10:00:05")},
		{Contact: "Bob", Direction: DirectionIn, Text: "yo", Timestamp: testTime(t, "2025-01-02 10:01:00")},
		{Contact: "Alice", Direction: DirectionIn, Text: "how are you", Timestamp: testTime(t, "2025-01-02 10:02:00")},
	}
	for _, m := range msgs {
		if err := log.Append(m); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := log.LoadHistory("Alice", 0)
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 Alice messages, got %d", len(got))
	}
	if got[0].Text != "hi" || got[1].Text != "hello" || got[2].Text != "how are you" {
		t.Errorf("messages out of order: %+v", got)
	}
	if got[1].Direction != DirectionOut {
		t.Errorf("expected second message outbound, got %s", got[1].Direction)
	}
}

func TestLoadHistoryLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.log")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer log.Close()

	base := testTime(t, "2025-01-02 10:00:00")
	for i := 0; i < 5; i++ {
		msg := Message{
			Contact:   "Alice",
			Direction: DirectionIn,
			Text:      strings.Repeat("x", i+1),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if err := log.Append(msg); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := log.LoadHistory("Alice", 2)
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages with limit, got %d", len(got))
	}
	// Limit keeps the most recent entries.
	if got[0].Text != "xxxx" || got[1].Text != "xxxxx" {
		t.Errorf("limit kept wrong entries: %q, %q", got[0].Text, got[1].Text)
	}
}

func TestLoadHistoryMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.log")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer log.Close()

	// Remove the file without closing — LoadHistory on a missing file is
	// an empty history, not an error.
	os.Remove(path)
	got, err := log.LoadHistory("Alice", 10)
	if err != nil {
		t.Fatalf("LoadHistory on missing file: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty history, got %d entries", len(got))
	}
}

func TestMultilineTextRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.log")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer log.Close()

	text := "first line\nsecond line\\with backslash\r\nthird"
	msg := Message{
		Contact:   "Alice",
		Direction: DirectionIn,
		Text:      text,
		Timestamp: testTime(t, "2025-01-02 10:00:00"),
	}
	if err := log.Append(msg); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := log.LoadHistory("Alice", 0)
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].Text != text {
		t.Errorf("text did not round-trip:\nwant %q\ngot  %q", text, got[0].Text)
	}

	// The file itself must stay one line per message.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if n := strings.Count(string(data), "\n"); n != 1 {
		t.Errorf("expected exactly 1 line in log file, got %d", n)
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		ok   bool
		text string
	}{
		{"valid inbound", "[2025-01-02 10:00:00] [recv] [Alice]: hi there", true, "hi there"},
		{"valid outbound", "[2025-01-02 10:00:00] [sent] [Alice]: ok", true, "ok"},
		{"colon in text", "[2025-01-02 10:00:00] [recv] [Alice]: note: see this", true, "note: see this"},
		{"empty text", "[2025-01-02 10:00:00] [recv] [Alice]: ", true, ""},
		{"garbage", "not a log line", false, ""},
		{"bad direction", "[2025-01-02 10:00:00] [xmit] [Alice]: hi", false, ""},
		{"bad timestamp", "[yesterday] [recv] [Alice]: hi", false, ""},
		{"missing contact", "[2025-01-02 10:00:00] [recv] hi", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := ParseLine(tt.line)
			if ok != tt.ok {
				t.Fatalf("ParseLine(%q) ok = %v, want %v", tt.line, ok, tt.ok)
			}
			if ok && msg.Text != tt.text {
				t.Errorf("ParseLine(%q) text = %q, want %q", tt.line, msg.Text, tt.text)
			}
		})
	}
}

func TestAppendAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.log")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	err = log.Append(Message{Contact: "Alice", Direction: DirectionIn, Text: "hi", Timestamp: time.Now()})
	if err == nil {
		t.Fatal("expected error appending to closed log")
	}
}
