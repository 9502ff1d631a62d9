// Package store implements Doppel's durable message log: an append-only,
// human-readable plain-text file with one timestamped line per message.
// The log is the single authoritative record of conversation history and
// is parsed back at startup to rebuild per-contact context windows.
package store

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Direction marks whether a message was received from or sent to a contact.
type Direction string

const (
	DirectionIn  Direction = "recv"
	DirectionOut Direction = "sent"
)

// timeLayout is the timestamp format used in log lines.
const timeLayout = "2006-01-02 15:04:05"

// Message is a single logged conversation message. Messages are immutable
// once appended.
type Message struct {
	Contact   string
	Direction Direction
	Text      string
	Timestamp time.Time
}

// Log is an append-only message log backed by a single file.
// All appends are serialized and synced to disk before returning, so an
// acknowledged write survives a crash.
type Log struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// Open opens (or creates) the log file at path in append mode.
// The parent directory is created if missing.
func Open(path string) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("message log path is empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %q: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open message log %q: %w", path, err)
	}
	return &Log{path: path, file: f}, nil
}

// Path returns the file path backing this log.
func (l *Log) Path() string { return l.path }

// Append writes one message line and syncs it to disk. A failed append
// leaves the log usable for subsequent writes.
func (l *Log) Append(msg Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("message log %q is closed", l.path)
	}
	line := FormatLine(msg)
	if _, err := l.file.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("append to message log %q: %w", l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync message log %q: %w", l.path, err)
	}
	return nil
}

// LoadHistory reads the log back and returns the last limit messages for
// the given contact, oldest-first. limit <= 0 returns all of them.
// Unparseable lines are skipped — the log may legitimately contain lines
// written by older versions or truncated by a crash mid-write.
func (l *Log) LoadHistory(contact string, limit int) ([]Message, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open message log %q: %w", l.path, err)
	}
	defer f.Close()

	var msgs []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		msg, ok := ParseLine(scanner.Text())
		if !ok || msg.Contact != contact {
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read message log %q: %w", l.path, err)
	}

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Close closes the underlying file. Further appends fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// FormatLine renders a message as a single log line:
//
//	[2025-01-02 15:04:05] [recv] [Alice]: hello there
//
// Newlines and backslashes in the text are escaped so the line format
// survives round-trips through LoadHistory.
func FormatLine(msg Message) string {
	return fmt.Sprintf("[%s] [%s] [%s]: %s",
		msg.Timestamp.Format(timeLayout),
		msg.Direction,
		msg.Contact,
		escapeText(msg.Text))
}

// ParseLine parses a line in the FormatLine format. Returns false for
// lines that do not match.
func ParseLine(line string) (Message, bool) {
	var msg Message

	ts, rest, ok := bracketField(line)
	if !ok {
		return msg, false
	}
	dir, rest, ok := bracketField(rest)
	if !ok {
		return msg, false
	}
	if dir != string(DirectionIn) && dir != string(DirectionOut) {
		return msg, false
	}

	// The contact field ends at "]: " — contact nicknames themselves must
	// not contain that sequence, which config validation enforces.
	if !strings.HasPrefix(rest, "[") {
		return msg, false
	}
	idx := strings.Index(rest, "]: ")
	if idx < 0 {
		return msg, false
	}
	contact := rest[1:idx]
	text := rest[idx+len("]: "):]

	parsed, err := time.ParseInLocation(timeLayout, ts, time.Local)
	if err != nil {
		return msg, false
	}

	msg.Timestamp = parsed
	msg.Direction = Direction(dir)
	msg.Contact = contact
	msg.Text = unescapeText(text)
	return msg, true
}

// bracketField consumes a leading "[field] " and returns the field plus
// the remainder of the line.
func bracketField(s string) (field, rest string, ok bool) {
	if !strings.HasPrefix(s, "[") {
		return "", "", false
	}
	end := strings.Index(s, "] ")
	if end < 0 {
		return "", "", false
	}
	return s[1:end], s[end+2:], true
}

var textEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"\n", "\\n",
	"\r", "\\r",
)

func escapeText(s string) string {
	return textEscaper.Replace(s)
}

func unescapeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
