// Package chatclient defines the interface Doppel uses to talk to a chat
// platform, plus the shared inbox helper that adapts push-style platform
// events to the responder's poll-style fetch.
package chatclient

import (
	"context"
	"errors"
	"time"
)

// ErrDisconnected is returned by Fetch/Send when the client has no live
// connection to the platform.
var ErrDisconnected = errors.New("chat client is not connected")

// Incoming is a message received from a watched contact.
type Incoming struct {
	// ID is the platform message identifier. May be empty when the
	// platform does not expose one; the responder then derives a
	// deduplication key from contact, timestamp, and text.
	ID string

	// Contact is the configured nickname this message matched
	// (exact-match against the platform identity).
	Contact string

	// Text is the message content.
	Text string

	// Timestamp is when the platform says the message was sent.
	Timestamp time.Time
}

// Client is a chat platform connection. Implementations buffer inbound
// messages per watched contact; FetchNew drains the buffer in arrival
// order.
type Client interface {
	// Name returns the platform identifier (e.g. "whatsapp", "discord").
	Name() string

	// Connect establishes the platform connection.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	// FetchNew returns buffered messages for a contact in arrival order.
	// A contact with nothing new yields an empty slice.
	FetchNew(ctx context.Context, contact string) ([]Incoming, error)

	// Send delivers a text message to the contact.
	Send(ctx context.Context, contact, text string) error

	// IsConnected reports whether the connection is live.
	IsConnected() bool
}
