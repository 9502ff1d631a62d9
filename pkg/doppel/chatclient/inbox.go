package chatclient

import "sync"

// Inbox buffers inbound messages per watched contact until the responder
// drains them. Messages from contacts that are not watched are dropped —
// the caller decides the watch list at construction time.
type Inbox struct {
	mu      sync.Mutex
	watched map[string]bool
	queues  map[string][]Incoming
}

// NewInbox creates an Inbox watching the given contacts.
func NewInbox(contacts []string) *Inbox {
	watched := make(map[string]bool, len(contacts))
	for _, c := range contacts {
		watched[c] = true
	}
	return &Inbox{
		watched: watched,
		queues:  make(map[string][]Incoming),
	}
}

// Watched reports whether a contact is on the watch list.
func (in *Inbox) Watched(contact string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.watched[contact]
}

// Push enqueues a message for its contact. Returns false when the contact
// is not watched and the message was dropped.
func (in *Inbox) Push(msg Incoming) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.watched[msg.Contact] {
		return false
	}
	in.queues[msg.Contact] = append(in.queues[msg.Contact], msg)
	return true
}

// Drain removes and returns all queued messages for a contact in arrival
// order.
func (in *Inbox) Drain(contact string) []Incoming {
	in.mu.Lock()
	defer in.mu.Unlock()
	msgs := in.queues[contact]
	if len(msgs) == 0 {
		return nil
	}
	delete(in.queues, contact)
	return msgs
}

// Pending returns the number of queued messages for a contact.
func (in *Inbox) Pending(contact string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queues[contact])
}
