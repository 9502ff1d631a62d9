// Package prompt assembles the generation prompt for a contact: the
// style-mimicry instructions, the recent conversation window, and the
// message being replied to.
package prompt

import (
	"sync"

	"github.com/jholhewres/doppel/pkg/doppel/history"
	"github.com/jholhewres/doppel/pkg/doppel/store"
)

// DefaultStyleInstructions is the base system prompt. It instructs the
// model to impersonate the user's own messaging voice as observed in the
// conversation window.
const DefaultStyleInstructions = `You are mimicking the user's conversational style in their chat app.
Analyze the chat history to understand:
1. The user's tone (formal/casual, friendly/professional)
2. Common phrases and expressions they use
3. Length of typical responses
4. Emoji usage patterns
5. Language style (language mix, slang, etc.)

Respond naturally as if you ARE the user, matching their style exactly.
Keep responses concise and natural for chat.
DO NOT mention that you're an AI or mimicking anyone.`

// Turn is one historical conversation turn, direction plus text.
type Turn struct {
	Direction store.Direction
	Text      string
}

// Prompt is the structured input sent to the generation backend.
type Prompt struct {
	// StyleInstructions is the system-level tone-mimicry instruction.
	StyleInstructions string

	// HistoryTurns is the conversation window, oldest-first. It does not
	// include NewMessage.
	HistoryTurns []Turn

	// NewMessage is the inbound message being replied to.
	NewMessage string
}

// Builder produces Prompts from the current history window. It holds no
// other state and performs no I/O.
type Builder struct {
	buffer *history.Buffer

	mu     sync.RWMutex
	styles map[string]string // per-contact style overrides
}

// NewBuilder creates a Builder reading from the given history buffer.
func NewBuilder(buffer *history.Buffer) *Builder {
	return &Builder{
		buffer: buffer,
		styles: make(map[string]string),
	}
}

// SetStyle sets a per-contact style instruction override. An empty style
// keeps the default.
func (b *Builder) SetStyle(contact, style string) {
	if style == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.styles[contact] = style
}

// Build assembles the prompt for replying to incomingText from contact.
// A contact with no history still gets a valid prompt with style
// instructions and an empty window.
func (b *Builder) Build(contact, incomingText string) Prompt {
	b.mu.RLock()
	style, ok := b.styles[contact]
	b.mu.RUnlock()
	if !ok {
		style = DefaultStyleInstructions
	}

	window := b.buffer.Snapshot(contact)
	turns := make([]Turn, 0, len(window))
	for _, msg := range window {
		turns = append(turns, Turn{Direction: msg.Direction, Text: msg.Text})
	}

	return Prompt{
		StyleInstructions: style,
		HistoryTurns:      turns,
		NewMessage:        incomingText,
	}
}
