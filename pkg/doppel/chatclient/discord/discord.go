// Package discord implements the Discord chat client using discordgo.
// Watched contacts are matched by their Discord username (exact match);
// inbound direct messages are buffered for the responder's poll.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/doppel/pkg/doppel/chatclient"
)

// Config holds Discord client configuration.
type Config struct {
	// Token is the bot token.
	Token string `yaml:"token"`
}

// Discord implements chatclient.Client over a Discord bot session.
type Discord struct {
	cfg     Config
	session *discordgo.Session
	logger  *slog.Logger
	inbox   *chatclient.Inbox

	// userIDs maps watched usernames to Discord user IDs, learned from
	// inbound messages. Send needs the ID to open a DM channel.
	userIDsMu sync.RWMutex
	userIDs   map[string]string

	connected atomic.Bool
}

// New creates a Discord client watching the given contacts.
func New(cfg Config, contacts []string, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:     cfg,
		logger:  logger.With("component", "discord"),
		inbox:   chatclient.NewInbox(contacts),
		userIDs: make(map[string]string),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the bot gateway session with DM intents.
func (d *Discord) Connect(_ context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord token is empty")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("opening discord gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)
	d.logger.Info("connected", "user", session.State.User.Username)
	return nil
}

// Disconnect closes the gateway session.
func (d *Discord) Disconnect() error {
	d.connected.Store(false)
	if d.session == nil {
		return nil
	}
	err := d.session.Close()
	d.logger.Info("disconnected")
	return err
}

// IsConnected reports whether the session is open.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// FetchNew drains buffered inbound messages for a contact.
func (d *Discord) FetchNew(_ context.Context, contact string) ([]chatclient.Incoming, error) {
	if !d.connected.Load() {
		return nil, chatclient.ErrDisconnected
	}
	return d.inbox.Drain(contact), nil
}

// Send delivers a DM to the contact. The contact's user ID must have been
// learned from an earlier inbound message.
func (d *Discord) Send(_ context.Context, contact, text string) error {
	if !d.connected.Load() || d.session == nil {
		return chatclient.ErrDisconnected
	}

	d.userIDsMu.RLock()
	userID, ok := d.userIDs[contact]
	d.userIDsMu.RUnlock()
	if !ok {
		return fmt.Errorf("no Discord user ID known for contact %q yet", contact)
	}

	channel, err := d.session.UserChannelCreate(userID)
	if err != nil {
		return fmt.Errorf("opening DM channel with %q: %w", contact, err)
	}
	if _, err := d.session.ChannelMessageSend(channel.ID, text); err != nil {
		return fmt.Errorf("sending to %q: %w", contact, err)
	}
	return nil
}

// onMessageCreate buffers inbound DMs from watched contacts.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore our own messages and anything with a guild (not a DM).
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.GuildID != "" {
		return
	}
	if m.Content == "" {
		return
	}

	contact := m.Author.Username
	if !d.inbox.Watched(contact) {
		return
	}

	d.userIDsMu.Lock()
	d.userIDs[contact] = m.Author.ID
	d.userIDsMu.Unlock()

	timestamp := m.Timestamp
	d.inbox.Push(chatclient.Incoming{
		ID:        m.ID,
		Contact:   contact,
		Text:      m.Content,
		Timestamp: timestamp,
	})
	d.logger.Debug("buffered inbound message",
		"contact", contact,
		"id", m.ID,
		"pending", d.inbox.Pending(contact))
}
