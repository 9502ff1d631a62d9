// Package whatsapp implements the WhatsApp chat client using whatsmeow —
// a native Go WhatsApp Web API library. Session state persists in SQLite,
// so QR login is only needed on first run.
//
// Inbound direct messages from watched contacts are buffered in an inbox
// and handed to the responder on FetchNew. Contacts are matched by their
// WhatsApp push name (exact match against the configured nickname), or by
// an explicit JID mapping in the configuration.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/doppel/pkg/doppel/chatclient"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// Config holds WhatsApp client configuration.
type Config struct {
	// SessionDB is the path to the SQLite database file for WhatsApp
	// session storage (whatsmeow_ tables).
	SessionDB string `yaml:"session_db"`

	// Contacts optionally maps configured nicknames to WhatsApp JIDs
	// (phone number or full JID). Contacts without a mapping are matched
	// by push name and their JID is learned from the first inbound
	// message.
	Contacts map[string]string `yaml:"contacts"`

	// ReconnectBackoff is the initial backoff duration for reconnection.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts caps reconnection tries (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDB:            "./data/whatsapp.db",
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// WhatsApp implements chatclient.Client over whatsmeow.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger
	inbox  *chatclient.Inbox

	// jids maps configured nicknames to resolved chat JIDs, seeded from
	// config and learned from inbound messages.
	jidsMu sync.RWMutex
	jids   map[string]types.JID

	connected         atomic.Bool
	reconnectAttempts atomic.Int32
	reconnectGuard    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a WhatsApp client watching the given contacts.
func New(cfg Config, contacts []string, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionDB == "" {
		cfg.SessionDB = DefaultConfig().SessionDB
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	return &WhatsApp{
		cfg:    cfg,
		logger: logger.With("component", "whatsapp"),
		inbox:  chatclient.NewInbox(contacts),
		jids:   make(map[string]types.JID),
	}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect establishes the WhatsApp Web connection. With no stored session
// the QR login flow runs first: the pairing code is logged for scanning.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.SessionDB),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := container.GetFirstDevice(w.ctx)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo("Doppel", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true

	// Seed configured nickname → JID mappings.
	for nick, raw := range w.cfg.Contacts {
		jid, err := parseJID(raw)
		if err != nil {
			return fmt.Errorf("contact %q has invalid JID %q: %w", nick, raw, err)
		}
		w.jids[nick] = jid
	}

	if w.client.Store.ID == nil {
		return w.loginWithQR(w.ctx)
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	w.connected.Store(true)
	w.logger.Info("connected (existing session)", "jid", w.clientJID())
	return nil
}

// loginWithQR runs the first-time pairing flow. Blocks until paired,
// timed out, or cancelled.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR login: %w", err)
	}

	for {
		select {
		case evt, ok := <-qrChan:
			if !ok {
				if w.client.Store.ID != nil {
					w.connected.Store(true)
					w.logger.Info("paired", "jid", w.clientJID())
					return nil
				}
				return fmt.Errorf("QR channel closed without pairing")
			}
			switch evt.Event {
			case "code":
				w.logger.Info("scan this code with WhatsApp on your phone", "qr_code", evt.Code)
			case "success":
				w.connected.Store(true)
				w.logger.Info("paired", "jid", w.clientJID())
				return nil
			case "timeout":
				return fmt.Errorf("QR code expired before it was scanned")
			}
		case <-ctx.Done():
			return fmt.Errorf("QR login cancelled: %w", ctx.Err())
		}
	}
}

// Disconnect closes the WhatsApp connection.
func (w *WhatsApp) Disconnect() error {
	w.connected.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	w.logger.Info("disconnected")
	return nil
}

// IsConnected reports whether the connection is live.
func (w *WhatsApp) IsConnected() bool { return w.connected.Load() }

// FetchNew drains buffered inbound messages for a contact.
func (w *WhatsApp) FetchNew(_ context.Context, contact string) ([]chatclient.Incoming, error) {
	if !w.connected.Load() {
		return nil, chatclient.ErrDisconnected
	}
	return w.inbox.Drain(contact), nil
}

// Send delivers a text message to the contact's chat.
func (w *WhatsApp) Send(ctx context.Context, contact, text string) error {
	if !w.connected.Load() {
		return chatclient.ErrDisconnected
	}

	w.jidsMu.RLock()
	jid, ok := w.jids[contact]
	w.jidsMu.RUnlock()
	if !ok {
		return fmt.Errorf("no JID known for contact %q: configure contacts.%s or wait for an inbound message", contact, contact)
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := w.client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("sending to %q: %w", contact, err)
	}
	return nil
}

// ---------- Events ----------

// handleEvent is the whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessage(evt)
	case *events.Connected:
		w.connected.Store(true)
		w.reconnectAttempts.Store(0)
		w.logger.Info("connected", "jid", w.clientJID())
	case *events.Disconnected:
		w.connected.Store(false)
		w.logger.Warn("disconnected by server")
		if w.ctx != nil && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}
	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Error("logged out from phone, session invalidated", "reason", evt.Reason)
	case *events.StreamReplaced:
		w.connected.Store(false)
		w.logger.Error("stream replaced: another client connected with this session")
	}
}

// handleMessage buffers inbound DMs from watched contacts.
func (w *WhatsApp) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	if evt.Info.Chat.Server == "broadcast" {
		return
	}

	text := extractText(evt.Message)
	if text == "" {
		return
	}

	contact := w.resolveContact(evt.Info)
	if contact == "" {
		return
	}

	// Learn the chat JID so Send works without an explicit mapping.
	w.jidsMu.Lock()
	if _, ok := w.jids[contact]; !ok {
		w.jids[contact] = evt.Info.Chat
	}
	w.jidsMu.Unlock()

	w.inbox.Push(chatclient.Incoming{
		ID:        string(evt.Info.ID),
		Contact:   contact,
		Text:      text,
		Timestamp: evt.Info.Timestamp,
	})
	w.logger.Debug("buffered inbound message",
		"contact", contact,
		"id", evt.Info.ID,
		"pending", w.inbox.Pending(contact))
}

// resolveContact maps a message's sender to a watched nickname. Explicit
// JID mappings win; otherwise the push name must match exactly.
func (w *WhatsApp) resolveContact(info types.MessageInfo) string {
	w.jidsMu.RLock()
	defer w.jidsMu.RUnlock()
	for nick, jid := range w.jids {
		if jid.User == info.Chat.User {
			return nick
		}
	}
	if w.inbox.Watched(info.PushName) {
		return info.PushName
	}
	return ""
}

// attemptReconnect retries the connection with linear backoff.
func (w *WhatsApp) attemptReconnect() {
	if !w.reconnectGuard.CompareAndSwap(false, true) {
		return
	}
	defer w.reconnectGuard.Store(false)

	for {
		attempts := int(w.reconnectAttempts.Add(1))
		if w.cfg.MaxReconnectAttempts > 0 && attempts > w.cfg.MaxReconnectAttempts {
			w.logger.Error("giving up reconnecting", "attempts", attempts-1)
			return
		}

		backoff := min(w.cfg.ReconnectBackoff*time.Duration(attempts), 5*time.Minute)
		w.logger.Info("attempting reconnect", "attempt", attempts, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-w.ctx.Done():
			return
		}

		if w.client.IsConnected() {
			return
		}
		if err := w.client.Connect(); err != nil {
			w.logger.Warn("reconnect attempt failed", "attempt", attempts, "error", err)
			continue
		}
		return
	}
}

// ---------- Helpers ----------

// extractText pulls the text out of a WhatsApp message, covering both
// plain and extended (formatted/preview) text messages.
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return msg.GetConversation()
	}
	if ext := msg.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	return ""
}

func (w *WhatsApp) clientJID() string {
	if w.client != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.String()
	}
	return ""
}

// parseJID converts a string to types.JID. Accepts a bare phone number
// ("5511999999999") or a full JID ("5511999999999@s.whatsapp.net").
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
