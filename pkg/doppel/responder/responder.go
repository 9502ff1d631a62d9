// Package responder implements the poll/dispatch loop: it polls the chat
// client for new messages from enabled contacts, threads each one through
// the context builder and the generator, sends the reply, and records
// everything in the message log. Failures are isolated per contact and
// per message — one contact's trouble never blocks the others.
package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/doppel/pkg/doppel/chatclient"
	"github.com/jholhewres/doppel/pkg/doppel/history"
	"github.com/jholhewres/doppel/pkg/doppel/llm"
	"github.com/jholhewres/doppel/pkg/doppel/prompt"
	"github.com/jholhewres/doppel/pkg/doppel/state"
	"github.com/jholhewres/doppel/pkg/doppel/store"
)

// Generator produces a reply for an assembled prompt.
type Generator interface {
	Generate(ctx context.Context, p prompt.Prompt) (string, error)
}

// Contact is one configured chat counterpart.
type Contact struct {
	Nickname string
	Enabled  bool
}

// Config holds the loop's tunables.
type Config struct {
	// PollInterval is the tick period.
	PollInterval time.Duration

	// ReplyDelayMin/Max bound the random human-like delay before each
	// send. Max <= 0 disables the delay.
	ReplyDelayMin time.Duration
	ReplyDelayMax time.Duration

	// FallbackReply is sent when generation fails after its bounded
	// retries. Empty skips the message instead.
	FallbackReply string
}

// Options wires the responder's collaborators.
type Options struct {
	Config   Config
	Contacts []Contact
	Client   chatclient.Client
	Gen      Generator
	History  *history.Buffer
	Builder  *prompt.Builder

	// Messages is the durable message store replayed at startup.
	Messages *store.Log

	// Audit optionally mirrors every append into a second log file.
	Audit *store.Log

	// State persists cursors and processed markers. Nil disables
	// persistence (cursors are then in-memory only).
	State *state.Store

	Logger *slog.Logger
}

// sendError marks a failure in the outbound send step. Messages that
// fail here stay queued and are retried next tick, so a reply is never
// silently dropped.
type sendError struct{ err error }

func (e *sendError) Error() string { return "send failed: " + e.err.Error() }
func (e *sendError) Unwrap() error { return e.err }

// Responder runs the poll/dispatch loop. It is the exclusive owner of
// the per-contact seen cursors.
type Responder struct {
	cfg      Config
	contacts []Contact
	client   chatclient.Client
	gen      Generator
	history  *history.Buffer
	builder  *prompt.Builder
	messages *store.Log
	audit    *store.Log
	state    *state.Store
	logger   *slog.Logger
	rng      *rand.Rand

	// cursors holds the per-contact seen cursor: the timestamp of the
	// newest fully processed message. Monotonically non-decreasing.
	cursors map[string]time.Time

	// pending holds fetched-but-unfinished messages per contact, in
	// arrival order. A send failure leaves the message here for the
	// next tick.
	pending map[string][]chatclient.Incoming

	// disabled marks contacts shut off for the rest of the run after a
	// non-retriable generation config failure.
	disabled map[string]bool
}

// New creates a Responder. Client, Gen, History, Builder, and Messages
// are required.
func New(opts Options) (*Responder, error) {
	if opts.Client == nil || opts.Gen == nil || opts.History == nil || opts.Builder == nil || opts.Messages == nil {
		return nil, fmt.Errorf("responder requires client, generator, history, builder, and message store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Config.PollInterval <= 0 {
		opts.Config.PollInterval = 5 * time.Second
	}
	return &Responder{
		cfg:      opts.Config,
		contacts: opts.Contacts,
		client:   opts.Client,
		gen:      opts.Gen,
		history:  opts.History,
		builder:  opts.Builder,
		messages: opts.Messages,
		audit:    opts.Audit,
		state:    opts.State,
		logger:   logger.With("component", "responder"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		cursors:  make(map[string]time.Time),
		pending:  make(map[string][]chatclient.Incoming),
		disabled: make(map[string]bool),
	}, nil
}

// SeedHistory rebuilds each enabled contact's context window from the
// persisted message store and restores persisted cursors. Called once
// before the loop starts; rebuilding from the same log always yields the
// same windows.
func (r *Responder) SeedHistory() error {
	for _, c := range r.contacts {
		if !c.Enabled {
			continue
		}
		msgs, err := r.messages.LoadHistory(c.Nickname, r.history.Capacity())
		if err != nil {
			return fmt.Errorf("replaying history for %q: %w", c.Nickname, err)
		}
		r.history.Seed(c.Nickname, msgs)

		if r.state != nil {
			cursor, err := r.state.LoadCursor(c.Nickname)
			if err != nil {
				return fmt.Errorf("loading cursor for %q: %w", c.Nickname, err)
			}
			r.cursors[c.Nickname] = cursor
		}
		r.logger.Info("history seeded",
			"contact", c.Nickname,
			"messages", len(msgs),
			"cursor", r.cursors[c.Nickname])
	}
	return nil
}

// Run drives ticks at the configured interval until ctx is cancelled.
// A tick that is still running when the next one is due suppresses it,
// so slow generations never overlap.
func (r *Responder) Run(ctx context.Context) error {
	if err := r.SeedHistory(); err != nil {
		return err
	}

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := scheduler.AddFunc(fmt.Sprintf("@every %s", r.cfg.PollInterval), func() {
		r.Tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling poll tick: %w", err)
	}

	r.logger.Info("responder running",
		"contacts", len(r.contacts),
		"poll_interval", r.cfg.PollInterval)
	scheduler.Start()

	<-ctx.Done()
	r.logger.Info("stop requested, waiting for in-flight tick")

	// Let an in-flight per-message step finish cleanly.
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()

	r.logger.Info("responder stopped")
	return nil
}

// Tick polls every enabled contact once. Exported so the loop can also
// be driven by an external scheduler.
func (r *Responder) Tick(ctx context.Context) {
	for _, c := range r.contacts {
		if ctx.Err() != nil {
			return
		}
		// Disabled contacts are skipped before any fetch happens.
		if !c.Enabled || r.disabled[c.Nickname] {
			continue
		}
		r.pollContact(ctx, c.Nickname)
	}
}

// pollContact fetches and processes one contact's new messages. Any
// failure here is logged and confined to this contact.
func (r *Responder) pollContact(ctx context.Context, contact string) {
	fetched, err := r.client.FetchNew(ctx, contact)
	if err != nil {
		r.logger.Warn("fetch failed, skipping contact this tick",
			"contact", contact,
			"step", "fetch",
			"error", err)
		return
	}
	r.enqueue(contact, fetched)
	r.processPending(ctx, contact)
}

// enqueue appends genuinely new messages to the contact's pending queue,
// logging the inbound side immediately. Duplicates — already processed
// IDs or timestamps behind the cursor — are dropped here, regardless of
// what the platform's fetch window returned.
func (r *Responder) enqueue(contact string, fetched []chatclient.Incoming) {
	for _, in := range fetched {
		if r.alreadySeen(contact, in) {
			r.logger.Debug("dropping duplicate message",
				"contact", contact,
				"id", in.ID)
			continue
		}
		r.appendLog(store.Message{
			Contact:   contact,
			Direction: store.DirectionIn,
			Text:      in.Text,
			Timestamp: in.Timestamp,
		})
		r.pending[contact] = append(r.pending[contact], in)
	}
}

// alreadySeen applies the defensive dedup checks.
func (r *Responder) alreadySeen(contact string, in chatclient.Incoming) bool {
	if in.Timestamp.Before(r.cursors[contact]) {
		return true
	}
	if r.state != nil {
		done, err := r.state.Processed(dedupKey(contact, in))
		if err != nil {
			// State store trouble degrades to cursor-only dedup.
			r.logger.Warn("processed lookup failed",
				"contact", contact,
				"error", err)
			return false
		}
		if done {
			return true
		}
	}
	for _, queued := range r.pending[contact] {
		if dedupKey(contact, queued) == dedupKey(contact, in) {
			return true
		}
	}
	return false
}

// processPending replies to the contact's queued messages in arrival
// order. A send failure keeps the message queued for the next tick
// (at-least-once); a generation failure after bounded retries skips it.
func (r *Responder) processPending(ctx context.Context, contact string) {
	for len(r.pending[contact]) > 0 {
		if ctx.Err() != nil {
			return
		}
		in := r.pending[contact][0]

		err := r.respond(ctx, contact, in)
		if err == nil {
			r.finishMessage(contact, in)
			continue
		}

		var sendErr *sendError
		if errors.As(err, &sendErr) || ctx.Err() != nil {
			// The reply was generated but not delivered — retry next
			// tick rather than drop it. The cursor stays put.
			r.logger.Warn("delivery failed, will retry",
				"contact", contact,
				"step", "send",
				"error", err)
			return
		}

		// Generation exhausted its retries (or another terminal
		// failure): log and skip this message, keeping the inbound
		// turn in the context window.
		r.logger.Error("skipping message",
			"contact", contact,
			"step", "generate",
			"error", err)
		r.history.Record(contact, store.Message{
			Contact:   contact,
			Direction: store.DirectionIn,
			Text:      in.Text,
			Timestamp: in.Timestamp,
		})
		r.finishMessage(contact, in)

		if r.disabled[contact] {
			return
		}
	}
}

// respond generates and delivers the reply for one inbound message.
// The context window is updated only after a successful send, so a
// retried message rebuilds the exact same prompt.
func (r *Responder) respond(ctx context.Context, contact string, in chatclient.Incoming) error {
	p := r.builder.Build(contact, in.Text)

	reply, err := r.gen.Generate(ctx, p)
	if err != nil {
		if llm.IsConfigError(err) {
			r.disabled[contact] = true
			return fmt.Errorf("non-retriable generation failure, contact disabled for this run: %w", err)
		}
		if r.cfg.FallbackReply == "" {
			return fmt.Errorf("generation failed: %w", err)
		}
		r.logger.Warn("generation failed, using fallback reply",
			"contact", contact,
			"error", err)
		reply = r.cfg.FallbackReply
	}

	if err := r.humanDelay(ctx); err != nil {
		return &sendError{err}
	}
	if err := r.client.Send(ctx, contact, reply); err != nil {
		return &sendError{err}
	}

	now := time.Now()
	r.history.Record(contact, store.Message{
		Contact:   contact,
		Direction: store.DirectionIn,
		Text:      in.Text,
		Timestamp: in.Timestamp,
	})
	out := store.Message{
		Contact:   contact,
		Direction: store.DirectionOut,
		Text:      reply,
		Timestamp: now,
	}
	r.appendLog(out)
	r.history.Record(contact, out)

	r.logger.Info("replied",
		"contact", contact,
		"in_chars", len(in.Text),
		"out_chars", len(reply))
	return nil
}

// finishMessage pops the head of the pending queue and advances the
// cursor past it.
func (r *Responder) finishMessage(contact string, in chatclient.Incoming) {
	r.pending[contact] = r.pending[contact][1:]
	if len(r.pending[contact]) == 0 {
		delete(r.pending, contact)
	}

	if in.Timestamp.After(r.cursors[contact]) {
		r.cursors[contact] = in.Timestamp
	}
	if r.state != nil {
		if err := r.state.SaveCursor(contact, r.cursors[contact]); err != nil {
			r.logger.Warn("cursor save failed",
				"contact", contact,
				"error", err)
		}
		if err := r.state.MarkProcessed(dedupKey(contact, in), contact); err != nil {
			r.logger.Warn("processed marker save failed",
				"contact", contact,
				"error", err)
		}
	}
}

// appendLog writes a message to the durable store and the audit mirror.
// Persistence trouble is logged and never stops processing — losing a
// log line must not cost a reply.
func (r *Responder) appendLog(msg store.Message) {
	if err := r.messages.Append(msg); err != nil {
		r.logger.Error("message store append failed",
			"contact", msg.Contact,
			"step", "persist",
			"error", err)
	}
	if r.audit != nil {
		if err := r.audit.Append(msg); err != nil {
			r.logger.Error("audit log append failed",
				"contact", msg.Contact,
				"step", "persist",
				"error", err)
		}
	}
}

// humanDelay waits a random interval inside the configured bounds so
// replies do not land instantly.
func (r *Responder) humanDelay(ctx context.Context) error {
	if r.cfg.ReplyDelayMax <= 0 {
		return nil
	}
	delay := r.cfg.ReplyDelayMin
	if span := r.cfg.ReplyDelayMax - r.cfg.ReplyDelayMin; span > 0 {
		delay += time.Duration(r.rng.Int63n(int64(span)))
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cursor returns the contact's current seen cursor.
func (r *Responder) Cursor(contact string) time.Time {
	return r.cursors[contact]
}

// Disabled reports whether a contact was shut off by a non-retriable
// generation failure.
func (r *Responder) Disabled(contact string) bool {
	return r.disabled[contact]
}

// dedupKey derives a stable deduplication key for a message. Platform
// message IDs win; without one the key falls back to contact, timestamp,
// and text.
func dedupKey(contact string, in chatclient.Incoming) string {
	if in.ID != "" {
		return in.ID
	}
	return fmt.Sprintf("%s|%d|%s", contact, in.Timestamp.UnixNano(), in.Text)
}
