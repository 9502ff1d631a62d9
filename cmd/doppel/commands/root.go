// Package commands implements the Doppel CLI using cobra.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/doppel/pkg/doppel/chatclient"
	"github.com/jholhewres/doppel/pkg/doppel/chatclient/discord"
	"github.com/jholhewres/doppel/pkg/doppel/chatclient/whatsapp"
	"github.com/jholhewres/doppel/pkg/doppel/config"
	"github.com/jholhewres/doppel/pkg/doppel/history"
	"github.com/jholhewres/doppel/pkg/doppel/llm"
	"github.com/jholhewres/doppel/pkg/doppel/prompt"
	"github.com/jholhewres/doppel/pkg/doppel/responder"
	"github.com/jholhewres/doppel/pkg/doppel/state"
	"github.com/jholhewres/doppel/pkg/doppel/store"
)

// NewRootCmd creates the root command. Running it starts the responder
// loop and blocks until SIGINT or SIGTERM.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "doppel",
		Short: "Doppel - auto-reply to chat messages in your own style",
		Long: `Doppel watches a chat client for new messages from configured
contacts and replies automatically, mimicking your conversational tone
from message history.

Examples:
  doppel --config ./config.yaml
  doppel -c ./config.yaml --verbose`,
		Version:      version,
		SilenceUsage: true,
		RunE:         runRoot,
	}

	rootCmd.Flags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.Flags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

func runRoot(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfgPath, _ := cmd.Flags().GetString("config")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.LoadFromFile(cfgPath)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := newLogger(cfg.Logging, verbose)
	slog.SetDefault(logger)

	// ── Resolve secrets ──
	// Keyring first, then env, then config, then an interactive prompt.
	if err := config.ResolveAPIKey(cfg, logger); err != nil {
		return err
	}

	// ── Open storage ──
	messages, err := store.Open(cfg.HistoryLogFile)
	if err != nil {
		return fmt.Errorf("opening message store: %w", err)
	}
	defer messages.Close()

	var audit *store.Log
	if cfg.LogFile != "" && cfg.LogFile != cfg.HistoryLogFile {
		audit, err = store.Open(cfg.LogFile)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer audit.Close()
	}

	st, err := state.Open(cfg.StateDB)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer st.Close()
	if pruned, err := st.PruneProcessed(30 * 24 * time.Hour); err != nil {
		logger.Warn("pruning processed markers failed", "error", err)
	} else if pruned > 0 {
		logger.Debug("pruned old processed markers", "count", pruned)
	}
	logger.Info("state store ready", "path", cfg.StateDB, "run_id", st.RunID())

	// ── Create chat client ──
	client, err := newChatClient(cfg, logger)
	if err != nil {
		return err
	}

	// ── Create context ──
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	// ── Connect ──
	// An unreachable chat client is fatal here; mid-run disconnects are
	// handled by the client's own reconnect logic.
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting %s client: %w", client.Name(), err)
	}
	defer client.Disconnect()
	logger.Info("chat client connected", "client", client.Name())

	// ── Assemble the responder ──
	buffer := history.New(cfg.HistoryContextLength)
	builder := prompt.NewBuilder(buffer)
	contacts := make([]responder.Contact, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		contacts = append(contacts, responder.Contact{Nickname: u.Nickname, Enabled: u.Enabled})
		if u.Style != "" {
			builder.SetStyle(u.Nickname, u.Style)
		}
	}

	gen := llm.NewClient(llm.Config{
		BaseURL: cfg.API.BaseURL,
		APIKey:  cfg.API.APIKey,
		Params: llm.Params{
			Model:       cfg.API.Model,
			Temperature: cfg.API.Temperature,
			MaxTokens:   cfg.API.MaxTokens,
		},
		RequestTimeout: cfg.API.RequestTimeout,
		MaxRetries:     cfg.API.MaxRetries,
		RetryBackoff:   cfg.API.RetryBackoff,
	}, logger)

	r, err := responder.New(responder.Options{
		Config: responder.Config{
			PollInterval:  cfg.PollInterval,
			ReplyDelayMin: cfg.ReplyDelay.Min,
			ReplyDelayMax: cfg.ReplyDelay.Max,
			FallbackReply: cfg.FallbackReply,
		},
		Contacts: contacts,
		Client:   client,
		Gen:      gen,
		History:  buffer,
		Builder:  builder,
		Messages: messages,
		Audit:    audit,
		State:    st,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	// ── Run ──
	return r.Run(ctx)
}

// newLogger builds the structured logger from config. --verbose forces
// debug level regardless of the configured one.
func newLogger(cfg config.LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// newChatClient instantiates the configured chat platform client.
func newChatClient(cfg *config.Config, logger *slog.Logger) (chatclient.Client, error) {
	watched := cfg.EnabledNicknames()
	switch cfg.Client.Type {
	case "whatsapp":
		return whatsapp.New(cfg.Client.WhatsApp, watched, logger), nil
	case "discord":
		return discord.New(cfg.Client.Discord, watched, logger), nil
	default:
		return nil, fmt.Errorf("unsupported client type %q", cfg.Client.Type)
	}
}
