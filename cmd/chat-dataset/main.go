package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/xaenox/chat-dataset/internal/chat"
	"github.com/xaenox/chat-dataset/internal/completion"
	"github.com/xaenox/chat-dataset/internal/models"
	"github.com/xaenox/chat-dataset/internal/orchestrator"
	"github.com/xaenox/chat-dataset/internal/storage"
	"github.com/xaenox/chat-dataset/internal/telegram"
	"github.com/xaenox/chat-dataset/internal/terminal"
	"github.com/xaenox/chat-dataset/pkg/config"
	"go.uber.org/zap"
)

var (
	configPath string
	noColor    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chat-dataset",
		Short: "Chat with an assistant and record every message",
		Long: `chat-dataset relays messages between a user and a completion provider
and stores both sides of each conversation in SQLite or PostgreSQL.`,
		SilenceUsage: true,
		RunE:         runChat,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation in the terminal",
		RunE:  runChat,
	}
	chatCmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.Flags().AddFlagSet(chatCmd.Flags())

	telegramCmd := &cobra.Command{
		Use:   "telegram",
		Short: "Serve conversations through a Telegram bot",
		RunE:  runTelegram,
	}

	var conversationID string
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Print the messages of a stored conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, conversationID)
		},
	}
	historyCmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (defaults to the latest one)")

	rootCmd.AddCommand(chatCmd, telegramCmd, historyCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds what every command builds before it starts.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  storage.Storage
}

func setup() (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	store, err := storage.Open(storage.DatabaseConfig{
		Driver:      cfg.Database.Driver,
		Path:        cfg.Database.Path,
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		DBName:      cfg.Database.DBName,
		SSLMode:     cfg.Database.SSLMode,
		UseInMemory: cfg.Database.UseInMemory,
	}, logger)
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	return &app{cfg: cfg, logger: logger, store: store}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close storage", zap.Error(err))
	}
	a.logger.Sync()
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, &config.ConfigurationError{Key: "log.level", Reason: err.Error()}
	}
	zcfg.Level = level
	zcfg.OutputPaths = []string{"stderr"}

	return zcfg.Build()
}

// completionClient never fails on missing credentials: every request then
// reports the configuration problem instead.
func (a *app) completionClient() (completion.Client, error) {
	client, err := completion.New(a.cfg.Completion, a.logger)
	if err != nil {
		if !config.IsConfigurationError(err) {
			return nil, err
		}
		a.logger.Warn("Completion client unavailable", zap.Error(err))
		return completion.Unavailable(err), nil
	}
	return client, nil
}

// startOrchestrator runs the coordinating loop until the returned stop is
// called. stop cancels outstanding tasks first and then waits for the loop.
func (a *app) startOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, func()) {
	orch := orchestrator.New(a.logger, orchestrator.Options{
		MaxConcurrent: a.cfg.Orchestrator.MaxConcurrent,
	})

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := orch.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("Coordinating loop stopped", zap.Error(err))
		}
	}()

	return orch, func() {
		orch.Shutdown()
		cancel()
		<-done
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := a.completionClient()
	if err != nil {
		return err
	}

	orch, stopOrchestrator := a.startOrchestrator(ctx)
	defer stopOrchestrator()

	out := cmd.OutOrStdout()
	presenter := terminal.NewPresenter(out, noColor || color.NoColor)
	ctrl := chat.NewController(orch, a.store, client, presenter, a.logger, chat.Options{
		CompletionTimeout: a.cfg.Completion.Timeout,
	})

	fmt.Fprintf(out, "Conversation %s. Type /help for commands.\n", ctrl.ConversationID())
	return terminal.Run(ctx, cmd.InOrStdin(), ctrl, presenter, orch.Drain)
}

func runTelegram(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Telegram.Token == "" {
		return &config.ConfigurationError{Key: "TELEGRAM_TOKEN", Reason: "is required for the telegram front end"}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := a.completionClient()
	if err != nil {
		return err
	}

	orch, stopOrchestrator := a.startOrchestrator(ctx)
	defer stopOrchestrator()

	bot, err := telegram.New(a.cfg.Telegram.Token, orch, a.store, client, chat.Options{
		CompletionTimeout: a.cfg.Completion.Timeout,
	}, a.logger)
	if err != nil {
		return err
	}

	a.logger.Info("Bot started")
	return bot.Start(ctx)
}

func runHistory(cmd *cobra.Command, conversationID string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	if conversationID == "" {
		ids, err := a.store.Conversations(ctx, 1)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No conversations recorded yet.")
			return nil
		}
		conversationID = ids[0]
	}

	messages, err := a.store.Messages(ctx, conversationID)
	if err != nil {
		return err
	}

	profiles, err := a.store.Profiles(ctx)
	if err != nil {
		return err
	}
	senders := make(map[string]string, len(profiles))
	for _, p := range profiles {
		senders[p.ID] = p.EntityType
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Conversation %s (%d messages)\n", conversationID, len(messages))
	for _, msg := range messages {
		sender := senders[msg.SenderID]
		if sender == "" {
			sender = "unknown"
		}
		if sender == models.EntityAssistant {
			color.New(color.FgGreen).Fprintf(out, "[%s] %s: ", msg.CreatedAt.Format("2006-01-02 15:04:05"), sender)
		} else {
			color.New(color.FgCyan).Fprintf(out, "[%s] %s: ", msg.CreatedAt.Format("2006-01-02 15:04:05"), sender)
		}
		fmt.Fprintln(out, msg.Content)
	}
	return nil
}
