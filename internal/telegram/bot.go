package telegram

import (
    "context"
    "fmt"
    "strings"
    "sync"

    tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
    "github.com/xaenox/chat-dataset/internal/chat"
    "github.com/xaenox/chat-dataset/internal/completion"
    "github.com/xaenox/chat-dataset/internal/models"
    "github.com/xaenox/chat-dataset/internal/orchestrator"
    "github.com/xaenox/chat-dataset/internal/storage"
    "go.uber.org/zap"
)

const (
    historyLimit = 10
    outboxSize   = 256
)

// Bot exposes one conversation per Telegram chat. All conversations share
// the orchestrator, so their callbacks run on the same coordinating loop.
type Bot struct {
    api     *tgbotapi.BotAPI
    orch    *orchestrator.Orchestrator
    storage storage.Storage
    client  completion.Client
    opts    chat.Options
    logger  *zap.Logger

    // outbox keeps network sends off the coordinating loop.
    outbox chan tgbotapi.Chattable

    mu            sync.Mutex
    conversations map[int64]*chat.Controller
}

func New(token string, orch *orchestrator.Orchestrator, storage storage.Storage, client completion.Client, opts chat.Options, logger *zap.Logger) (*Bot, error) {
    api, err := tgbotapi.NewBotAPI(token)
    if err != nil {
        return nil, fmt.Errorf("failed to create bot: %w", err)
    }

    logger.Info("Authorized on Telegram", zap.String("username", api.Self.UserName))

    return &Bot{
        api:           api,
        orch:          orch,
        storage:       storage,
        client:        client,
        opts:          opts,
        logger:        logger,
        outbox:        make(chan tgbotapi.Chattable, outboxSize),
        conversations: make(map[int64]*chat.Controller),
    }, nil
}

// Start polls for updates until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
    u := tgbotapi.NewUpdate(0)
    u.Timeout = 60

    updates := b.api.GetUpdatesChan(u)
    defer b.api.StopReceivingUpdates()

    go b.deliver(ctx)

    for {
        select {
        case <-ctx.Done():
            return nil
        case update, ok := <-updates:
            if !ok {
                return nil
            }
            if update.Message == nil {
                continue
            }
            go b.handleMessage(ctx, update.Message)
        }
    }
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
    // Handle commands
    if message.IsCommand() {
        b.handleCommand(ctx, message)
        return
    }

    // Get content from message
    content := strings.TrimSpace(message.Text)
    if message.Caption != "" {
        content = strings.TrimSpace(message.Caption)
    }

    b.conversation(message.Chat.ID).SendMessage(content)
}

// conversation returns the controller of chatID, starting one if needed.
func (b *Bot) conversation(chatID int64) *chat.Controller {
    b.mu.Lock()
    defer b.mu.Unlock()

    if ctrl, ok := b.conversations[chatID]; ok {
        return ctrl
    }
    return b.startConversation(chatID)
}

// startConversation must be called with b.mu held.
func (b *Bot) startConversation(chatID int64) *chat.Controller {
    presenter := &chatPresenter{bot: b, chatID: chatID}
    ctrl := chat.NewController(b.orch, b.storage, b.client, presenter, b.logger.With(zap.Int64("chat_id", chatID)), b.opts)
    b.conversations[chatID] = ctrl

    b.logger.Info("Conversation started",
        zap.Int64("chat_id", chatID),
        zap.String("conversation_id", ctrl.ConversationID()))
    return ctrl
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
    switch message.Command() {
    case "start":
        b.handleStart(message)
    case "help":
        b.handleHelp(message)
    case "new":
        b.handleNew(message)
    case "history":
        b.handleHistory(ctx, message)
    default:
        b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
    }
}

func (b *Bot) handleStart(message *tgbotapi.Message) {
	b.conversation(message.Chat.ID)

	welcome := `Welcome! 💬
Send me any message and I'll forward it to the assistant.
Every message of our conversation is saved.
Use /help to see all available commands.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Start the bot
/help - Show this help message
/new - Start a new conversation
/history - Show the latest messages of this conversation`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleNew(message *tgbotapi.Message) {
    b.mu.Lock()
    b.startConversation(message.Chat.ID)
    b.mu.Unlock()

    b.sendMessage(message.Chat.ID, "Started a new conversation.")
}

func (b *Bot) handleHistory(ctx context.Context, message *tgbotapi.Message) {
    ctrl := b.conversation(message.Chat.ID)

    messages, err := b.storage.Messages(ctx, ctrl.ConversationID())
    if err != nil {
        b.logger.Error("Failed to get conversation messages",
            zap.Error(err),
            zap.String("conversation_id", ctrl.ConversationID()))
        b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't retrieve your message history.")
        return
    }

    if len(messages) == 0 {
        b.sendMessage(message.Chat.ID, "This conversation has no messages yet.")
        return
    }

    profiles, err := b.participants(ctx)
    if err != nil {
        b.logger.Warn("Failed to resolve participants for history", zap.Error(err))
    }

    msg := tgbotapi.NewMessage(message.Chat.ID, formatHistory(messages, profiles, historyLimit))
    msg.ParseMode = "MarkdownV2"
    if _, err := b.api.Send(msg); err != nil {
        b.logger.Error("Failed to send history message",
            zap.Error(err),
            zap.Int64("chat_id", message.Chat.ID))
    }
}

// participants maps profile IDs to their entity type for display.
func (b *Bot) participants(ctx context.Context) (map[string]string, error) {
    profiles, err := b.storage.Profiles(ctx)
    if err != nil {
        return nil, err
    }

    names := make(map[string]string, len(profiles))
    for _, p := range profiles {
        names[p.ID] = p.EntityType
    }
    return names, nil
}

func formatHistory(messages []*models.Message, participants map[string]string, limit int) string {
    if len(messages) > limit {
        messages = messages[len(messages)-limit:]
    }

    response := "*Recent messages:*\n\n"
    for _, msg := range messages {
        sender := participants[msg.SenderID]
        if sender == "" {
            sender = "unknown"
        }
        response += fmt.Sprintf("*%s*\n", escapeMarkdown(sender))
        response += fmt.Sprintf("%s\n\n", escapeMarkdown(msg.Content))
    }
    return response
}

// escapeMarkdown escapes every MarkdownV2 special character, backslash first.
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
    msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
    if _, err := b.api.Send(msg); err != nil {
        b.logger.Error("Failed to send error message",
            zap.Error(err),
            zap.Int64("chat_id", chatID))
    }
}

// enqueue schedules c for delivery without blocking the caller.
func (b *Bot) enqueue(c tgbotapi.Chattable) {
    select {
    case b.outbox <- c:
    default:
        b.logger.Warn("Outbox full, dropping outgoing message")
    }
}

func (b *Bot) deliver(ctx context.Context) {
    for {
        select {
        case <-ctx.Done():
            return
        case c := <-b.outbox:
            if _, err := b.api.Request(c); err != nil {
                b.logger.Error("Failed to deliver message", zap.Error(err))
            }
        }
    }
}

// chatPresenter delivers one conversation's notifications to its chat.
// Telegram already shows the user's own message, so that notification is
// dropped.
type chatPresenter struct {
    bot    *Bot
    chatID int64
}

func (p *chatPresenter) UserMessageDisplayed(text string) {}

func (p *chatPresenter) AssistantMessageDisplayed(text string) {
    p.bot.enqueue(tgbotapi.NewMessage(p.chatID, text))
}

func (p *chatPresenter) LoadingStarted() {
    p.bot.enqueue(tgbotapi.NewChatAction(p.chatID, tgbotapi.ChatTyping))
}

func (p *chatPresenter) LoadingStopped() {}

func (p *chatPresenter) ErrorDisplayed(text string) {
    p.bot.enqueue(tgbotapi.NewMessage(p.chatID, "⚠️ "+text))
}
