package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/persona-bot/internal/admin"
	"github.com/xaenox/persona-bot/internal/models"
	"github.com/xaenox/persona-bot/internal/storage"
)

type Bot struct {
	api      *tgbotapi.BotAPI
	router   *Router
	admin    *admin.Service
	adminIDs map[int64]bool
	logger   *zap.Logger
}

func New(token string, debug bool, router *Router, adminService *admin.Service, adminIDs []int64, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	api.Debug = debug

	ids := make(map[int64]bool, len(adminIDs))
	for _, id := range adminIDs {
		ids[id] = true
	}
	return &Bot{
		api:      api,
		router:   router,
		admin:    adminService,
		adminIDs: ids,
		logger:   logger,
	}, nil
}

// Start receives updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Bot started", zap.String("username", b.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			b.handleMessage(ctx, update.Message)
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
	content := message.Text
	if message.Caption != "" {
		content = message.Caption
	}

	from := ""
	if message.From != nil {
		from = message.From.UserName
		if from == "" {
			from = message.From.FirstName
		}
	}

	decisions, err := b.router.Route(ctx, Inbound{
		ChatID:    message.Chat.ID,
		MessageID: message.MessageID,
		From:      from,
		Text:      content,
	})
	if err != nil {
		b.logger.Error("Failed to route message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID),
			zap.Int("message_id", message.MessageID))
		return
	}
	for _, d := range decisions {
		b.logger.Debug("Routed mention",
			zap.Bool("accepted", d.Accepted),
			zap.String("reason", d.Reason),
			zap.Duration("delay", d.Delay))
	}
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start", "help":
		b.sendMessage(message.Chat.ID, helpText)
		return
	}

	if message.From == nil || !b.adminIDs[message.From.ID] {
		b.sendMessage(message.Chat.ID, "This command is for administrators only.")
		return
	}

	arg := strings.TrimSpace(message.CommandArguments())
	switch message.Command() {
	case "characters":
		b.handleCharacters(ctx, message)
	case "stats":
		b.handleStats(ctx, message, arg)
	case "activate":
		b.handleStatus(ctx, message, arg, models.StatusActive)
	case "deactivate":
		b.handleStatus(ctx, message, arg, models.StatusInactive)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

const helpText = `Available commands:
/help - Show this help message
/characters - List characters
/stats <id> - Today's posts and replies of a character
/activate <id> - Resume a character
/deactivate <id> - Pause a character

Mention a character by its @handle to talk to it.`

func (b *Bot) handleCharacters(ctx context.Context, message *tgbotapi.Message) {
	characters, err := b.admin.List(ctx)
	if err != nil {
		b.logger.Error("Failed to list characters", zap.Error(err))
		b.sendErrorMessage(message.Chat.ID, "Sorry, failed to retrieve characters. Please try again later.")
		return
	}
	b.sendMessage(message.Chat.ID, formatCharacters(characters))
}

func (b *Bot) handleStats(ctx context.Context, message *tgbotapi.Message, id string) {
	if id == "" {
		b.sendMessage(message.Chat.ID, "Usage: /stats <id>")
		return
	}
	usage, err := b.admin.Stats(ctx, id)
	if err != nil {
		b.replyError(message.Chat.ID, id, err)
		return
	}
	b.sendMessage(message.Chat.ID, fmt.Sprintf("%s today: %d/%d posts, %d/%d replies",
		usage.CharacterID, usage.Posts, usage.PostCap, usage.Chats, usage.ChatCap))
}

func (b *Bot) handleStatus(ctx context.Context, message *tgbotapi.Message, id string, status models.CharacterStatus) {
	if id == "" {
		b.sendMessage(message.Chat.ID, fmt.Sprintf("Usage: /%s <id>", message.Command()))
		return
	}
	c, err := b.admin.SetStatus(ctx, id, status)
	if err != nil {
		b.replyError(message.Chat.ID, id, err)
		return
	}
	b.sendMessage(message.Chat.ID, fmt.Sprintf("%s is now %s.", c.Name, c.Status))
}

func (b *Bot) replyError(chatID int64, id string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		b.sendMessage(chatID, fmt.Sprintf("No character with id %s.", id))
		return
	}
	b.logger.Error("Admin command failed", zap.Error(err), zap.String("character_id", id))
	b.sendErrorMessage(chatID, "Sorry, the command failed. Please try again later.")
}

func formatCharacters(characters []*models.Character) string {
	if len(characters) == 0 {
		return "There are no characters yet."
	}
	var sb strings.Builder
	sb.WriteString("Characters:\n")
	for _, c := range characters {
		handle := ""
		if c.Handle != "" {
			handle = " @" + c.Handle
		}
		fmt.Fprintf(&sb, "- %s (%s)%s [%s]\n", c.Name, c.ID, handle, c.Status)
	}
	return sb.String()
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
