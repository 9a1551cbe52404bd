package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/persona-bot/internal/clock"
	"github.com/xaenox/persona-bot/internal/generator"
	"github.com/xaenox/persona-bot/internal/models"
	"github.com/xaenox/persona-bot/internal/ratelimit"
	"github.com/xaenox/persona-bot/internal/storage"
)

type Publisher interface {
	PublishReply(ctx context.Context, conversationID string, author models.Author, text, replyTo string) (string, error)
}

type Config struct {
	ContextWindow     int
	GenerationTimeout time.Duration
	MaxTokens         int
	Temperature       float64
	MaxReplyLength    int
}

func DefaultConfig() Config {
	return Config{
		ContextWindow:     10,
		GenerationTimeout: 30 * time.Second,
		MaxTokens:         300,
		Temperature:       0.9,
		MaxReplyLength:    500,
	}
}

// Executor answers due chat tasks.
type Executor struct {
	cfg       Config
	gen       generator.Generator
	limiter   *ratelimit.Limiter
	store     storage.ConversationStorage
	publisher Publisher
	clock     clock.Clock
	logger    *zap.Logger
}

func NewExecutor(cfg Config, gen generator.Generator, limiter *ratelimit.Limiter, store storage.ConversationStorage, publisher Publisher, clk clock.Clock, logger *zap.Logger) *Executor {
	def := DefaultConfig()
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = def.ContextWindow
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = def.GenerationTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = def.Temperature
	}
	if cfg.MaxReplyLength <= 0 {
		cfg.MaxReplyLength = def.MaxReplyLength
	}
	return &Executor{
		cfg:       cfg,
		gen:       gen,
		limiter:   limiter,
		store:     store,
		publisher: publisher,
		clock:     clk,
		logger:    logger,
	}
}

// Execute replies to the message in p. Generator failures produce a filler
// reply; errors are store or publishing failures only.
func (e *Executor) Execute(ctx context.Context, c *models.Character, taskID string, p models.ChatPayload) (models.TaskResult, error) {
	allowed, err := e.limiter.CheckDailyLimit(ctx, c.ID, models.TaskKindChat, c.Chat.DailyLimit)
	if err != nil {
		return models.TaskResult{}, err
	}
	if !allowed {
		return models.TaskResult{Outcome: models.OutcomeSkipped, Reason: ReasonDailyLimit}, nil
	}

	history, err := e.store.RecentMessages(ctx, p.ConversationID, e.cfg.ContextWindow)
	if err != nil {
		return models.TaskResult{}, fmt.Errorf("load conversation: %w", err)
	}

	outcome := models.OutcomeReplied
	text, err := e.generate(ctx, buildPrompt(c, history, p))
	if err != nil {
		e.logger.Warn("Chat generation failed, using filler",
			zap.Error(err),
			zap.String("character_id", c.ID),
			zap.String("conversation_id", p.ConversationID))
		text = filler(c.Tone)
		outcome = models.OutcomeFiller
	}

	author := c.Author()
	messageID, err := e.publisher.PublishReply(ctx, p.ConversationID, author, text, p.MessageID)
	if err != nil {
		return models.TaskResult{}, fmt.Errorf("publish reply: %w", err)
	}

	now := e.clock.Now()
	if err := e.store.AppendChatReply(ctx, &models.ChatReplyRecord{
		CharacterID:    c.ID,
		ConversationID: p.ConversationID,
		MessageID:      messageID,
		TaskID:         taskID,
		Filler:         outcome == models.OutcomeFiller,
		CreatedAt:      now,
	}); err != nil {
		return models.TaskResult{}, fmt.Errorf("record chat reply: %w", err)
	}
	if err := e.store.AppendMessage(ctx, &models.ConversationMessage{
		ConversationID: p.ConversationID,
		MessageID:      messageID,
		CharacterID:    c.ID,
		Role:           models.RoleCharacter,
		Author:         author.DisplayName,
		Text:           text,
		CreatedAt:      now,
	}); err != nil {
		e.logger.Warn("Failed to record outgoing message", zap.Error(err), zap.String("message_id", messageID))
	}

	e.logger.Info("Replied in conversation",
		zap.String("character_id", c.ID),
		zap.String("conversation_id", p.ConversationID),
		zap.String("message_id", messageID),
		zap.String("outcome", string(outcome)))
	return models.TaskResult{Outcome: outcome, MessageID: messageID}, nil
}

func (e *Executor) generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.GenerationTimeout)
	defer cancel()

	raw, err := e.gen.Generate(ctx, prompt, e.cfg.MaxTokens, e.cfg.Temperature)
	if err != nil {
		return "", err
	}
	text := cleanReply(raw)
	if text == "" {
		return "", fmt.Errorf("%w: empty reply", generator.ErrGeneration)
	}
	if r := []rune(text); len(r) > e.cfg.MaxReplyLength {
		text = string(r[:e.cfg.MaxReplyLength])
	}
	return text, nil
}

func cleanReply(raw string) string {
	text := strings.TrimSpace(raw)
	text = strings.Trim(text, `"`)
	return strings.TrimSpace(text)
}
