// Package chat decides whether and when a character answers an inbound
// message, and produces the answer when the queued task comes due.
package chat

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/persona-bot/internal/clock"
	"github.com/xaenox/persona-bot/internal/models"
	"github.com/xaenox/persona-bot/internal/ratelimit"
	"github.com/xaenox/persona-bot/internal/storage"
)

// IncomingMessage is a message addressed to a character.
type IncomingMessage struct {
	CharacterID    string
	ConversationID string
	MessageID      string
	Author         string
	Text           string
}

const (
	ReasonInactive     = "character inactive"
	ReasonDisabled     = "chat disabled"
	ReasonOutsideHours = "outside active hours"
	ReasonDailyLimit   = "daily chat limit reached"
)

// Decision tells the caller what happened to an inbound message.
type Decision struct {
	Accepted bool
	Reason   string
	Delay    time.Duration
	TaskID   string
}

type Gate struct {
	store   storage.Storage
	limiter *ratelimit.Limiter
	clock   clock.Clock
	logger  *zap.Logger
	// randN returns a value in [0, n).
	randN func(n int64) int64
}

func NewGate(store storage.Storage, limiter *ratelimit.Limiter, clk clock.Clock, logger *zap.Logger) *Gate {
	return &Gate{
		store:   store,
		limiter: limiter,
		clock:   clk,
		logger:  logger,
		randN:   rand.Int64N,
	}
}

// Handle records msg in its conversation and, when every gate passes, queues
// a reply task after a random delay.
func (g *Gate) Handle(ctx context.Context, msg IncomingMessage) (Decision, error) {
	c, err := g.store.GetCharacter(ctx, msg.CharacterID)
	if err != nil {
		return Decision{}, fmt.Errorf("load character: %w", err)
	}

	now := g.clock.Now()
	if err := g.store.AppendMessage(ctx, &models.ConversationMessage{
		ConversationID: msg.ConversationID,
		MessageID:      msg.MessageID,
		CharacterID:    c.ID,
		Role:           models.RoleUser,
		Author:         msg.Author,
		Text:           msg.Text,
		CreatedAt:      now,
	}); err != nil {
		return Decision{}, fmt.Errorf("record message: %w", err)
	}

	if reason, err := g.check(ctx, c, now); err != nil || reason != "" {
		if reason != "" {
			g.logger.Debug("Not replying",
				zap.String("character_id", c.ID),
				zap.String("conversation_id", msg.ConversationID),
				zap.String("reason", reason))
		}
		return Decision{Reason: reason}, err
	}

	delay := g.delay(c.Chat)
	task := &models.Task{
		CharacterID: c.ID,
		ScheduledAt: now.Add(delay),
		Status:      models.TaskPending,
		Payload: models.ChatPayload{
			ConversationID: msg.ConversationID,
			MessageID:      msg.MessageID,
			UserMessage:    msg.Text,
		},
	}
	if err := g.store.CreateTask(ctx, task); err != nil {
		return Decision{}, fmt.Errorf("queue chat task: %w", err)
	}

	g.logger.Info("Queued chat reply",
		zap.String("character_id", c.ID),
		zap.String("task_id", task.ID),
		zap.Duration("delay", delay))
	return Decision{Accepted: true, Delay: delay, TaskID: task.ID}, nil
}

// check runs the gates in order and returns the reason of the first one that fails.
func (g *Gate) check(ctx context.Context, c *models.Character, now time.Time) (string, error) {
	if !c.IsActive() {
		return ReasonInactive, nil
	}
	if !c.Chat.Enabled {
		return ReasonDisabled, nil
	}
	if !c.Chat.ActiveHours.Contains(now.Hour()) {
		return ReasonOutsideHours, nil
	}
	allowed, err := g.limiter.CheckDailyLimit(ctx, c.ID, models.TaskKindChat, c.Chat.DailyLimit)
	if err != nil {
		return "", err
	}
	if !allowed {
		return ReasonDailyLimit, nil
	}
	return "", nil
}

// delay is uniform in [MinDelay, MaxDelay] seconds.
func (g *Gate) delay(p models.ChatPolicy) time.Duration {
	lo, hi := p.MinDelay, p.MaxDelay
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		hi = lo
	}
	secs := int64(lo) + g.randN(int64(hi-lo)+1)
	return time.Duration(secs) * time.Second
}
