// Package ratelimit answers whether a character may still act today. Counts
// are aggregated from committed records on every call, never cached.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/xaenox/persona-bot/internal/clock"
	"github.com/xaenox/persona-bot/internal/models"
)

// Counter is the slice of the store the limiter reads from.
type Counter interface {
	CountToday(ctx context.Context, characterID string, kind models.TaskKind, dayStart time.Time) (int, error)
}

type Limiter struct {
	counter Counter
	clock   clock.Clock
}

func New(counter Counter, clk clock.Clock) *Limiter {
	return &Limiter{counter: counter, clock: clk}
}

// CheckDailyLimit reports whether the character has done fewer than limit
// actions of kind since local midnight. A limit of zero or less blocks the action.
func (l *Limiter) CheckDailyLimit(ctx context.Context, characterID string, kind models.TaskKind, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	count, err := l.counter.CountToday(ctx, characterID, kind, clock.StartOfDay(l.clock.Now()))
	if err != nil {
		return false, fmt.Errorf("check daily %s limit: %w", kind, err)
	}
	return count < limit, nil
}

// Usage is today's activity of one character against its caps.
type Usage struct {
	CharacterID string `json:"character_id"`
	Posts       int    `json:"posts"`
	PostCap     int    `json:"post_cap"`
	Chats       int    `json:"chats"`
	ChatCap     int    `json:"chat_cap"`
}

func (l *Limiter) Usage(ctx context.Context, c *models.Character) (Usage, error) {
	dayStart := clock.StartOfDay(l.clock.Now())
	posts, err := l.counter.CountToday(ctx, c.ID, models.TaskKindPosting, dayStart)
	if err != nil {
		return Usage{}, fmt.Errorf("count posts: %w", err)
	}
	chats, err := l.counter.CountToday(ctx, c.ID, models.TaskKindChat, dayStart)
	if err != nil {
		return Usage{}, fmt.Errorf("count chats: %w", err)
	}
	return Usage{
		CharacterID: c.ID,
		Posts:       posts,
		PostCap:     c.Posting.DailyLimit,
		Chats:       chats,
		ChatCap:     c.Chat.DailyLimit,
	}, nil
}
