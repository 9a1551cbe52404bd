package storage

import (
	"context"
	"errors"
	"time"

	"github.com/xaenox/persona-bot/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrClaimExpired is recorded on tasks whose worker never finished them.
	ErrClaimExpired = errors.New("claim expired")
)

type Storage interface {
	CharacterStorage
	TaskStorage
	HistoryStorage
	ConversationStorage
	Close() error
}

type CharacterStorage interface {
	GetCharacter(ctx context.Context, id string) (*models.Character, error)
	ListCharacters(ctx context.Context) ([]*models.Character, error)
	ListActiveCharacters(ctx context.Context) ([]*models.Character, error)
	// SaveCharacter inserts or replaces a character record.
	SaveCharacter(ctx context.Context, c *models.Character) error
}

type TaskStorage interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	// GetDueTasks returns pending tasks of kind scheduled at or before now, oldest first.
	GetDueTasks(ctx context.Context, kind models.TaskKind, now time.Time, limit int) ([]*models.Task, error)
	// ClaimTask moves a task from pending to processing. It returns false when
	// another caller claimed it first.
	ClaimTask(ctx context.Context, id string) (bool, error)
	CompleteTask(ctx context.Context, id string, result models.TaskResult) error
	FailTask(ctx context.Context, id string, reason string) error
	// HasOpenTask reports whether the character has a pending or processing task of kind.
	HasOpenTask(ctx context.Context, characterID string, kind models.TaskKind) (bool, error)
	// ExpireClaims fails processing tasks of kind last touched before cutoff
	// and returns how many it released.
	ExpireClaims(ctx context.Context, kind models.TaskKind, cutoff time.Time) (int, error)
}

type HistoryStorage interface {
	AppendHistory(ctx context.Context, record *models.PostHistoryRecord) error
	// RecentHistory returns up to limit records, newest first.
	RecentHistory(ctx context.Context, characterID string, limit int) ([]*models.PostHistoryRecord, error)
	// PruneHistory drops the oldest records beyond keep and returns how many were removed.
	PruneHistory(ctx context.Context, characterID string, keep int) (int, error)
	// CountToday counts posts (kind posting) or chat replies (kind chat) created
	// in [dayStart, dayStart+24h).
	CountToday(ctx context.Context, characterID string, kind models.TaskKind, dayStart time.Time) (int, error)
}

type ConversationStorage interface {
	AppendMessage(ctx context.Context, msg *models.ConversationMessage) error
	// RecentMessages returns the last limit messages in chronological order.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.ConversationMessage, error)
	AppendChatReply(ctx context.Context, record *models.ChatReplyRecord) error
}
