package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/persona-bot/internal/models"
)

type MemoryStorage struct {
	mu         sync.RWMutex
	characters map[string]*models.Character
	tasks      map[string]*models.Task
	history    map[string][]*models.PostHistoryRecord
	messages   map[string][]*models.ConversationMessage
	replies    map[string][]*models.ChatReplyRecord
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		characters: make(map[string]*models.Character),
		tasks:      make(map[string]*models.Task),
		history:    make(map[string][]*models.PostHistoryRecord),
		messages:   make(map[string][]*models.ConversationMessage),
		replies:    make(map[string][]*models.ChatReplyRecord),
	}
}

var _ Storage = (*MemoryStorage)(nil)

// Character methods

func (s *MemoryStorage) GetCharacter(ctx context.Context, id string) (*models.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.characters[id]
	if !exists {
		return nil, fmt.Errorf("character %s: %w", id, ErrNotFound)
	}
	return copyCharacter(c), nil
}

func (s *MemoryStorage) ListCharacters(ctx context.Context) ([]*models.Character, error) {
	return s.listCharacters(func(*models.Character) bool { return true }), nil
}

func (s *MemoryStorage) ListActiveCharacters(ctx context.Context) ([]*models.Character, error) {
	return s.listCharacters((*models.Character).IsActive), nil
}

func (s *MemoryStorage) listCharacters(keep func(*models.Character) bool) []*models.Character {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Character, 0, len(s.characters))
	for _, c := range s.characters {
		if keep(c) {
			result = append(result, copyCharacter(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *MemoryStorage) SaveCharacter(ctx context.Context, c *models.Character) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stored := copyCharacter(c)
	if existing, ok := s.characters[c.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.characters[c.ID] = stored
	c.CreatedAt, c.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	return nil
}

// Task methods

func (s *MemoryStorage) CreateTask(ctx context.Context, task *models.Task) error {
	if task.Payload == nil {
		return fmt.Errorf("create task: payload is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	s.tasks[task.ID] = copyTask(task)
	return nil
}

func (s *MemoryStorage) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return copyTask(t), nil
}

func (s *MemoryStorage) GetDueTasks(ctx context.Context, kind models.TaskKind, now time.Time, limit int) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*models.Task
	for _, t := range s.tasks {
		if t.Status == models.TaskPending && t.Kind() == kind && !t.ScheduledAt.After(now) {
			due = append(due, copyTask(t))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStorage) ClaimTask(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.Status != models.TaskPending {
		return false, nil
	}
	t.Status = models.TaskProcessing
	t.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStorage) CompleteTask(ctx context.Context, id string, result models.TaskResult) error {
	return s.finishTask(id, func(t *models.Task) {
		t.Status = models.TaskCompleted
		t.Result = &result
	})
}

func (s *MemoryStorage) FailTask(ctx context.Context, id string, reason string) error {
	return s.finishTask(id, func(t *models.Task) {
		t.Status = models.TaskFailed
		t.Error = reason
	})
}

func (s *MemoryStorage) finishTask(id string, apply func(*models.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	apply(t)
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStorage) HasOpenTask(ctx context.Context, characterID string, kind models.TaskKind) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tasks {
		if t.CharacterID != characterID || t.Kind() != kind {
			continue
		}
		if t.Status == models.TaskPending || t.Status == models.TaskProcessing {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStorage) ExpireClaims(ctx context.Context, kind models.TaskKind, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	now := time.Now()
	for _, t := range s.tasks {
		if t.Kind() != kind || t.Status != models.TaskProcessing || !t.UpdatedAt.Before(cutoff) {
			continue
		}
		t.Status = models.TaskFailed
		t.Error = ErrClaimExpired.Error()
		t.UpdatedAt = now
		expired++
	}
	return expired, nil
}

// History methods

func (s *MemoryStorage) AppendHistory(ctx context.Context, record *models.PostHistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	r := *record
	r.Keywords = append([]string(nil), record.Keywords...)
	r.Tags = append([]string(nil), record.Tags...)
	s.history[record.CharacterID] = append(s.history[record.CharacterID], &r)
	return nil
}

func (s *MemoryStorage) RecentHistory(ctx context.Context, characterID string, limit int) ([]*models.PostHistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.sortedHistory(characterID)
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// sortedHistory returns a newest-first copy. Callers hold the lock.
func (s *MemoryStorage) sortedHistory(characterID string) []*models.PostHistoryRecord {
	src := s.history[characterID]
	records := make([]*models.PostHistoryRecord, 0, len(src))
	for _, r := range src {
		cp := *r
		records = append(records, &cp)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	return records
}

func (s *MemoryStorage) PruneHistory(ctx context.Context, characterID string, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.sortedHistory(characterID)
	if keep < 0 || len(records) <= keep {
		return 0, nil
	}
	removed := len(records) - keep
	s.history[characterID] = records[:keep]
	return removed, nil
}

func (s *MemoryStorage) CountToday(ctx context.Context, characterID string, kind models.TaskKind, dayStart time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dayEnd := dayStart.Add(24 * time.Hour)
	inDay := func(t time.Time) bool { return !t.Before(dayStart) && t.Before(dayEnd) }

	count := 0
	switch kind {
	case models.TaskKindPosting:
		for _, r := range s.history[characterID] {
			if inDay(r.CreatedAt) {
				count++
			}
		}
	case models.TaskKindChat:
		for _, r := range s.replies[characterID] {
			if inDay(r.CreatedAt) {
				count++
			}
		}
	default:
		return 0, fmt.Errorf("count today: unknown kind %q", kind)
	}
	return count, nil
}

// Conversation methods

func (s *MemoryStorage) AppendMessage(ctx context.Context, msg *models.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &m)
	return nil
}

func (s *MemoryStorage) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.ConversationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.messages[conversationID]
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	result := make([]*models.ConversationMessage, 0, len(src))
	for _, m := range src {
		cp := *m
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStorage) AppendChatReply(ctx context.Context, record *models.ChatReplyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	r := *record
	s.replies[record.CharacterID] = append(s.replies[record.CharacterID], &r)
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

func copyCharacter(c *models.Character) *models.Character {
	cp := *c
	cp.Categories = append([]string(nil), c.Categories...)
	return &cp
}

func copyTask(t *models.Task) *models.Task {
	cp := *t
	if t.Result != nil {
		r := *t.Result
		cp.Result = &r
	}
	return &cp
}
