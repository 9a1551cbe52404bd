package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/persona-bot/internal/models"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()
	sqlite, err := NewSQLiteStorage(DatabaseConfig{Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"sqlite": sqlite,
	}
}

func TestClaimTaskAtMostOnce(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task := &models.Task{CharacterID: "c1", ScheduledAt: time.Now(), Payload: models.PostingPayload{}}
			require.NoError(t, store.CreateTask(ctx, task))

			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := store.ClaimTask(ctx, task.ID)
					assert.NoError(t, err)
					if ok {
						atomic.AddInt32(&wins, 1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins)

			got, err := store.GetTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, models.TaskProcessing, got.Status)
		})
	}
}

func TestClaimUnknownTask(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.ClaimTask(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestGetDueTasks(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mk := func(kind models.TaskPayload, offset time.Duration) *models.Task {
				task := &models.Task{CharacterID: "c1", ScheduledAt: now.Add(offset), Payload: kind}
				require.NoError(t, store.CreateTask(ctx, task))
				return task
			}
			late := mk(models.PostingPayload{Category: "food"}, -time.Minute)
			early := mk(models.PostingPayload{}, -time.Hour)
			mk(models.PostingPayload{}, time.Minute)
			chat := mk(models.ChatPayload{ConversationID: "conv", MessageID: "m1", UserMessage: "hi"}, -time.Hour)

			due, err := store.GetDueTasks(ctx, models.TaskKindPosting, now, 10)
			require.NoError(t, err)
			require.Len(t, due, 2)
			assert.Equal(t, early.ID, due[0].ID)
			assert.Equal(t, late.ID, due[1].ID)
			assert.Equal(t, models.PostingPayload{Category: "food"}, due[1].Payload)

			limited, err := store.GetDueTasks(ctx, models.TaskKindPosting, now, 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)

			chats, err := store.GetDueTasks(ctx, models.TaskKindChat, now, 10)
			require.NoError(t, err)
			require.Len(t, chats, 1)
			assert.Equal(t, chat.ID, chats[0].ID)
			payload, ok := chats[0].Payload.(models.ChatPayload)
			require.True(t, ok)
			assert.Equal(t, "hi", payload.UserMessage)
		})
	}
}

func TestTaskLifecycle(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task := &models.Task{CharacterID: "c1", ScheduledAt: time.Now(), Payload: models.PostingPayload{}}
			require.NoError(t, store.CreateTask(ctx, task))

			open, err := store.HasOpenTask(ctx, "c1", models.TaskKindPosting)
			require.NoError(t, err)
			assert.True(t, open)

			ok, err := store.ClaimTask(ctx, task.ID)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, store.CompleteTask(ctx, task.ID, models.TaskResult{Outcome: models.OutcomeCommitted, PostID: "p1"}))

			got, err := store.GetTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, models.TaskCompleted, got.Status)
			require.NotNil(t, got.Result)
			assert.Equal(t, "p1", got.Result.PostID)

			open, err = store.HasOpenTask(ctx, "c1", models.TaskKindPosting)
			require.NoError(t, err)
			assert.False(t, open)

			other := &models.Task{CharacterID: "c1", ScheduledAt: time.Now(), Payload: models.PostingPayload{}}
			require.NoError(t, store.CreateTask(ctx, other))
			require.NoError(t, store.FailTask(ctx, other.ID, "boom"))
			got, err = store.GetTask(ctx, other.ID)
			require.NoError(t, err)
			assert.Equal(t, models.TaskFailed, got.Status)
			assert.Equal(t, "boom", got.Error)
		})
	}
}

func TestHistoryRecentPruneAndCount(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				require.NoError(t, store.AppendHistory(ctx, &models.PostHistoryRecord{
					CharacterID: "c1",
					PostID:      "p",
					Title:       "t",
					Keywords:    []string{"library"},
					CreatedAt:   day.Add(time.Duration(i*6) * time.Hour).Add(-time.Hour),
				}))
			}

			recent, err := store.RecentHistory(ctx, "c1", 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.True(t, recent[0].CreatedAt.After(recent[1].CreatedAt))
			assert.Equal(t, []string{"library"}, recent[0].Keywords)

			count, err := store.CountToday(ctx, "c1", models.TaskKindPosting, day)
			require.NoError(t, err)
			// -1h falls on the previous day, 23h on this one.
			assert.Equal(t, 4, count)

			removed, err := store.PruneHistory(ctx, "c1", 3)
			require.NoError(t, err)
			assert.Equal(t, 2, removed)
			all, err := store.RecentHistory(ctx, "c1", 0)
			require.NoError(t, err)
			assert.Len(t, all, 3)
			assert.Equal(t, day.Add(23*time.Hour).Unix(), all[0].CreatedAt.Unix())
		})
	}
}

func TestChatRepliesAndMessages(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.AppendChatReply(ctx, &models.ChatReplyRecord{CharacterID: "c1", CreatedAt: day.Add(time.Hour)}))
			require.NoError(t, store.AppendChatReply(ctx, &models.ChatReplyRecord{CharacterID: "c1", CreatedAt: day.Add(25 * time.Hour)}))
			count, err := store.CountToday(ctx, "c1", models.TaskKindChat, day)
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			for i, text := range []string{"one", "two", "three"} {
				require.NoError(t, store.AppendMessage(ctx, &models.ConversationMessage{
					ConversationID: "conv",
					MessageID:      text,
					Role:           models.RoleUser,
					Text:           text,
					CreatedAt:      day.Add(time.Duration(i) * time.Minute),
				}))
			}
			msgs, err := store.RecentMessages(ctx, "conv", 2)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, "two", msgs[0].Text)
			assert.Equal(t, "three", msgs[1].Text)
		})
	}
}

func TestCharacters(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := &models.Character{ID: "a", Name: "Aki", Tone: models.ToneCalm, Categories: []string{"food"}, Status: models.StatusActive}
			b := &models.Character{ID: "b", Name: "Ben", Status: models.StatusInactive}
			require.NoError(t, store.SaveCharacter(ctx, a))
			require.NoError(t, store.SaveCharacter(ctx, b))

			got, err := store.GetCharacter(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "Aki", got.Name)
			assert.Equal(t, []string{"food"}, got.Categories)
			createdAt := got.CreatedAt

			active, err := store.ListActiveCharacters(ctx)
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, "a", active[0].ID)

			a.Status = models.StatusInactive
			require.NoError(t, store.SaveCharacter(ctx, a))
			got, err = store.GetCharacter(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, models.StatusInactive, got.Status)
			assert.Equal(t, createdAt.Unix(), got.CreatedAt.Unix())

			all, err := store.ListCharacters(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 2)

			_, err = store.GetCharacter(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestExpireClaimsReleasesStaleProcessingTasks(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stuck := &models.Task{CharacterID: "c1", ScheduledAt: time.Now(), Payload: models.PostingPayload{}}
			waiting := &models.Task{CharacterID: "c2", ScheduledAt: time.Now(), Payload: models.PostingPayload{}}
			chat := &models.Task{CharacterID: "c1", ScheduledAt: time.Now(), Payload: models.ChatPayload{ConversationID: "conv", MessageID: "m1"}}
			for _, task := range []*models.Task{stuck, waiting, chat} {
				require.NoError(t, store.CreateTask(ctx, task))
			}
			for _, id := range []string{stuck.ID, chat.ID} {
				ok, err := store.ClaimTask(ctx, id)
				require.NoError(t, err)
				require.True(t, ok)
			}

			n, err := store.ExpireClaims(ctx, models.TaskKindPosting, time.Now().Add(-time.Hour))
			require.NoError(t, err)
			assert.Zero(t, n, "fresh claims are kept")

			open, err := store.HasOpenTask(ctx, "c1", models.TaskKindPosting)
			require.NoError(t, err)
			assert.True(t, open)

			n, err = store.ExpireClaims(ctx, models.TaskKindPosting, time.Now().Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err := store.GetTask(ctx, stuck.ID)
			require.NoError(t, err)
			assert.Equal(t, models.TaskFailed, got.Status)
			assert.Equal(t, ErrClaimExpired.Error(), got.Error)

			open, err = store.HasOpenTask(ctx, "c1", models.TaskKindPosting)
			require.NoError(t, err)
			assert.False(t, open)

			got, err = store.GetTask(ctx, waiting.ID)
			require.NoError(t, err)
			assert.Equal(t, models.TaskPending, got.Status, "pending tasks are not claims")

			got, err = store.GetTask(ctx, chat.ID)
			require.NoError(t, err)
			assert.Equal(t, models.TaskProcessing, got.Status, "other kinds are untouched")
		})
	}
}
