package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xaenox/persona-bot/internal/chat"
	"github.com/xaenox/persona-bot/internal/clock"
	"github.com/xaenox/persona-bot/internal/generator"
	"github.com/xaenox/persona-bot/internal/models"
	"github.com/xaenox/persona-bot/internal/posting"
	"github.com/xaenox/persona-bot/internal/ratelimit"
	"github.com/xaenox/persona-bot/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testNow = time.Date(2026, time.June, 10, 12, 0, 0, 0, time.UTC)

type fakePosting struct {
	calls atomic.Int32
	err   error
}

func (f *fakePosting) Post(ctx context.Context, c *models.Character, req posting.Request) (models.TaskResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return models.TaskResult{}, f.err
	}
	return models.TaskResult{Outcome: models.OutcomeCommitted, PostID: "p-" + c.ID, Category: req.Category}, nil
}

type fakeChat struct {
	mu    sync.Mutex
	tasks []string
}

func (f *fakeChat) Execute(ctx context.Context, c *models.Character, taskID string, p models.ChatPayload) (models.TaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, taskID)
	return models.TaskResult{Outcome: models.OutcomeReplied, MessageID: "r-" + p.MessageID}, nil
}

func (f *fakeChat) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func character(id string) *models.Character {
	return &models.Character{
		ID:         id,
		Name:       id,
		Tone:       models.ToneFriendly,
		Categories: []string{"daily"},
		Posting:    models.PostingPolicy{Enabled: true, IntervalHours: 4, DailyLimit: 3},
		Chat:       models.ChatPolicy{Enabled: true, DailyLimit: 10},
		Status:     models.StatusActive,
	}
}

func newScheduler(t *testing.T, store *storage.MemoryStorage, post PostingRunner, chat ChatRunner) *Scheduler {
	t.Helper()
	clk := clock.NewFixed(testNow)
	s := New(DefaultConfig(), store, ratelimit.New(store, clk), post, chat, clk, zap.NewNop())
	s.jitter = func(time.Duration) time.Duration { return time.Second }
	return s
}

func addTask(t *testing.T, store *storage.MemoryStorage, characterID string, at time.Time, payload models.TaskPayload) string {
	t.Helper()
	task := &models.Task{CharacterID: characterID, ScheduledAt: at, Payload: payload}
	require.NoError(t, store.CreateTask(context.Background(), task))
	return task.ID
}

func TestPostingTickDispatchesDueTasks(t *testing.T) {
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveCharacter(context.Background(), character("c1")))
	post := &fakePosting{}
	s := newScheduler(t, store, post, &fakeChat{})

	due := addTask(t, store, "c1", testNow.Add(-time.Minute), models.PostingPayload{Category: "daily"})
	future := addTask(t, store, "c1", testNow.Add(time.Hour), models.PostingPayload{})

	s.runTick(context.Background(), models.TaskKindPosting)
	s.Wait()

	task, err := store.GetTask(context.Background(), due)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task.Status)
	require.NotNil(t, task.Result)
	assert.Equal(t, "p-c1", task.Result.PostID)
	assert.Equal(t, "daily", task.Result.Category)

	task, err = store.GetTask(context.Background(), future)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Equal(t, int32(1), post.calls.Load())
}

func TestDispatchFailureMarksTaskFailed(t *testing.T) {
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveCharacter(context.Background(), character("c1")))
	post := &fakePosting{err: errors.New("publish post: telegram unavailable")}
	s := newScheduler(t, store, post, &fakeChat{})

	first := addTask(t, store, "c1", testNow.Add(-2*time.Minute), models.PostingPayload{})
	orphan := addTask(t, store, "ghost", testNow.Add(-time.Minute), models.PostingPayload{})

	s.runTick(context.Background(), models.TaskKindPosting)
	s.Wait()

	task, err := store.GetTask(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Contains(t, task.Error, "telegram unavailable")

	task, err = store.GetTask(context.Background(), orphan)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Contains(t, task.Error, "load character")

	post.err = nil
	next := addTask(t, store, "c1", testNow, models.PostingPayload{})
	s.runTick(context.Background(), models.TaskKindPosting)
	s.Wait()
	task, err = store.GetTask(context.Background(), next)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task.Status)
}

func TestInactiveCharacterTasksAreSkipped(t *testing.T) {
	store := storage.NewMemoryStorage()
	c := character("c1")
	c.Status = models.StatusInactive
	require.NoError(t, store.SaveCharacter(context.Background(), c))
	post := &fakePosting{}
	s := newScheduler(t, store, post, &fakeChat{})

	id := addTask(t, store, "c1", testNow, models.PostingPayload{})
	s.runTick(context.Background(), models.TaskKindPosting)
	s.Wait()

	task, err := store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task.Status)
	assert.Equal(t, models.OutcomeSkipped, task.Result.Outcome)
	assert.Zero(t, post.calls.Load())
}

func TestConcurrentTicksDispatchEachTaskOnce(t *testing.T) {
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveCharacter(context.Background(), character("c1")))
	chat := &fakeChat{}
	s := newScheduler(t, store, &fakePosting{}, chat)

	for i := 0; i < 10; i++ {
		addTask(t, store, "c1", testNow.Add(-time.Duration(i)*time.Second), models.ChatPayload{ConversationID: "conv", MessageID: "m"})
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runTick(context.Background(), models.TaskKindChat)
		}()
	}
	wg.Wait()
	s.Wait()

	require.Equal(t, 10, chat.count())
	seen := map[string]bool{}
	for _, id := range chat.tasks {
		assert.False(t, seen[id], "task %s ran twice", id)
		seen[id] = true
	}
}

type countingPublisher struct {
	n atomic.Int32
}

func (p *countingPublisher) PublishReply(ctx context.Context, conversationID string, author models.Author, text, replyTo string) (string, error) {
	return fmt.Sprintf("reply-%d", p.n.Add(1)), nil
}

func TestChatTasksOfOneCharacterRespectDailyCap(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	c := character("c1")
	c.Chat.DailyLimit = 1
	require.NoError(t, store.SaveCharacter(ctx, c))

	clk := clock.NewFixed(testNow)
	limiter := ratelimit.New(store, clk)
	slow := generator.GeneratorFunc(func(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "sounds fun!", nil
	})
	pub := &countingPublisher{}
	executor := chat.NewExecutor(chat.DefaultConfig(), slow, limiter, store, pub, clk, zap.NewNop())
	s := New(DefaultConfig(), store, limiter, &fakePosting{}, executor, clk, zap.NewNop())

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, addTask(t, store, "c1", testNow.Add(-time.Duration(i+1)*time.Second),
			models.ChatPayload{ConversationID: fmt.Sprintf("conv-%d", i), MessageID: "m", UserMessage: "hi"}))
	}

	s.RunChatTick(ctx)
	s.Wait()

	usage, err := limiter.Usage(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Chats)
	assert.Equal(t, int32(1), pub.n.Load())

	outcomes := map[models.Outcome]int{}
	for _, id := range ids {
		task, err := store.GetTask(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.TaskCompleted, task.Status)
		outcomes[task.Result.Outcome]++
	}
	assert.Equal(t, map[models.Outcome]int{models.OutcomeReplied: 1, models.OutcomeSkipped: 2}, outcomes)
}

func TestPostingTickReleasesClaimsLeftByDeadWorker(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveCharacter(ctx, character("c1")))

	stuck := addTask(t, store, "c1", time.Now().Add(-time.Hour), models.PostingPayload{})
	claimed, err := store.ClaimTask(ctx, stuck)
	require.NoError(t, err)
	require.True(t, claimed)

	cfg := DefaultConfig()
	later := time.Now().Add(cfg.TaskTimeout + finishTimeout + time.Minute)
	clk := clock.NewFixed(later)
	s := New(cfg, store, ratelimit.New(store, clk), &fakePosting{}, &fakeChat{}, clk, zap.NewNop())
	s.jitter = func(time.Duration) time.Duration { return time.Second }

	require.Zero(t, s.Rearm(ctx), "a live claim keeps the character armed")

	s.RunPostingTick(ctx)
	s.Wait()

	task, err := store.GetTask(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Equal(t, storage.ErrClaimExpired.Error(), task.Error)

	due, err := store.GetDueTasks(ctx, models.TaskKindPosting, later.Add(time.Hour), 20)
	require.NoError(t, err)
	require.Len(t, due, 1, "the character is armed again")
	assert.Equal(t, later.Add(time.Second), due[0].ScheduledAt)
}

func TestRearm(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	recent := character("recent")
	fresh := character("fresh")
	busy := character("busy")
	off := character("off")
	off.Posting.Enabled = false
	inactive := character("inactive")
	inactive.Status = models.StatusInactive
	for _, c := range []*models.Character{recent, fresh, busy, off, inactive} {
		require.NoError(t, store.SaveCharacter(ctx, c))
	}
	require.NoError(t, store.AppendHistory(ctx, &models.PostHistoryRecord{CharacterID: "recent", CreatedAt: testNow.Add(-time.Hour)}))
	addTask(t, store, "busy", testNow.Add(time.Hour), models.PostingPayload{})

	s := newScheduler(t, store, &fakePosting{}, &fakeChat{})
	assert.Equal(t, 2, s.Rearm(ctx))
	assert.Zero(t, s.Rearm(ctx), "armed characters are not armed twice")

	due, err := store.GetDueTasks(ctx, models.TaskKindPosting, testNow.Add(24*time.Hour), 20)
	require.NoError(t, err)
	scheduled := map[string]time.Time{}
	for _, task := range due {
		scheduled[task.CharacterID] = task.ScheduledAt
	}
	assert.Equal(t, testNow.Add(3*time.Hour+time.Second), scheduled["recent"])
	assert.Equal(t, testNow.Add(time.Second), scheduled["fresh"])
	assert.Contains(t, scheduled, "busy")
	assert.NotContains(t, scheduled, "off")
	assert.NotContains(t, scheduled, "inactive")
}

func TestRearmNeverSchedulesInThePast(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveCharacter(ctx, character("c1")))
	require.NoError(t, store.AppendHistory(ctx, &models.PostHistoryRecord{CharacterID: "c1", CreatedAt: testNow.Add(-30 * time.Hour)}))

	s := newScheduler(t, store, &fakePosting{}, &fakeChat{})
	require.Equal(t, 1, s.Rearm(ctx))

	due, err := store.GetDueTasks(ctx, models.TaskKindPosting, testNow.Add(time.Hour), 20)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.False(t, due[0].ScheduledAt.Before(testNow))
}

func TestRearmPushesCappedCharacterToNextDay(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	c := character("c1")
	c.Posting.DailyLimit = 1
	c.Posting.IntervalHours = 1
	require.NoError(t, store.SaveCharacter(ctx, c))
	require.NoError(t, store.AppendHistory(ctx, &models.PostHistoryRecord{CharacterID: "c1", CreatedAt: testNow.Add(-2 * time.Hour)}))

	s := newScheduler(t, store, &fakePosting{}, &fakeChat{})
	require.Equal(t, 1, s.Rearm(ctx))

	due, err := store.GetDueTasks(ctx, models.TaskKindPosting, testNow.Add(48*time.Hour), 20)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, clock.StartOfDay(testNow).AddDate(0, 0, 1).Add(time.Second), due[0].ScheduledAt)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveCharacter(context.Background(), character("c1")))
	s := newScheduler(t, store, &fakePosting{}, &fakeChat{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		open, err := store.HasOpenTask(context.Background(), "c1", models.TaskKindPosting)
		return err == nil && open
	}, time.Second, 10*time.Millisecond, "run arms posting tasks on start")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
