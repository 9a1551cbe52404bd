package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/persona-bot/internal/clock"
	"github.com/xaenox/persona-bot/internal/generator"
	"github.com/xaenox/persona-bot/internal/models"
	"github.com/xaenox/persona-bot/internal/ratelimit"
	"github.com/xaenox/persona-bot/internal/storage"
)

func nightOwl() *models.Character {
	return &models.Character{
		ID:     "owl",
		Name:   "Hoot",
		Tone:   models.TonePlayful,
		Status: models.StatusActive,
		Chat: models.ChatPolicy{
			Enabled:     true,
			DailyLimit:  3,
			ActiveHours: models.ActiveHours{Start: 22, End: 6},
			MinDelay:    10,
			MaxDelay:    20,
		},
	}
}

func newGate(t *testing.T, c *models.Character, at time.Time) (*Gate, *storage.MemoryStorage, *clock.Fixed) {
	t.Helper()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveCharacter(context.Background(), c))
	clk := clock.NewFixed(at)
	return NewGate(store, ratelimit.New(store, clk), clk, zap.NewNop()), store, clk
}

func message(text string) IncomingMessage {
	return IncomingMessage{
		CharacterID:    "owl",
		ConversationID: "conv-1",
		MessageID:      "m-" + text,
		Author:         "alice",
		Text:           text,
	}
}

func TestGateActiveHoursWraparound(t *testing.T) {
	tests := []struct {
		hour     int
		accepted bool
	}{
		{23, true},
		{3, true},
		{22, true},
		{10, false},
		{21, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("hour %d", tt.hour), func(t *testing.T) {
			at := time.Date(2026, time.May, 1, tt.hour, 30, 0, 0, time.UTC)
			gate, _, _ := newGate(t, nightOwl(), at)

			d, err := gate.Handle(context.Background(), message("hello"))
			require.NoError(t, err)
			assert.Equal(t, tt.accepted, d.Accepted)
			if !tt.accepted {
				assert.Equal(t, ReasonOutsideHours, d.Reason)
			}
		})
	}
}

func TestGateQueuesTaskWithinDelayBounds(t *testing.T) {
	at := time.Date(2026, time.May, 1, 23, 0, 0, 0, time.UTC)
	gate, store, _ := newGate(t, nightOwl(), at)

	var asked int64
	gate.randN = func(n int64) int64 {
		asked = n
		return n - 1
	}

	d, err := gate.Handle(context.Background(), message("hi"))
	require.NoError(t, err)
	require.True(t, d.Accepted)
	assert.Equal(t, int64(11), asked)
	assert.Equal(t, 20*time.Second, d.Delay)

	task, err := store.GetTask(context.Background(), d.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Equal(t, at.Add(20*time.Second), task.ScheduledAt)
	assert.Equal(t, models.ChatPayload{ConversationID: "conv-1", MessageID: "m-hi", UserMessage: "hi"}, task.Payload)

	due, err := store.GetDueTasks(context.Background(), models.TaskKindChat, at.Add(19*time.Second), 20)
	require.NoError(t, err)
	assert.Empty(t, due)

	msgs, err := store.RecentMessages(context.Background(), "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
}

func TestGateRejections(t *testing.T) {
	at := time.Date(2026, time.May, 1, 23, 0, 0, 0, time.UTC)

	disabled := nightOwl()
	disabled.Chat.Enabled = false
	gate, _, _ := newGate(t, disabled, at)
	d, err := gate.Handle(context.Background(), message("a"))
	require.NoError(t, err)
	assert.Equal(t, ReasonDisabled, d.Reason)

	inactive := nightOwl()
	inactive.Status = models.StatusInactive
	gate, _, _ = newGate(t, inactive, at)
	d, err = gate.Handle(context.Background(), message("b"))
	require.NoError(t, err)
	assert.Equal(t, ReasonInactive, d.Reason)

	capped := nightOwl()
	capped.Chat.DailyLimit = 1
	gate, store, _ := newGate(t, capped, at)
	require.NoError(t, store.AppendChatReply(context.Background(), &models.ChatReplyRecord{CharacterID: "owl", CreatedAt: at.Add(-time.Minute)}))
	d, err = gate.Handle(context.Background(), message("c"))
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, ReasonDailyLimit, d.Reason)

	_, err = gate.Handle(context.Background(), IncomingMessage{CharacterID: "nobody"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

type replyRecorder struct {
	mu      sync.Mutex
	replies []string
	replyTo []string
}

func (r *replyRecorder) PublishReply(ctx context.Context, conversationID string, author models.Author, text, replyTo string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, text)
	r.replyTo = append(r.replyTo, replyTo)
	return fmt.Sprintf("reply-%d", len(r.replies)), nil
}

func newExecutor(t *testing.T, gen generator.Generator, at time.Time) (*Executor, *storage.MemoryStorage, *replyRecorder) {
	t.Helper()
	store := storage.NewMemoryStorage()
	clk := clock.NewFixed(at)
	pub := &replyRecorder{}
	return NewExecutor(DefaultConfig(), gen, ratelimit.New(store, clk), store, pub, clk, zap.NewNop()), store, pub
}

func TestExecutorRepliesWithContext(t *testing.T) {
	at := time.Date(2026, time.May, 1, 23, 0, 0, 0, time.UTC)
	var prompt string
	gen := generator.GeneratorFunc(func(ctx context.Context, p string, maxTokens int, temperature float64) (string, error) {
		prompt = p
		return `  "Night walks are the best!"  `, nil
	})
	exec, store, pub := newExecutor(t, gen, at)

	for i, text := range []string{"first", "second"} {
		require.NoError(t, store.AppendMessage(context.Background(), &models.ConversationMessage{
			ConversationID: "conv-1",
			MessageID:      fmt.Sprintf("m%d", i),
			Role:           models.RoleUser,
			Author:         "alice",
			Text:           text,
			CreatedAt:      at.Add(time.Duration(i) * time.Second),
		}))
	}

	payload := models.ChatPayload{ConversationID: "conv-1", MessageID: "m1", UserMessage: "second"}
	result, err := exec.Execute(context.Background(), nightOwl(), "task-1", payload)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeReplied, result.Outcome)
	assert.Equal(t, "reply-1", result.MessageID)
	assert.Equal(t, []string{"Night walks are the best!"}, pub.replies)
	assert.Equal(t, []string{"m1"}, pub.replyTo)
	assert.Contains(t, prompt, "alice: first")
	assert.Contains(t, prompt, "alice: second")

	count, err := store.CountToday(context.Background(), "owl", models.TaskKindChat, clock.StartOfDay(at))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	msgs, err := store.RecentMessages(context.Background(), "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, models.RoleCharacter, msgs[2].Role)
}

func TestExecutorFallsBackToFiller(t *testing.T) {
	at := time.Date(2026, time.May, 1, 23, 0, 0, 0, time.UTC)
	gen := generator.GeneratorFunc(func(ctx context.Context, p string, maxTokens int, temperature float64) (string, error) {
		return "", errors.New("upstream unavailable")
	})
	exec, _, pub := newExecutor(t, gen, at)

	result, err := exec.Execute(context.Background(), nightOwl(), "task-1", models.ChatPayload{ConversationID: "c", MessageID: "m", UserMessage: "hey"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFiller, result.Outcome)
	require.Len(t, pub.replies, 1)
	assert.Contains(t, fillers[models.TonePlayful], pub.replies[0])
}

func TestExecutorSkipsWhenCapped(t *testing.T) {
	at := time.Date(2026, time.May, 1, 23, 0, 0, 0, time.UTC)
	gen := generator.GeneratorFunc(func(ctx context.Context, p string, maxTokens int, temperature float64) (string, error) {
		t.Fatal("generator must not be called")
		return "", nil
	})
	exec, store, pub := newExecutor(t, gen, at)
	c := nightOwl()
	c.Chat.DailyLimit = 1
	require.NoError(t, store.AppendChatReply(context.Background(), &models.ChatReplyRecord{CharacterID: c.ID, CreatedAt: at}))

	result, err := exec.Execute(context.Background(), c, "task-1", models.ChatPayload{ConversationID: "c", MessageID: "m"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSkipped, result.Outcome)
	assert.Empty(t, pub.replies)
}

func TestBuildPromptAddsMissingUserMessage(t *testing.T) {
	p := buildPrompt(nightOwl(), nil, models.ChatPayload{MessageID: "m", UserMessage: "are you awake?"})
	assert.Contains(t, p, "user: are you awake?")
}
