// Package scheduler drives all time-based work: it claims due tasks,
// dispatches them to the posting and chat runners and keeps one future
// posting task armed per character.
package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/xaenox/persona-bot/internal/clock"
	"github.com/xaenox/persona-bot/internal/models"
	"github.com/xaenox/persona-bot/internal/posting"
	"github.com/xaenox/persona-bot/internal/ratelimit"
	"github.com/xaenox/persona-bot/internal/storage"
)

type PostingRunner interface {
	Post(ctx context.Context, c *models.Character, req posting.Request) (models.TaskResult, error)
}

type ChatRunner interface {
	Execute(ctx context.Context, c *models.Character, taskID string, p models.ChatPayload) (models.TaskResult, error)
}

type Config struct {
	PostingTick time.Duration
	ChatTick    time.Duration
	BatchSize   int
	TaskTimeout time.Duration
	RearmJitter time.Duration
}

func DefaultConfig() Config {
	return Config{
		PostingTick: 5 * time.Minute,
		ChatTick:    30 * time.Second,
		BatchSize:   20,
		TaskTimeout: 5 * time.Minute,
		RearmJitter: 10 * time.Minute,
	}
}

const finishTimeout = 10 * time.Second

type Scheduler struct {
	cfg     Config
	store   storage.Storage
	limiter *ratelimit.Limiter
	posting PostingRunner
	chat    ChatRunner
	clock   clock.Clock
	logger  *zap.Logger
	wg      sync.WaitGroup
	locks   sync.Map
	// jitter returns a delay in [1s, limit].
	jitter func(limit time.Duration) time.Duration
}

func New(cfg Config, store storage.Storage, limiter *ratelimit.Limiter, postingRunner PostingRunner, chatRunner ChatRunner, clk clock.Clock, logger *zap.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.PostingTick <= 0 {
		cfg.PostingTick = def.PostingTick
	}
	if cfg.ChatTick <= 0 {
		cfg.ChatTick = def.ChatTick
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		limiter: limiter,
		posting: postingRunner,
		chat:    chatRunner,
		clock:   clk,
		logger:  logger,
		jitter:  randomJitter,
	}
}

// Run arms posting tasks, starts both tick loops and blocks until ctx is
// cancelled. In-flight tasks are drained before it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	cl := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc("@every "+s.cfg.ChatTick.String(), func() { s.RunChatTick(ctx) }); err != nil {
		return fmt.Errorf("schedule chat tick: %w", err)
	}
	if _, err := c.AddFunc("@every "+s.cfg.PostingTick.String(), func() { s.RunPostingTick(ctx) }); err != nil {
		return fmt.Errorf("schedule posting tick: %w", err)
	}

	s.Rearm(ctx)
	c.Start()
	s.logger.Info("Scheduler started",
		zap.Duration("posting_tick", s.cfg.PostingTick),
		zap.Duration("chat_tick", s.cfg.ChatTick))

	<-ctx.Done()
	s.logger.Info("Stopping scheduler...")
	<-c.Stop().Done()
	s.Wait()
	return nil
}

// Wait blocks until every dispatched task has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunPostingTick dispatches due posting tasks and then re-arms characters.
func (s *Scheduler) RunPostingTick(ctx context.Context) {
	s.runTick(ctx, models.TaskKindPosting)
	s.Rearm(ctx)
}

// RunChatTick dispatches due chat tasks.
func (s *Scheduler) RunChatTick(ctx context.Context) {
	s.runTick(ctx, models.TaskKindChat)
}

// runTick releases expired claims of kind and hands due tasks to workers,
// one worker per character. It returns the number of tasks handed over.
func (s *Scheduler) runTick(ctx context.Context, kind models.TaskKind) int {
	now := s.clock.Now()
	if n, err := s.store.ExpireClaims(ctx, kind, now.Add(-s.claimLease())); err != nil {
		s.logger.Error("Failed to expire stale claims", zap.Error(err), zap.String("kind", string(kind)))
	} else if n > 0 {
		s.logger.Warn("Released stale task claims", zap.String("kind", string(kind)), zap.Int("count", n))
	}

	tasks, err := s.store.GetDueTasks(ctx, kind, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("Failed to load due tasks", zap.Error(err), zap.String("kind", string(kind)))
		return 0
	}

	var order []string
	byCharacter := make(map[string][]*models.Task)
	for _, task := range tasks {
		if _, ok := byCharacter[task.CharacterID]; !ok {
			order = append(order, task.CharacterID)
		}
		byCharacter[task.CharacterID] = append(byCharacter[task.CharacterID], task)
	}
	for _, characterID := range order {
		batch := byCharacter[characterID]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runSerial(ctx, kind, characterID, batch)
		}()
	}
	if len(tasks) > 0 {
		s.logger.Debug("Dispatched tasks",
			zap.String("kind", string(kind)),
			zap.Int("count", len(tasks)),
			zap.Int("characters", len(order)))
	}
	return len(tasks)
}

// runSerial claims and runs the tasks of one character in order. Tasks of the
// same character and kind never overlap, so every cap check sees the commits
// of the tasks before it.
func (s *Scheduler) runSerial(ctx context.Context, kind models.TaskKind, characterID string, tasks []*models.Task) {
	mu := s.characterLock(kind, characterID)
	mu.Lock()
	defer mu.Unlock()

	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		claimed, err := s.store.ClaimTask(ctx, task.ID)
		if err != nil {
			s.logger.Error("Failed to claim task", zap.Error(err), zap.String("task_id", task.ID))
			continue
		}
		if !claimed {
			s.logger.Debug("Task already claimed", zap.String("task_id", task.ID))
			continue
		}
		s.dispatch(ctx, task)
	}
}

func (s *Scheduler) characterLock(kind models.TaskKind, characterID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(string(kind)+"/"+characterID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// claimLease is how long a claimed task may stay processing before its
// worker is presumed dead.
func (s *Scheduler) claimLease() time.Duration {
	return s.cfg.TaskTimeout + finishTimeout
}

func (s *Scheduler) dispatch(ctx context.Context, task *models.Task) {
	result, err := s.execute(ctx, task)

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if err != nil {
		s.logger.Error("Task failed",
			zap.Error(err),
			zap.String("task_id", task.ID),
			zap.String("character_id", task.CharacterID),
			zap.String("kind", string(task.Kind())))
		if ferr := s.store.FailTask(finishCtx, task.ID, err.Error()); ferr != nil {
			s.logger.Error("Failed to mark task failed", zap.Error(ferr), zap.String("task_id", task.ID))
		}
		return
	}
	if cerr := s.store.CompleteTask(finishCtx, task.ID, result); cerr != nil {
		s.logger.Error("Failed to complete task", zap.Error(cerr), zap.String("task_id", task.ID))
	}
}

func (s *Scheduler) execute(ctx context.Context, task *models.Task) (result models.TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	c, err := s.store.GetCharacter(ctx, task.CharacterID)
	if err != nil {
		return models.TaskResult{}, fmt.Errorf("load character: %w", err)
	}
	if !c.IsActive() {
		return models.TaskResult{Outcome: models.OutcomeSkipped, Reason: "character inactive"}, nil
	}

	switch p := task.Payload.(type) {
	case models.PostingPayload:
		if !c.Posting.Enabled {
			return models.TaskResult{Outcome: models.OutcomeSkipped, Reason: "posting disabled"}, nil
		}
		return s.posting.Post(ctx, c, posting.Request{Category: p.Category, Topic: p.Topic})
	case models.ChatPayload:
		return s.chat.Execute(ctx, c, task.ID, p)
	default:
		return models.TaskResult{}, fmt.Errorf("unsupported task payload %T", task.Payload)
	}
}

// Rearm creates the next posting task for every active character that has
// none open. The task is due at last post + interval, or now when that has
// already passed, plus a small jitter. A character at its daily cap is
// pushed to the next local day. Returns the number of tasks created.
func (s *Scheduler) Rearm(ctx context.Context) int {
	characters, err := s.store.ListActiveCharacters(ctx)
	if err != nil {
		s.logger.Error("Failed to list characters for re-arm", zap.Error(err))
		return 0
	}

	created := 0
	for _, c := range characters {
		next, ok, err := s.nextPostingTime(ctx, c)
		if err != nil {
			s.logger.Error("Failed to plan next post", zap.Error(err), zap.String("character_id", c.ID))
			continue
		}
		if !ok {
			continue
		}
		task := &models.Task{
			CharacterID: c.ID,
			ScheduledAt: next,
			Status:      models.TaskPending,
			Payload:     models.PostingPayload{},
		}
		if err := s.store.CreateTask(ctx, task); err != nil {
			s.logger.Error("Failed to create posting task", zap.Error(err), zap.String("character_id", c.ID))
			continue
		}
		created++
		s.logger.Info("Armed next post",
			zap.String("character_id", c.ID),
			zap.String("task_id", task.ID),
			zap.Time("scheduled_at", next))
	}
	return created
}

func (s *Scheduler) nextPostingTime(ctx context.Context, c *models.Character) (time.Time, bool, error) {
	if !c.Posting.Enabled || c.Posting.Interval() <= 0 {
		return time.Time{}, false, nil
	}
	open, err := s.store.HasOpenTask(ctx, c.ID, models.TaskKindPosting)
	if err != nil {
		return time.Time{}, false, err
	}
	if open {
		return time.Time{}, false, nil
	}

	now := s.clock.Now()
	next := now
	last, err := s.store.RecentHistory(ctx, c.ID, 1)
	if err != nil {
		return time.Time{}, false, err
	}
	if len(last) > 0 {
		if due := last[0].CreatedAt.Add(c.Posting.Interval()); due.After(now) {
			next = due
		}
	}

	allowed, err := s.limiter.CheckDailyLimit(ctx, c.ID, models.TaskKindPosting, c.Posting.DailyLimit)
	if err != nil {
		return time.Time{}, false, err
	}
	if !allowed {
		if tomorrow := clock.StartOfDay(now).AddDate(0, 0, 1); next.Before(tomorrow) {
			next = tomorrow
		}
	}
	return next.Add(s.jitter(s.cfg.RearmJitter)), true, nil
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= time.Second {
		return time.Second
	}
	return time.Second + time.Duration(rand.Int64N(int64(limit-time.Second)+1))
}
