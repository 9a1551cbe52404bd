// Package posting produces one published post per invocation: generate,
// check for repetition, retry, and fall back to a local template.
package posting

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/persona-bot/internal/clock"
	"github.com/xaenox/persona-bot/internal/dedup"
	"github.com/xaenox/persona-bot/internal/generator"
	"github.com/xaenox/persona-bot/internal/media"
	"github.com/xaenox/persona-bot/internal/models"
	"github.com/xaenox/persona-bot/internal/ratelimit"
	"github.com/xaenox/persona-bot/internal/storage"
)

var errDuplicateExhausted = errors.New("every draft repeated recent history")

type Publisher interface {
	PublishPost(ctx context.Context, author models.Author, post models.GeneratedPost) (string, error)
}

// ImageQueue accepts best-effort image jobs for published posts.
type ImageQueue interface {
	Submit(job media.Job)
}

type Config struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	GenerationTimeout time.Duration
	MaxTokens         int
	Temperature       float64
	// HistoryRetention is how many history records are kept per character; 0 keeps all.
	HistoryRetention int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		GenerationTimeout: 60 * time.Second,
		MaxTokens:         800,
		Temperature:       0.8,
		HistoryRetention:  200,
	}
}

// Request narrows what gets posted. Empty fields are chosen by the orchestrator.
type Request struct {
	Category string
	Topic    string
}

type Orchestrator struct {
	cfg       Config
	gen       generator.Generator
	dedup     *dedup.Engine
	limiter   *ratelimit.Limiter
	history   storage.HistoryStorage
	publisher Publisher
	images    ImageQueue
	clock     clock.Clock
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) bool
}

// NewOrchestrator wires the orchestrator. images may be nil to disable image jobs.
func NewOrchestrator(
	cfg Config,
	gen generator.Generator,
	engine *dedup.Engine,
	limiter *ratelimit.Limiter,
	history storage.HistoryStorage,
	publisher Publisher,
	images ImageQueue,
	clk clock.Clock,
	logger *zap.Logger,
) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase < 0 {
		cfg.BackoffBase = 0
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
	return &Orchestrator{
		cfg:       cfg,
		gen:       gen,
		dedup:     engine,
		limiter:   limiter,
		history:   history,
		publisher: publisher,
		images:    images,
		clock:     clk,
		logger:    logger,
		sleep:     sleepWithContext,
	}
}

// Post publishes one post for c. A capped character gets a skipped result.
// Generation problems never surface as errors: they end in the fallback
// template. Errors are store or publishing failures only.
func (o *Orchestrator) Post(ctx context.Context, c *models.Character, req Request) (models.TaskResult, error) {
	allowed, err := o.limiter.CheckDailyLimit(ctx, c.ID, models.TaskKindPosting, c.Posting.DailyLimit)
	if err != nil {
		return models.TaskResult{}, err
	}
	if !allowed {
		o.logger.Info("Daily post limit reached, skipping",
			zap.String("character_id", c.ID),
			zap.Int("daily_limit", c.Posting.DailyLimit))
		return models.TaskResult{Outcome: models.OutcomeSkipped, Reason: "daily post limit reached"}, nil
	}

	history, err := o.history.RecentHistory(ctx, c.ID, o.dedup.Config().HistoryWindow)
	if err != nil {
		return models.TaskResult{}, fmt.Errorf("load history: %w", err)
	}

	category := req.Category
	if category == "" {
		category = pickCategory(c.Categories, "")
	}

	var (
		lastErr   error
		bestScore float64
		attempt   int
	)
	for attempt = 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			category = pickCategory(c.Categories, category)
			if !o.sleep(ctx, o.cfg.BackoffBase*time.Duration(attempt-1)) {
				lastErr = ctx.Err()
				break
			}
		}

		post, err := o.generate(ctx, buildPrompt(c, category, req.Topic, nil), category)
		if err != nil {
			lastErr = err
			o.logger.Warn("Post generation failed",
				zap.Error(err),
				zap.String("character_id", c.ID),
				zap.Int("attempt", attempt))
			continue
		}

		verdict := o.dedup.Check(post, history, o.clock.Now())
		if !verdict.Duplicate {
			return o.commit(ctx, c, post, verdict, models.OutcomeCommitted, attempt)
		}
		bestScore = verdict.Score
		o.logger.Info("Draft repeats recent history",
			zap.String("character_id", c.ID),
			zap.Float64("similarity", verdict.Score),
			zap.Strings("suggestions", verdict.Suggestions))

		if len(verdict.Suggestions) > 0 {
			post, err = o.generate(ctx, buildPrompt(c, category, req.Topic, verdict.Suggestions), category)
			if err == nil {
				verdict = o.dedup.Check(post, history, o.clock.Now())
				if !verdict.Duplicate {
					return o.commit(ctx, c, post, verdict, models.OutcomeCommitted, attempt)
				}
				bestScore = verdict.Score
			} else {
				o.logger.Warn("Corrective generation failed",
					zap.Error(err),
					zap.String("character_id", c.ID))
			}
		}
		lastErr = errDuplicateExhausted
	}
	if attempt > o.cfg.MaxAttempts {
		attempt = o.cfg.MaxAttempts
	}

	o.logger.Warn("Falling back to template post",
		zap.String("character_id", c.ID),
		zap.String("category", category),
		zap.Error(lastErr))
	post := Fallback(c, category, o.clock.Now())
	verdict := dedup.Verdict{Fingerprint: o.dedup.Fingerprint(post), Score: bestScore}
	result, err := o.commit(ctx, c, post, verdict, models.OutcomeFallback, attempt)
	if err == nil && lastErr != nil {
		result.Reason = lastErr.Error()
	}
	return result, err
}

func (o *Orchestrator) generate(ctx context.Context, prompt, category string) (models.GeneratedPost, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.GenerationTimeout)
	defer cancel()

	raw, err := o.gen.Generate(ctx, prompt, o.cfg.MaxTokens, o.cfg.Temperature)
	if err != nil {
		if errors.Is(err, generator.ErrGeneration) {
			return models.GeneratedPost{}, err
		}
		return models.GeneratedPost{}, fmt.Errorf("%w: %w", generator.ErrGeneration, err)
	}
	return parsePost(raw, category)
}

// commit publishes, records history and queues the image job, in that order.
func (o *Orchestrator) commit(ctx context.Context, c *models.Character, post models.GeneratedPost, verdict dedup.Verdict, outcome models.Outcome, attempts int) (models.TaskResult, error) {
	author := c.Author()
	postID, err := o.publisher.PublishPost(ctx, author, post)
	if err != nil {
		return models.TaskResult{}, fmt.Errorf("publish post: %w", err)
	}

	record := o.dedup.Record(c.ID, postID, post, verdict.Fingerprint, o.clock.Now())
	if err := o.history.AppendHistory(ctx, record); err != nil {
		return models.TaskResult{}, fmt.Errorf("append history for post %s: %w", postID, err)
	}
	if o.cfg.HistoryRetention > 0 {
		if removed, err := o.history.PruneHistory(ctx, c.ID, o.cfg.HistoryRetention); err != nil {
			o.logger.Warn("Failed to prune history", zap.Error(err), zap.String("character_id", c.ID))
		} else if removed > 0 {
			o.logger.Debug("Pruned history", zap.String("character_id", c.ID), zap.Int("removed", removed))
		}
	}

	if o.images != nil && post.ImageHint != "" {
		o.images.Submit(media.Job{PostID: postID, Author: author, Hint: post.ImageHint})
	}

	o.logger.Info("Published post",
		zap.String("character_id", c.ID),
		zap.String("post_id", postID),
		zap.String("category", post.Category),
		zap.String("outcome", string(outcome)),
		zap.Int("attempts", attempts))

	return models.TaskResult{
		Outcome:    outcome,
		PostID:     postID,
		Category:   post.Category,
		Attempts:   attempts,
		Similarity: verdict.Score,
	}, nil
}

// pickCategory returns a random category other than current when there is a choice.
func pickCategory(categories []string, current string) string {
	if len(categories) == 0 {
		return "daily"
	}
	others := make([]string, 0, len(categories))
	for _, c := range categories {
		if c != current {
			others = append(others, c)
		}
	}
	if len(others) == 0 {
		return current
	}
	return others[rand.IntN(len(others))]
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
