// Package media attaches illustrative images to already published posts.
// Work is best effort: failures never touch the post itself.
package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/persona-bot/internal/models"
)

type ImageFetcher interface {
	FetchAndStore(ctx context.Context, hint string) (string, error)
}

type Attacher interface {
	AttachImage(ctx context.Context, author models.Author, postID, url string) error
}

type Job struct {
	PostID string
	Author models.Author
	Hint   string
}

// DeadLetter is a job that exhausted its retries.
type DeadLetter struct {
	Job      Job
	Attempts int
	Err      string
	At       time.Time
}

type PoolConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration
}

const maxDeadLetters = 100

var errQueueFull = errors.New("image queue full")

type Pool struct {
	cfg     PoolConfig
	images  ImageFetcher
	attach  Attacher
	logger  *zap.Logger
	jobs    chan Job
	wg      sync.WaitGroup
	mu      sync.Mutex
	letters []DeadLetter
}

func NewPool(cfg PoolConfig, images ImageFetcher, attach Attacher, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Pool{
		cfg:    cfg,
		images: images,
		attach: attach,
		logger: logger,
		jobs:   make(chan Job, cfg.QueueSize),
	}
}

// Submit queues a job without blocking. A full queue dead-letters the job.
func (p *Pool) Submit(job Job) {
	select {
	case p.jobs <- job:
	default:
		p.deadLetter(job, 0, errQueueFull)
	}
}

// Run processes jobs until ctx is cancelled, then dead-letters whatever is
// still queued.
func (p *Pool) Run(ctx context.Context) error {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(ctx)
		}()
	}
	<-ctx.Done()
	p.wg.Wait()

	for {
		select {
		case job := <-p.jobs:
			p.deadLetter(job, 0, ctx.Err())
		default:
			return nil
		}
	}
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.process(ctx, job)
		}
	}
}

func (p *Pool) process(ctx context.Context, job Job) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if attempt > 1 && !sleepWithContext(ctx, p.cfg.Backoff*time.Duration(attempt-1)) {
			lastErr = ctx.Err()
			break
		}
		lastErr = p.try(ctx, job)
		if lastErr == nil {
			p.logger.Info("Attached image to post",
				zap.String("post_id", job.PostID),
				zap.String("character_id", job.Author.CharacterID),
				zap.Int("attempt", attempt))
			return
		}
		p.logger.Warn("Image attempt failed",
			zap.Error(lastErr),
			zap.String("post_id", job.PostID),
			zap.Int("attempt", attempt))
	}
	p.deadLetter(job, p.cfg.MaxAttempts, lastErr)
}

func (p *Pool) try(ctx context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	url, err := p.images.FetchAndStore(ctx, job.Hint)
	if err != nil {
		return err
	}
	return p.attach.AttachImage(ctx, job.Author, job.PostID, url)
}

func (p *Pool) deadLetter(job Job, attempts int, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	p.logger.Error("Image job dead-lettered",
		zap.String("post_id", job.PostID),
		zap.String("character_id", job.Author.CharacterID),
		zap.String("hint", job.Hint),
		zap.Int("attempts", attempts),
		zap.String("error", msg))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.letters = append(p.letters, DeadLetter{Job: job, Attempts: attempts, Err: msg, At: time.Now()})
	if len(p.letters) > maxDeadLetters {
		p.letters = p.letters[len(p.letters)-maxDeadLetters:]
	}
}

// DeadLetters returns the most recent dead-lettered jobs, oldest first.
func (p *Pool) DeadLetters() []DeadLetter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]DeadLetter(nil), p.letters...)
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
