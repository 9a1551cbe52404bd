package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xaenox/persona-bot/internal/admin"
	"github.com/xaenox/persona-bot/internal/bot"
	"github.com/xaenox/persona-bot/internal/chat"
	"github.com/xaenox/persona-bot/internal/dedup"
	"github.com/xaenox/persona-bot/internal/generator"
	"github.com/xaenox/persona-bot/internal/media"
	"github.com/xaenox/persona-bot/internal/posting"
	"github.com/xaenox/persona-bot/internal/scheduler"
	"github.com/xaenox/persona-bot/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, the bot and the image workers",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

type publisher interface {
	posting.Publisher
	chat.Publisher
	media.Attacher
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()
	cfg, logger := a.cfg, a.logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gen, err := newGenerator(ctx, cfg, logger)
	if err != nil {
		return err
	}

	gate := chat.NewGate(a.store, a.limiter, a.clock, logger)
	adminService := admin.NewService(a.store, a.limiter, logger)

	var (
		pub   publisher
		tgBot *bot.Bot
	)
	if cfg.Telegram.Token != "" {
		tgBot, err = bot.New(cfg.Telegram.Token, cfg.Telegram.Debug, bot.NewRouter(a.store, gate, logger), adminService, cfg.Telegram.AdminIDs, logger)
		if err != nil {
			return err
		}
		pub = tgBot
	} else {
		logger.Warn("No Telegram token configured, publishing to the log only")
		pub = bot.NewLogPublisher(logger)
	}

	pool, err := newImagePool(ctx, cfg, pub, logger)
	if err != nil {
		return err
	}
	var images posting.ImageQueue
	if pool != nil {
		images = pool
	}

	engine := dedup.NewEngine(dedup.Config{
		Threshold:      cfg.Dedup.Threshold,
		HistoryWindow:  cfg.Dedup.HistoryWindow,
		KeywordWeight:  cfg.Dedup.KeywordWeight,
		MaxKeywords:    cfg.Dedup.MaxKeywords,
		SummaryLength:  cfg.Dedup.SummaryLength,
		MaxSuggestions: cfg.Dedup.MaxSuggestions,
	})
	orchestrator := posting.NewOrchestrator(posting.Config{
		MaxAttempts:       cfg.Posting.MaxAttempts,
		BackoffBase:       cfg.Posting.BackoffBase,
		GenerationTimeout: cfg.Posting.GenerationTimeout,
		MaxTokens:         cfg.Posting.MaxTokens,
		Temperature:       cfg.Posting.Temperature,
		HistoryRetention:  cfg.Posting.HistoryRetention,
	}, gen, engine, a.limiter, a.store, pub, images, a.clock, logger)
	executor := chat.NewExecutor(chat.Config{
		ContextWindow:     cfg.Chat.ContextWindow,
		GenerationTimeout: cfg.Chat.GenerationTimeout,
		MaxTokens:         cfg.Chat.MaxTokens,
		Temperature:       cfg.Chat.Temperature,
		MaxReplyLength:    cfg.Chat.MaxReplyLength,
	}, gen, a.limiter, a.store, pub, a.clock, logger)
	sched := scheduler.New(scheduler.Config{
		PostingTick: cfg.Scheduler.PostingTick,
		ChatTick:    cfg.Scheduler.ChatTick,
		BatchSize:   cfg.Scheduler.BatchSize,
		TaskTimeout: cfg.Scheduler.TaskTimeout,
		RearmJitter: cfg.Scheduler.RearmJitter,
	}, a.store, a.limiter, orchestrator, executor, a.clock, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	if pool != nil {
		g.Go(func() error { return pool.Run(ctx) })
	}
	if tgBot != nil {
		g.Go(func() error { return tgBot.Start(ctx) })
	}

	logger.Info("Persona engine running")
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Persona engine stopped")
	return nil
}

func newGenerator(ctx context.Context, cfg *config.Config, logger *zap.Logger) (generator.Generator, error) {
	var gens []generator.Generator
	if cfg.Gemini.APIKey != "" && len(cfg.Gemini.Models) > 0 {
		models := make([]generator.GeminiModel, 0, len(cfg.Gemini.Models))
		for _, m := range cfg.Gemini.Models {
			models = append(models, generator.GeminiModel{Name: m.Name, RPM: m.RPM, RPD: m.RPD})
		}
		gemini, err := generator.NewGeminiGenerator(ctx, cfg.Gemini.APIKey, models, logger)
		if err != nil {
			return nil, err
		}
		gens = append(gens, gemini)
	}
	if cfg.OpenAI.APIKey != "" {
		gens = append(gens, generator.NewOpenAIGenerator(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, logger))
	}
	if len(gens) == 0 {
		logger.Warn("No generator configured, every post will use a template and every reply a filler")
	}
	return generator.NewChain(logger, gens...), nil
}

func newImagePool(ctx context.Context, cfg *config.Config, attacher media.Attacher, logger *zap.Logger) (*media.Pool, error) {
	if !cfg.Image.Enabled {
		return nil, nil
	}
	if cfg.Image.SourceURL == "" {
		return nil, fmt.Errorf("image.source_url is required when images are enabled")
	}

	var store media.ObjectStore
	if cfg.Image.S3.Bucket != "" {
		s3Store, err := media.NewS3Store(ctx, media.S3Config{
			Bucket:        cfg.Image.S3.Bucket,
			Region:        cfg.Image.S3.Region,
			Endpoint:      cfg.Image.S3.Endpoint,
			PublicBaseURL: cfg.Image.S3.PublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		store = s3Store
	} else {
		diskStore, err := media.NewDiskStore(cfg.Image.Dir, cfg.Image.BaseURL)
		if err != nil {
			return nil, err
		}
		store = diskStore
	}

	fetcher := media.NewFetcher(&http.Client{Timeout: cfg.Image.Timeout}, cfg.Image.SourceURL, store)
	return media.NewPool(media.PoolConfig{
		Workers:     cfg.Image.Workers,
		QueueSize:   cfg.Image.QueueSize,
		MaxAttempts: cfg.Image.MaxAttempts,
		Backoff:     cfg.Image.Backoff,
		Timeout:     cfg.Image.Timeout,
	}, fetcher, attacher, logger), nil
}
