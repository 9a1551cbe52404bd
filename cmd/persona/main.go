// Command persona runs autonomous posting and chatting characters.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xaenox/persona-bot/internal/clock"
	"github.com/xaenox/persona-bot/internal/ratelimit"
	"github.com/xaenox/persona-bot/internal/storage"
	"github.com/xaenox/persona-bot/pkg/config"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:           "persona",
	Short:         "Run autonomous characters that post and chat",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable development logging")
	rootCmd.AddCommand(serveCmd, characterCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app holds what every command needs.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   storage.Storage
	clock   clock.Clock
	limiter *ratelimit.Limiter
}

func setup() (*app, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	logger.Info("Opening storage", zap.String("driver", cfg.Database.Driver))
	store, err := storage.New(storage.DatabaseConfig{
		Driver:         cfg.Database.Driver,
		Host:           cfg.Database.Host,
		Port:           cfg.Database.Port,
		User:           cfg.Database.User,
		Password:       cfg.Database.Password,
		DBName:         cfg.Database.DBName,
		SSLMode:        cfg.Database.SSLMode,
		Path:           cfg.Database.Path,
		RequestTimeout: cfg.Database.RequestTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	clk := clock.New(loc)
	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		clock:   clk,
		limiter: ratelimit.New(store, clk),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close storage", zap.Error(err))
	}
	_ = a.logger.Sync()
}
