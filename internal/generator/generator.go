// Package generator wraps text-completion backends behind a single call.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ErrGeneration marks any failed or timed-out completion call.
var ErrGeneration = errors.New("generation failed")

type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	return f(ctx, prompt, maxTokens, temperature)
}

// Chain tries each generator in order and returns the first non-empty answer.
type Chain struct {
	generators []Generator
	logger     *zap.Logger
}

func NewChain(logger *zap.Logger, generators ...Generator) *Chain {
	return &Chain{generators: generators, logger: logger}
}

func (c *Chain) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	if len(c.generators) == 0 {
		return "", fmt.Errorf("%w: no generator configured", ErrGeneration)
	}
	var errs []error
	for i, g := range c.generators {
		text, err := g.Generate(ctx, prompt, maxTokens, temperature)
		if err == nil && strings.TrimSpace(text) != "" {
			return text, nil
		}
		if err == nil {
			err = fmt.Errorf("%w: empty completion", ErrGeneration)
		}
		c.logger.Warn("Generator failed, trying next",
			zap.Int("index", i),
			zap.Error(err))
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("%w: all generators failed: %w", ErrGeneration, errors.Join(errs...))
}

// ExtractJSON returns the outermost JSON object in an LLM answer, dropping
// code fences and surrounding chatter.
func ExtractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end > start {
			return s[start : end+1]
		}
	}
	return strings.TrimSpace(s)
}
