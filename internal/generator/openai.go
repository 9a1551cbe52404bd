package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

type OpenAIGenerator struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// NewOpenAIGenerator builds a chat-completion generator. An empty baseURL uses the OpenAI API.
func NewOpenAIGenerator(apiKey, baseURL, model string, logger *zap.Logger) *OpenAIGenerator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger,
	}
}

var _ Generator = (*OpenAIGenerator)(nil)

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	resp, err := g.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: g.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
			MaxTokens:   maxTokens,
			Temperature: float32(temperature),
		},
	)
	if err != nil {
		g.logger.Error("Failed to get OpenAI response", zap.Error(err), zap.String("model", g.model))
		return "", fmt.Errorf("%w: openai: %w", ErrGeneration, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: openai returned no choices", ErrGeneration)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
