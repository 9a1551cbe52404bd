package generator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GeminiModel is one model of the fallback list with its request budget.
// Zero RPM or RPD means unlimited.
type GeminiModel struct {
	Name string
	RPM  int
	RPD  int
}

// GeminiGenerator walks its model list, skipping models whose per-minute or
// per-day budget is spent or which answer with a quota error.
type GeminiGenerator struct {
	client *genai.Client
	models []GeminiModel
	logger *zap.Logger
	now    func() time.Time

	mu           sync.Mutex
	dailyCount   map[string]int
	minuteCount  map[string]int
	lastResetDay time.Time
	lastResetMin time.Time
}

func NewGeminiGenerator(ctx context.Context, apiKey string, models []GeminiModel, logger *zap.Logger) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("at least one gemini model is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	now := time.Now()
	return &GeminiGenerator{
		client:       client,
		models:       models,
		logger:       logger,
		now:          time.Now,
		dailyCount:   make(map[string]int),
		minuteCount:  make(map[string]int),
		lastResetDay: now,
		lastResetMin: now,
	}, nil
}

var _ Generator = (*GeminiGenerator)(nil)

func (g *GeminiGenerator) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
		Temperature:     genai.Ptr(float32(temperature)),
	}

	var lastErr error
	for _, model := range g.models {
		if !g.canUseModel(model) {
			continue
		}
		result, err := g.client.Models.GenerateContent(ctx, model.Name, genai.Text(prompt), config)
		if err != nil {
			if isQuotaError(err) {
				g.logger.Warn("Gemini model unavailable, falling back",
					zap.String("model", model.Name),
					zap.Error(err))
				lastErr = err
				continue
			}
			return "", fmt.Errorf("%w: gemini %s: %w", ErrGeneration, model.Name, err)
		}
		g.recordUsage(model)
		if text := strings.TrimSpace(result.Text()); text != "" {
			return text, nil
		}
		lastErr = fmt.Errorf("empty completion from %s", model.Name)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("request budget exhausted for all models")
	}
	return "", fmt.Errorf("%w: gemini: %w", ErrGeneration, lastErr)
}

func isQuotaError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "exhausted", "404", "not found"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (g *GeminiGenerator) canUseModel(model GeminiModel) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.YearDay() != g.lastResetDay.YearDay() || now.Year() != g.lastResetDay.Year() {
		g.dailyCount = make(map[string]int)
		g.lastResetDay = now
	}
	if now.Sub(g.lastResetMin) >= time.Minute {
		g.minuteCount = make(map[string]int)
		g.lastResetMin = now
	}
	if model.RPD > 0 && g.dailyCount[model.Name] >= model.RPD {
		return false
	}
	if model.RPM > 0 && g.minuteCount[model.Name] >= model.RPM {
		return false
	}
	return true
}

func (g *GeminiGenerator) recordUsage(model GeminiModel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dailyCount[model.Name]++
	g.minuteCount[model.Name]++
}
