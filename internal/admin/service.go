// Package admin is the only externally triggered way to change characters.
package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/persona-bot/internal/dedup"
	"github.com/xaenox/persona-bot/internal/models"
	"github.com/xaenox/persona-bot/internal/ratelimit"
	"github.com/xaenox/persona-bot/internal/storage"
)

var (
	ErrInvalidCharacter = errors.New("invalid character")
	ErrAlreadyExists    = errors.New("character already exists")
)

type Service struct {
	store   storage.CharacterStorage
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

func NewService(store storage.CharacterStorage, limiter *ratelimit.Limiter, logger *zap.Logger) *Service {
	return &Service{store: store, limiter: limiter, logger: logger}
}

// Create stores a new character. A missing ID is generated.
func (s *Service) Create(ctx context.Context, c *models.Character) (*models.Character, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	normalize(c)
	if err := Validate(c); err != nil {
		return nil, err
	}
	if _, err := s.store.GetCharacter(ctx, c.ID); err == nil {
		return nil, fmt.Errorf("%s: %w", c.ID, ErrAlreadyExists)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	s.warnUnknownCategories(c)
	if err := s.store.SaveCharacter(ctx, c); err != nil {
		return nil, fmt.Errorf("save character: %w", err)
	}
	s.logger.Info("Created character", zap.String("character_id", c.ID), zap.String("name", c.Name))
	return c, nil
}

// Update replaces an existing character.
func (s *Service) Update(ctx context.Context, c *models.Character) (*models.Character, error) {
	if _, err := s.store.GetCharacter(ctx, c.ID); err != nil {
		return nil, err
	}
	normalize(c)
	if err := Validate(c); err != nil {
		return nil, err
	}
	s.warnUnknownCategories(c)
	if err := s.store.SaveCharacter(ctx, c); err != nil {
		return nil, fmt.Errorf("save character: %w", err)
	}
	s.logger.Info("Updated character", zap.String("character_id", c.ID))
	return c, nil
}

// Apply creates c or updates it when a character with its ID exists.
func (s *Service) Apply(ctx context.Context, c *models.Character) (*models.Character, error) {
	if c.ID != "" {
		if _, err := s.store.GetCharacter(ctx, c.ID); err == nil {
			return s.Update(ctx, c)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	return s.Create(ctx, c)
}

func (s *Service) Get(ctx context.Context, id string) (*models.Character, error) {
	return s.store.GetCharacter(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*models.Character, error) {
	return s.store.ListCharacters(ctx)
}

// SetStatus activates or deactivates a character. Characters are never deleted.
func (s *Service) SetStatus(ctx context.Context, id string, status models.CharacterStatus) (*models.Character, error) {
	if status != models.StatusActive && status != models.StatusInactive {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidCharacter, status)
	}
	c, err := s.store.GetCharacter(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == status {
		return c, nil
	}
	c.Status = status
	if err := s.store.SaveCharacter(ctx, c); err != nil {
		return nil, fmt.Errorf("save character: %w", err)
	}
	s.logger.Info("Changed character status",
		zap.String("character_id", id),
		zap.String("status", string(status)))
	return c, nil
}

// Stats returns today's activity of a character against its caps.
func (s *Service) Stats(ctx context.Context, id string) (ratelimit.Usage, error) {
	c, err := s.store.GetCharacter(ctx, id)
	if err != nil {
		return ratelimit.Usage{}, err
	}
	return s.limiter.Usage(ctx, c)
}

// warnUnknownCategories flags categories that only get general topic suggestions.
func (s *Service) warnUnknownCategories(c *models.Character) {
	known := dedup.Categories()
	for _, cat := range c.Categories {
		i := sort.SearchStrings(known, cat)
		if i == len(known) || known[i] != cat {
			s.logger.Warn("Category has no topic pool, suggestions will be generic",
				zap.String("character_id", c.ID),
				zap.String("category", cat),
				zap.Strings("known", known))
		}
	}
}

func normalize(c *models.Character) {
	c.Name = strings.TrimSpace(c.Name)
	c.Handle = strings.TrimPrefix(strings.TrimSpace(c.Handle), "@")
	if c.Tone == "" {
		c.Tone = models.ToneFriendly
	}
	if c.Status == "" {
		c.Status = models.StatusActive
	}
	categories := c.Categories[:0]
	for _, cat := range c.Categories {
		if cat = strings.ToLower(strings.TrimSpace(cat)); cat != "" {
			categories = append(categories, cat)
		}
	}
	c.Categories = categories
}

// Validate checks a character's policies.
func Validate(c *models.Character) error {
	var problems []string
	if c.ID == "" {
		problems = append(problems, "id is required")
	}
	if c.Name == "" {
		problems = append(problems, "name is required")
	}
	if !c.Tone.Valid() {
		problems = append(problems, fmt.Sprintf("unknown tone %q", c.Tone))
	}
	if c.Status != models.StatusActive && c.Status != models.StatusInactive {
		problems = append(problems, fmt.Sprintf("unknown status %q", c.Status))
	}
	if c.Posting.Enabled {
		if c.Posting.IntervalHours < 1 {
			problems = append(problems, "posting.interval_hours must be at least 1")
		}
		if len(c.Categories) == 0 {
			problems = append(problems, "posting needs at least one category")
		}
	}
	if c.Posting.DailyLimit < 0 || c.Chat.DailyLimit < 0 {
		problems = append(problems, "daily limits must not be negative")
	}
	if h := c.Chat.ActiveHours; h.Start < 0 || h.Start > 23 || h.End < 0 || h.End > 23 {
		problems = append(problems, "chat.active_hours must be within 0..23")
	}
	if c.Chat.MinDelay < 0 || c.Chat.MaxDelay < c.Chat.MinDelay {
		problems = append(problems, "chat delays must satisfy 0 <= min_delay <= max_delay")
	}
	if c.Chat.Enabled && c.Handle == "" {
		problems = append(problems, "chat needs a handle")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidCharacter, strings.Join(problems, "; "))
	}
	return nil
}
