// Package dedup scores new posts against a character's history and proposes
// fresh topics when a post is too close to something already published.
package dedup

import (
	"time"

	"github.com/xaenox/persona-bot/internal/models"
)

type Config struct {
	// A candidate scoring above Threshold against any recent record is a duplicate.
	Threshold      float64
	HistoryWindow  int
	KeywordWeight  float64
	MaxKeywords    int
	SummaryLength  int
	MaxSuggestions int
}

func DefaultConfig() Config {
	return Config{
		Threshold:      0.7,
		HistoryWindow:  20,
		KeywordWeight:  0.7,
		MaxKeywords:    15,
		SummaryLength:  200,
		MaxSuggestions: 3,
	}
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.KeywordWeight <= 0 {
		cfg.KeywordWeight = def.KeywordWeight
	}
	if cfg.MaxKeywords <= 0 {
		cfg.MaxKeywords = def.MaxKeywords
	}
	if cfg.SummaryLength <= 0 {
		cfg.SummaryLength = def.SummaryLength
	}
	if cfg.MaxSuggestions <= 0 {
		cfg.MaxSuggestions = def.MaxSuggestions
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Config() Config { return e.cfg }

// Fingerprint extracts the keywords and summary of a generated post.
func (e *Engine) Fingerprint(post models.GeneratedPost) Fingerprint {
	return Fingerprint{
		Keywords: ExtractKeywords(post.Title, post.Body, post.Tags, e.cfg.MaxKeywords),
		Summary:  Summarize(post.Body, e.cfg.SummaryLength),
	}
}

// Verdict is the outcome of comparing one candidate with a history.
type Verdict struct {
	Duplicate   bool
	Score       float64
	Match       *models.PostHistoryRecord
	Suggestions []string
	Fingerprint Fingerprint
}

// Check compares post with the most recent records of history (newest first)
// and proposes topics when the best match exceeds the threshold.
func (e *Engine) Check(post models.GeneratedPost, history []*models.PostHistoryRecord, now time.Time) Verdict {
	fp := e.Fingerprint(post)
	v := Verdict{Fingerprint: fp}

	recent := history
	if len(recent) > e.cfg.HistoryWindow {
		recent = recent[:e.cfg.HistoryWindow]
	}
	for _, rec := range recent {
		score := Similarity(fp, Fingerprint{Keywords: rec.Keywords, Summary: rec.ContentSummary}, e.cfg.KeywordWeight)
		if v.Match == nil || score > v.Score {
			v.Score = score
			v.Match = rec
		}
	}

	v.Duplicate = v.Score > e.cfg.Threshold
	if v.Duplicate {
		v.Suggestions = Suggest(post.Category, recent, now, e.cfg.MaxSuggestions)
	}
	return v
}

// Record builds the history record for a published post.
func (e *Engine) Record(characterID, postID string, post models.GeneratedPost, fp Fingerprint, now time.Time) *models.PostHistoryRecord {
	return &models.PostHistoryRecord{
		CharacterID:    characterID,
		PostID:         postID,
		Title:          post.Title,
		ContentSummary: fp.Summary,
		Keywords:       fp.Keywords,
		Category:       post.Category,
		Tags:           post.Tags,
		CreatedAt:      now,
	}
}
