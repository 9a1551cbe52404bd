package models

import "time"

type Tone string

const (
	ToneFriendly Tone = "friendly"
	ToneFormal   Tone = "formal"
	TonePlayful  Tone = "playful"
	ToneCalm     Tone = "calm"
)

// Valid reports whether t is one of the known tones.
func (t Tone) Valid() bool {
	switch t {
	case ToneFriendly, ToneFormal, TonePlayful, ToneCalm:
		return true
	}
	return false
}

type CharacterStatus string

const (
	StatusActive   CharacterStatus = "active"
	StatusInactive CharacterStatus = "inactive"
)

// Character is an autonomous actor that posts and chats on its own cadence.
type Character struct {
	ID           string          `json:"id" yaml:"id"`
	Name         string          `json:"name" yaml:"name"`
	Handle       string          `json:"handle" yaml:"handle"`
	Tone         Tone            `json:"tone" yaml:"tone"`
	Style        string          `json:"style" yaml:"style"`
	SystemPrompt string          `json:"system_prompt" yaml:"system_prompt"`
	Categories   []string        `json:"categories" yaml:"categories"`
	Channel      string          `json:"channel" yaml:"channel"`
	Posting      PostingPolicy   `json:"posting" yaml:"posting"`
	Chat         ChatPolicy      `json:"chat" yaml:"chat"`
	Status       CharacterStatus `json:"status" yaml:"status"`
	CreatedAt    time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time       `json:"updated_at" yaml:"-"`
}

type PostingPolicy struct {
	Enabled       bool `json:"enabled" yaml:"enabled"`
	IntervalHours int  `json:"interval_hours" yaml:"interval_hours"`
	DailyLimit    int  `json:"daily_limit" yaml:"daily_limit"`
}

// Interval returns the posting cadence as a duration.
func (p PostingPolicy) Interval() time.Duration {
	return time.Duration(p.IntervalHours) * time.Hour
}

type ChatPolicy struct {
	Enabled     bool        `json:"enabled" yaml:"enabled"`
	DailyLimit  int         `json:"daily_limit" yaml:"daily_limit"`
	ActiveHours ActiveHours `json:"active_hours" yaml:"active_hours"`
	// Reply delay bounds in seconds.
	MinDelay int `json:"min_delay" yaml:"min_delay"`
	MaxDelay int `json:"max_delay" yaml:"max_delay"`
}

// ActiveHours is a local-time window [Start, End). Start > End wraps past midnight.
type ActiveHours struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// Contains reports whether hour falls inside the window.
func (w ActiveHours) Contains(hour int) bool {
	switch {
	case w.Start == w.End:
		return true
	case w.Start < w.End:
		return hour >= w.Start && hour < w.End
	default:
		return hour >= w.Start || hour <= w.End
	}
}

// IsActive reports whether the character may be scheduled at all.
func (c *Character) IsActive() bool {
	return c.Status == StatusActive
}

// Author returns the publishing identity of the character.
func (c *Character) Author() Author {
	return Author{CharacterID: c.ID, DisplayName: c.Name, Channel: c.Channel}
}

// Author identifies who a post or reply is published as.
type Author struct {
	CharacterID string `json:"character_id"`
	DisplayName string `json:"display_name"`
	Channel     string `json:"channel"`
}
