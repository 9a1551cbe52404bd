package models

import "time"

// GeneratedPost is the parsed output of one content generation call.
type GeneratedPost struct {
	Title     string   `json:"title"`
	Body      string   `json:"content"`
	Category  string   `json:"category"`
	Tags      []string `json:"tags"`
	Excerpt   string   `json:"excerpt"`
	ImageHint string   `json:"image_hint,omitempty"`
}

// PostHistoryRecord is written once per published post and never updated.
type PostHistoryRecord struct {
	ID             string    `json:"id"`
	CharacterID    string    `json:"character_id"`
	PostID         string    `json:"post_id"`
	Title          string    `json:"title"`
	ContentSummary string    `json:"content_summary"`
	Keywords       []string  `json:"keywords"`
	Category       string    `json:"category"`
	Tags           []string  `json:"tags"`
	CreatedAt      time.Time `json:"created_at"`
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleCharacter MessageRole = "character"
)

// ConversationMessage is one message of a conversation a character takes part in.
type ConversationMessage struct {
	ConversationID string      `json:"conversation_id"`
	MessageID      string      `json:"message_id"`
	CharacterID    string      `json:"character_id"`
	Role           MessageRole `json:"role"`
	Author         string      `json:"author"`
	Text           string      `json:"text"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ChatReplyRecord is the commit record of one chat reply; daily chat counts aggregate these.
type ChatReplyRecord struct {
	ID             string    `json:"id"`
	CharacterID    string    `json:"character_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	TaskID         string    `json:"task_id"`
	Filler         bool      `json:"filler"`
	CreatedAt      time.Time `json:"created_at"`
}
