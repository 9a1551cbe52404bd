package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type TaskKind string

const (
	TaskKindPosting TaskKind = "posting"
	TaskKindChat    TaskKind = "chat"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is a unit of deferred work. Payload is either PostingPayload or ChatPayload.
type Task struct {
	ID          string      `json:"id"`
	CharacterID string      `json:"character_id"`
	ScheduledAt time.Time   `json:"scheduled_at"`
	Status      TaskStatus  `json:"status"`
	Payload     TaskPayload `json:"-"`
	Result      *TaskResult `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Kind returns the kind of the task payload.
func (t *Task) Kind() TaskKind {
	if t.Payload == nil {
		return ""
	}
	return t.Payload.Kind()
}

// TaskPayload is the closed set of task variants.
type TaskPayload interface {
	Kind() TaskKind
	isTaskPayload()
}

type PostingPayload struct {
	Category string `json:"category,omitempty"`
	Topic    string `json:"topic,omitempty"`
}

func (PostingPayload) Kind() TaskKind { return TaskKindPosting }
func (PostingPayload) isTaskPayload() {}

type ChatPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserMessage    string `json:"user_message"`
}

func (ChatPayload) Kind() TaskKind { return TaskKindChat }
func (ChatPayload) isTaskPayload() {}

// EncodePayload serializes a payload for storage.
func EncodePayload(p TaskPayload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("task payload is nil")
	}
	return json.Marshal(p)
}

// DecodePayload restores a payload stored under kind.
func DecodePayload(kind TaskKind, data []byte) (TaskPayload, error) {
	switch kind {
	case TaskKindPosting:
		var p PostingPayload
		if len(data) > 0 {
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, fmt.Errorf("decode posting payload: %w", err)
			}
		}
		return p, nil
	case TaskKindChat:
		var p ChatPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode chat payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}
}

type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeFallback  Outcome = "fallback"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeReplied   Outcome = "replied"
	OutcomeFiller    Outcome = "filler"
)

// TaskResult is what a completed task leaves behind for audit and stats.
type TaskResult struct {
	Outcome    Outcome `json:"outcome"`
	PostID     string  `json:"post_id,omitempty"`
	MessageID  string  `json:"message_id,omitempty"`
	Category   string  `json:"category,omitempty"`
	Attempts   int     `json:"attempts,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}
