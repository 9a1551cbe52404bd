package bot

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/persona-bot/internal/models"
)

// LogPublisher writes posts and replies to the log instead of a platform.
// It backs dry runs when no bot token is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishPost(ctx context.Context, author models.Author, post models.GeneratedPost) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.New().String()
	p.logger.Info("Post (dry run)",
		zap.String("post_id", id),
		zap.String("character_id", author.CharacterID),
		zap.String("channel", author.Channel),
		zap.String("title", post.Title),
		zap.String("content", post.Body),
		zap.Strings("tags", post.Tags))
	return id, nil
}

func (p *LogPublisher) PublishReply(ctx context.Context, conversationID string, author models.Author, text, replyTo string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.New().String()
	p.logger.Info("Reply (dry run)",
		zap.String("message_id", id),
		zap.String("character_id", author.CharacterID),
		zap.String("conversation_id", conversationID),
		zap.String("reply_to", replyTo),
		zap.String("text", text))
	return id, nil
}

func (p *LogPublisher) AttachImage(ctx context.Context, author models.Author, postID, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.logger.Info("Image (dry run)",
		zap.String("post_id", postID),
		zap.String("character_id", author.CharacterID),
		zap.String("url", url))
	return nil
}
