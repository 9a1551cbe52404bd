package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/persona-bot/internal/models"
)

// PublishPost sends post to the author's channel. The returned id is "chatID:messageID".
func (b *Bot) PublishPost(ctx context.Context, author models.Author, post models.GeneratedPost) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg, err := newChannelMessage(author.Channel, formatPost(post))
	if err != nil {
		return "", err
	}
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	sent, err := b.api.Send(msg)
	if err != nil {
		return "", fmt.Errorf("send post to %s: %w", author.Channel, err)
	}
	return formatPostID(sent.Chat.ID, sent.MessageID), nil
}

// PublishReply answers replyTo inside the conversation, which is a chat id.
func (b *Bot) PublishReply(ctx context.Context, conversationID string, author models.Author, text, replyTo string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid conversation id %q: %w", conversationID, err)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if id, err := strconv.Atoi(replyTo); err == nil {
		msg.ReplyToMessageID = id
	}

	sent, err := b.api.Send(msg)
	if err != nil {
		return "", fmt.Errorf("send reply to %d: %w", chatID, err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// AttachImage posts the image as a reply to the published post.
func (b *Bot) AttachImage(ctx context.Context, author models.Author, postID, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, messageID, err := parsePostID(postID)
	if err != nil {
		return err
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(url))
	photo.ReplyToMessageID = messageID
	if _, err := b.api.Send(photo); err != nil {
		return fmt.Errorf("send image for post %s: %w", postID, err)
	}
	b.logger.Debug("Sent post image", zap.String("post_id", postID), zap.String("character_id", author.CharacterID))
	return nil
}

// newChannelMessage addresses a numeric chat id or an @channel username.
func newChannelMessage(channel, text string) (tgbotapi.MessageConfig, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return tgbotapi.MessageConfig{}, fmt.Errorf("character has no channel")
	}
	if id, err := strconv.ParseInt(channel, 10, 64); err == nil {
		return tgbotapi.NewMessage(id, text), nil
	}
	if !strings.HasPrefix(channel, "@") {
		channel = "@" + channel
	}
	return tgbotapi.NewMessageToChannel(channel, text), nil
}

func formatPost(post models.GeneratedPost) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n\n%s", escapeMarkdown(post.Title), escapeMarkdown(post.Body))
	if len(post.Tags) > 0 {
		tags := make([]string, 0, len(post.Tags))
		for _, tag := range post.Tags {
			tag = strings.TrimPrefix(strings.TrimSpace(tag), "#")
			if tag == "" {
				continue
			}
			tags = append(tags, escapeMarkdown("#"+strings.ReplaceAll(tag, " ", "_")))
		}
		if len(tags) > 0 {
			b.WriteString("\n\n")
			b.WriteString(strings.Join(tags, " "))
		}
	}
	return b.String()
}

func formatPostID(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

func parsePostID(postID string) (int64, int, error) {
	chatPart, msgPart, ok := strings.Cut(postID, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed post id %q", postID)
	}
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed post id %q: %w", postID, err)
	}
	messageID, err := strconv.Atoi(msgPart)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed post id %q: %w", postID, err)
	}
	return chatID, messageID, nil
}

// escapeMarkdown escapes the characters MarkdownV2 treats as markup.
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}
