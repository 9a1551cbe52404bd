package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/xaenox/persona-bot/internal/chat"
	"github.com/xaenox/persona-bot/internal/storage"
)

type Gate interface {
	Handle(ctx context.Context, msg chat.IncomingMessage) (chat.Decision, error)
}

// Inbound is a platform message reduced to what routing needs.
type Inbound struct {
	ChatID    int64
	MessageID int
	From      string
	Text      string
}

// Router hands messages that mention a character's handle to the gate.
type Router struct {
	store  storage.CharacterStorage
	gate   Gate
	logger *zap.Logger
}

func NewRouter(store storage.CharacterStorage, gate Gate, logger *zap.Logger) *Router {
	return &Router{store: store, gate: gate, logger: logger}
}

// Route returns one decision per mentioned active character.
func (r *Router) Route(ctx context.Context, in Inbound) ([]chat.Decision, error) {
	handles := mentions(in.Text)
	if len(handles) == 0 {
		return nil, nil
	}
	characters, err := r.store.ListActiveCharacters(ctx)
	if err != nil {
		return nil, err
	}

	var (
		decisions []chat.Decision
		errs      []error
	)
	for _, c := range characters {
		if c.Handle == "" || !handles[strings.ToLower(c.Handle)] {
			continue
		}
		d, err := r.gate.Handle(ctx, chat.IncomingMessage{
			CharacterID:    c.ID,
			ConversationID: strconv.FormatInt(in.ChatID, 10),
			MessageID:      strconv.Itoa(in.MessageID),
			Author:         in.From,
			Text:           in.Text,
		})
		if err != nil {
			r.logger.Error("Failed to handle mention",
				zap.Error(err),
				zap.String("character_id", c.ID),
				zap.Int64("chat_id", in.ChatID))
			errs = append(errs, err)
			continue
		}
		decisions = append(decisions, d)
	}
	return decisions, errors.Join(errs...)
}

// mentions returns the lowercased @handles found in text.
func mentions(text string) map[string]bool {
	found := map[string]bool{}
	for _, word := range strings.Fields(text) {
		if !strings.HasPrefix(word, "@") {
			continue
		}
		handle := strings.TrimRightFunc(word[1:], func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
		})
		if handle != "" {
			found[strings.ToLower(handle)] = true
		}
	}
	return found
}
