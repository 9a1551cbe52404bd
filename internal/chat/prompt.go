package chat

import (
	"fmt"
	"strings"

	"github.com/xaenox/persona-bot/internal/models"
)

func buildPrompt(c *models.Character, history []*models.ConversationMessage, p models.ChatPayload) string {
	var b strings.Builder
	if c.SystemPrompt != "" {
		b.WriteString(c.SystemPrompt)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "You are %s, chatting in a %s tone.", c.Name, c.Tone)
	if c.Style != "" {
		fmt.Fprintf(&b, " Style: %s.", c.Style)
	}
	b.WriteString("\n\nConversation so far:\n")

	seen := false
	for _, m := range history {
		writeLine(&b, c, m.Role, m.Author, m.Text)
		if m.MessageID == p.MessageID && m.Role == models.RoleUser {
			seen = true
		}
	}
	if !seen {
		writeLine(&b, c, models.RoleUser, "", p.UserMessage)
	}

	b.WriteString("\nReply to the last message in one or two sentences. Answer with the reply text only.")
	return b.String()
}

func writeLine(b *strings.Builder, c *models.Character, role models.MessageRole, author, text string) {
	name := author
	if role == models.RoleCharacter {
		name = c.Name
	}
	if name == "" {
		name = "user"
	}
	fmt.Fprintf(b, "%s: %s\n", name, text)
}
