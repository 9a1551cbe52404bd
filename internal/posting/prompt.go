package posting

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xaenox/persona-bot/internal/generator"
	"github.com/xaenox/persona-bot/internal/models"
)

func buildPrompt(c *models.Character, category, topic string, suggestions []string) string {
	var b strings.Builder
	if c.SystemPrompt != "" {
		b.WriteString(c.SystemPrompt)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "You are %s. Write in a %s tone.", c.Name, c.Tone)
	if c.Style != "" {
		fmt.Fprintf(&b, " Style: %s.", c.Style)
	}
	fmt.Fprintf(&b, "\nWrite one short social post in the category %q.", category)
	if topic != "" {
		fmt.Fprintf(&b, "\nTopic: %s.", topic)
	}
	if len(suggestions) > 0 {
		b.WriteString("\nYour last draft repeated something you already posted. Write about something new, for example:")
		for _, s := range suggestions {
			fmt.Fprintf(&b, "\n- %s", s)
		}
	}
	b.WriteString(`

Return the response as a JSON object with this structure:
{
    "title": "short title",
    "content": "post body, under 600 characters",
    "tags": ["tag1", "tag2"],
    "excerpt": "one sentence summary",
    "image_hint": "two or three words describing a fitting photo"
}`)
	return b.String()
}

// parsePost turns a generator answer into a post. Answers without a usable
// title and body count as a failed generation.
func parsePost(raw, category string) (models.GeneratedPost, error) {
	var post models.GeneratedPost
	if err := json.Unmarshal([]byte(generator.ExtractJSON(raw)), &post); err != nil {
		return models.GeneratedPost{}, fmt.Errorf("%w: unparseable post: %v", generator.ErrGeneration, err)
	}
	post.Title = strings.TrimSpace(post.Title)
	post.Body = strings.TrimSpace(post.Body)
	if post.Title == "" || post.Body == "" {
		return models.GeneratedPost{}, fmt.Errorf("%w: post without title or content", generator.ErrGeneration)
	}
	post.Category = category
	return post, nil
}
