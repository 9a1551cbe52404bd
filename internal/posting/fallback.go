package posting

import (
	"fmt"
	"time"

	"github.com/xaenox/persona-bot/internal/models"
)

var fallbackSubjects = map[string]string{
	"daily":   "the little things today",
	"food":    "what I ate today",
	"study":   "today's study session",
	"hobby":   "time for my hobby",
	"travel":  "places I want to visit",
	"tech":    "something I tinkered with",
	"culture": "a story that stayed with me",
}

var fallbackBodies = map[models.Tone][]string{
	models.ToneFriendly: {
		"Just checking in about %s. Hope your day is going well too!",
		"Thinking about %s and smiling. What made you happy today?",
		"A quick note on %s. Take care of yourself, everyone!",
	},
	models.ToneFormal: {
		"A brief note on %s. Thank you for reading.",
		"Today I reflected on %s. I will share more soon.",
		"Some thoughts on %s will follow in a later post.",
	},
	models.TonePlayful: {
		"Guess who is thinking about %s again? Yep, me!",
		"Breaking news: %s is still the best. More soon!",
		"Plot twist of the day: %s. Stay tuned!",
	},
	models.ToneCalm: {
		"A quiet moment with %s. Breathing slowly.",
		"Letting the day settle around %s.",
		"Nothing special, just %s. That is enough.",
	},
}

// Fallback returns a locally written post for category in the character's
// tone. The same character, category and day always give the same post.
func Fallback(c *models.Character, category string, now time.Time) models.GeneratedPost {
	subject, ok := fallbackSubjects[category]
	if !ok {
		subject = "my day"
	}
	bodies, ok := fallbackBodies[c.Tone]
	if !ok {
		bodies = fallbackBodies[models.ToneFriendly]
	}
	body := fmt.Sprintf(bodies[now.YearDay()%len(bodies)], subject)

	var tags []string
	if category != "" {
		tags = []string{category}
	}
	return models.GeneratedPost{
		Title:    subject,
		Body:     body,
		Category: category,
		Tags:     tags,
		Excerpt:  body,
	}
}
