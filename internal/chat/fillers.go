package chat

import (
	"math/rand/v2"

	"github.com/xaenox/persona-bot/internal/models"
)

var fillers = map[models.Tone][]string{
	models.ToneFriendly: {
		"Thanks for the message! Let me think about that a little.",
		"Oh, that's interesting! Tell me more?",
		"Haha, I love that. Thanks for sharing!",
	},
	models.ToneFormal: {
		"Thank you for your message. I will reflect on it.",
		"I appreciate you sharing that.",
		"Noted, thank you.",
	},
	models.TonePlayful: {
		"Ooh! My brain is buffering, give me a sec!",
		"Ha! You got me there.",
		"Wait, really? Tell me everything!",
	},
	models.ToneCalm: {
		"Mm, I hear you.",
		"Thank you. Let's take it slowly.",
		"That's worth sitting with for a while.",
	},
}

// filler returns a canned reply matching tone.
func filler(tone models.Tone) string {
	pool, ok := fillers[tone]
	if !ok {
		pool = fillers[models.ToneFriendly]
	}
	return pool[rand.IntN(len(pool))]
}
