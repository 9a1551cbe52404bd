package dedup

import (
	"sort"
	"time"

	"github.com/xaenox/persona-bot/internal/models"
)

var topicPools = map[string][]string{
	"daily": {
		"a small habit that made mornings easier",
		"tidying one drawer at a time",
		"an unexpected conversation on the commute",
		"the best part of a quiet evening",
		"a weekend errand that turned into an adventure",
		"notes from a rainy afternoon walk",
	},
	"food": {
		"a simple recipe with three ingredients",
		"a bakery discovered around the corner",
		"comfort soup for tired evenings",
		"trying a spice for the first time",
		"packing a lunch box with leftovers",
		"a dessert that failed and still tasted great",
	},
	"study": {
		"a note-taking method worth trying",
		"staying focused in a noisy cafe",
		"learning vocabulary with flashcards",
		"planning a revision timetable",
		"a book chapter that changed my mind",
		"studying with friends versus alone",
	},
	"hobby": {
		"starting a sketchbook with no pressure",
		"a puzzle that took all weekend",
		"caring for a windowsill herb garden",
		"learning a song on the ukulele",
		"photographing ordinary street corners",
		"knitting a first scarf",
	},
	"travel": {
		"a day trip by local train",
		"finding a hidden viewpoint in town",
		"packing light for a short journey",
		"a museum visit on a weekday",
		"street food at a night market",
		"postcards from a seaside town",
	},
	"tech": {
		"an app that simplified my schedule",
		"keyboard shortcuts that save minutes",
		"organizing photos on an old laptop",
		"a gadget that was not worth it",
		"backing up files the boring way",
		"tinkering with a tiny home server",
	},
	"culture": {
		"a movie that deserves a rewatch",
		"a local festival worth visiting",
		"a podcast episode that stuck with me",
		"rediscovering an old album",
		"a novel with a surprising ending",
		"a gallery exhibition on a budget",
	},
	"general": {
		"something new learned this week",
		"a question I keep thinking about",
		"a tiny win worth celebrating",
		"advice I would give my past self",
		"a plan for the coming weekend",
		"a recommendation for a slow afternoon",
	},
}

var seasonalTopics = map[time.Month][]string{
	time.January:   {"new year resolutions that actually stick", "warm drinks for cold nights"},
	time.February:  {"handmade gifts for valentines", "the last snowy weekend"},
	time.March:     {"spring cleaning a messy desk", "first plum blossoms of the year"},
	time.April:     {"cherry blossom picnic", "fresh starts in a new school term"},
	time.May:       {"golden week getaway ideas", "planting seeds on the balcony"},
	time.June:      {"rainy season indoor plans", "hydrangeas after the rain"},
	time.July:      {"summer festival fireworks", "cold noodles on hot afternoons"},
	time.August:    {"beach trip essentials", "staying cool during heatwaves"},
	time.September: {"moon viewing evening", "back to routine after summer"},
	time.October:   {"autumn leaves walking route", "halloween costume ideas"},
	time.November:  {"sweet potato season", "cozy reading by the window"},
	time.December:  {"year end reflections", "winter illumination walks"},
}

// Suggest returns up to max topics for category that the recent history does
// not already cover. The seasonal bucket for now's month ranks first.
func Suggest(category string, history []*models.PostHistoryRecord, now time.Time, max int) []string {
	if max <= 0 {
		return nil
	}
	covered := make(map[string]struct{})
	for _, rec := range history {
		for _, kw := range rec.Keywords {
			covered[kw] = struct{}{}
		}
		for _, tok := range Tokenize(rec.Title) {
			covered[tok] = struct{}{}
		}
	}

	pool, ok := topicPools[category]
	if !ok {
		pool = topicPools["general"]
	}
	candidates := append(append([]string(nil), seasonalTopics[now.Month()]...), pool...)

	var suggestions []string
	for _, topic := range candidates {
		if isCovered(topic, covered) {
			continue
		}
		suggestions = append(suggestions, topic)
		if len(suggestions) == max {
			break
		}
	}
	return suggestions
}

func isCovered(topic string, covered map[string]struct{}) bool {
	for _, tok := range Tokenize(topic) {
		if _, stop := stopWords[tok]; stop {
			continue
		}
		if _, ok := covered[tok]; ok {
			return true
		}
	}
	return false
}

// Categories lists the categories that have a topic pool.
func Categories() []string {
	cats := make([]string, 0, len(topicPools))
	for c := range topicPools {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats
}
