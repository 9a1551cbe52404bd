package dedup

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	markupPattern = regexp.MustCompile(`<[a-zA-Z/!][^>]*>`)
	symbolPattern = regexp.MustCompile(`[^\p{L}\p{N}\s.,!?']+`)
	spacesPattern = regexp.MustCompile(`\s+`)
	urlPattern    = regexp.MustCompile(`https?://\S+`)
)

// Summarize strips markup and symbols from text and keeps the first length runes.
func Summarize(text string, length int) string {
	if markupPattern.MatchString(text) {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(text)); err == nil {
			text = doc.Text()
		}
	}
	text = urlPattern.ReplaceAllString(text, " ")
	text = symbolPattern.ReplaceAllString(text, " ")
	text = strings.TrimSpace(spacesPattern.ReplaceAllString(text, " "))

	runes := []rune(text)
	if length > 0 && len(runes) > length {
		text = strings.TrimSpace(string(runes[:length]))
	}
	return text
}

// Jaccard is |A∩B| / max(|A|,|B|) over the distinct elements of a and b.
// It is 0 when either side is empty.
func Jaccard(a, b []string) float64 {
	setA, setB := toSet(a), toSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	shared := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			shared++
		}
	}
	denom := len(setA)
	if len(setB) > denom {
		denom = len(setB)
	}
	return float64(shared) / float64(denom)
}

// Fingerprint is the comparable form of a post.
type Fingerprint struct {
	Keywords []string
	Summary  string
}

// Similarity blends keyword overlap and summary-token overlap. The result is in [0,1].
func Similarity(a, b Fingerprint, keywordWeight float64) float64 {
	if keywordWeight < 0 {
		keywordWeight = 0
	}
	if keywordWeight > 1 {
		keywordWeight = 1
	}
	kw := Jaccard(a.Keywords, b.Keywords)
	text := Jaccard(Tokenize(a.Summary), Tokenize(b.Summary))
	score := keywordWeight*kw + (1-keywordWeight)*text
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}
