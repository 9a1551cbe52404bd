package dedup

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

var stopWords = toSet(strings.Fields(`
a about above after again against all also am an and any are as at be because been before being
below between both but by can could did do does doing down during each even ever every few for from
further get got had has have having he her here hers herself him himself his how however i if in into
is it its itself just let like made make many me might more most much must my myself never no nor not
now of off on once one only or other our ours ourselves out over own really same see she should so
some still such than that the their theirs them themselves then there these they this those through
to too under until up upon us very was way we well were what when where which while who whom why will
with would yet you your yours yourself yourselves today day days time thing things lot
`))

func toSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// Tokenize lowercases text and splits it on anything that is not a letter or
// digit. Tokens of a single rune are dropped.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// ExtractKeywords returns the max most frequent non-stop-word tokens of title
// and body, ties broken by first appearance, followed by every tag.
func ExtractKeywords(title, body string, tags []string, max int) []string {
	type entry struct {
		word  string
		count int
		first int
	}
	counts := make(map[string]*entry)
	for i, tok := range Tokenize(title + " " + body) {
		if _, stop := stopWords[tok]; stop {
			continue
		}
		if e, ok := counts[tok]; ok {
			e.count++
			continue
		}
		counts[tok] = &entry{word: tok, count: 1, first: i}
	}

	entries := make([]*entry, 0, len(counts))
	for _, e := range counts {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].first < entries[j].first
	})
	if max > 0 && len(entries) > max {
		entries = entries[:max]
	}

	keywords := make([]string, 0, len(entries)+len(tags))
	seen := make(map[string]struct{}, cap(keywords))
	for _, e := range entries {
		keywords = append(keywords, e.word)
		seen[e.word] = struct{}{}
	}
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tag), "#")))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		keywords = append(keywords, tag)
	}
	return keywords
}
