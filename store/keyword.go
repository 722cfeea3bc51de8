package store

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/mnemohq/mnemo/memory"
)

// keywordSearch is the degraded search path: no embeddings, just token
// occurrence counting over the side records. The result shape matches the
// vector path minus the distance field.
func (s *Store) keywordSearch(query string, topK int, filter memory.Filter) []memory.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keywordSearchLocked(query, topK, filter)
}

func (s *Store) keywordSearchLocked(query string, topK int, filter memory.Filter) []memory.Record {
	tokens := keywordTokens(query)

	type scored struct {
		rec   memory.Record
		score int
	}
	var matches []scored
	for id, rec := range s.records {
		if !filter.Matches(&rec.Metadata) {
			continue
		}
		score := keywordScore(rec.Content, tokens)
		// Without usable tokens everything qualifies; otherwise only
		// actual matches do.
		if score == 0 && len(tokens) > 0 {
			continue
		}
		matches = append(matches, scored{
			rec:   memory.Record{ID: id, Content: rec.Content, Metadata: rec.Metadata},
			score: score,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].rec.ID < matches[j].rec.ID
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	out := make([]memory.Record, len(matches))
	for i, m := range matches {
		out[i] = m.rec
	}
	return out
}

// keywordTokens splits a query on whitespace, lowercased, dropping tokens
// shorter than two runes.
func keywordTokens(query string) []string {
	var tokens []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if utf8.RuneCountInString(tok) < 2 {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// keywordScore counts case-insensitive token occurrences in the content.
func keywordScore(content string, tokens []string) int {
	if len(tokens) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	score := 0
	for _, tok := range tokens {
		score += strings.Count(lower, tok)
	}
	return score
}
