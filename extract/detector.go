// Package extract turns raw conversation text into confidence-scored
// entity candidates using a declarative rule table.
package extract

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mnemohq/mnemo/memory"
)

const (
	// patternBonus is added to a rule's MinConfidence when a regex
	// pattern matched, as opposed to the weaker keyword fallback.
	patternBonus = 0.2

	maxContentRunes  = 200
	maxSnippetRunes  = 300
	minExtractRunes  = 3
	minSentenceRunes = 5
)

var sentenceSplit = regexp.MustCompile(`[.!?。！？\n]`)

type compiledRule struct {
	rule     Rule
	patterns []*regexp.Regexp
}

// Detector implements memory.Extractor over a compiled rule table.
// It is stateless after construction and safe for concurrent use.
type Detector struct {
	rules []compiledRule
}

// NewDetector compiles the given rules; nil means DefaultRules.
func NewDetector(rules []Rule) (*Detector, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	d := &Detector{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		cr := compiledRule{rule: r, patterns: make([]*regexp.Regexp, 0, len(r.Patterns))}
		for _, p := range r.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("compile %s pattern %q: %w", r.Type, p, err)
			}
			cr.patterns = append(cr.patterns, re)
		}
		d.rules = append(d.rules, cr)
	}
	return d, nil
}

// Detect scans text against every rule. Pattern hits come first per
// type; a keyword-only hit contributes at most one candidate per type
// and only when no pattern matched for that type. Extracted content is
// deduplicated across the whole pass.
func (d *Detector) Detect(text string) []memory.Candidate {
	var out []memory.Candidate
	seen := make(map[string]struct{})
	now := time.Now()
	snippet := truncateRunes(text, maxSnippetRunes)

	for _, cr := range d.rules {
		typeHit := false
		for _, re := range cr.patterns {
			for _, m := range re.FindAllStringSubmatch(text, -1) {
				extracted := joinGroups(m)
				if utf8.RuneCountInString(extracted) <= minExtractRunes {
					continue
				}
				if _, dup := seen[extracted]; dup {
					continue
				}
				seen[extracted] = struct{}{}
				typeHit = true
				out = append(out, memory.Candidate{
					ID:               candidateID(),
					Type:             cr.rule.Type,
					ExtractedContent: truncateRunes(extracted, maxContentRunes),
					SourceSnippet:    snippet,
					Confidence:       cr.rule.MinConfidence + patternBonus,
					Status:           memory.CandidateStatusPending,
					DetectedAt:       now,
					DetectionMethod:  memory.DetectionPattern,
				})
			}
		}

		if typeHit || !containsAny(text, cr.rule.Keywords) {
			continue
		}
		for _, sentence := range sentenceSplit.Split(text, -1) {
			if utf8.RuneCountInString(sentence) <= minSentenceRunes {
				continue
			}
			if !containsAny(sentence, cr.rule.Keywords) {
				continue
			}
			if _, dup := seen[sentence]; !dup {
				seen[sentence] = struct{}{}
				out = append(out, memory.Candidate{
					ID:               candidateID(),
					Type:             cr.rule.Type,
					ExtractedContent: truncateRunes(sentence, maxContentRunes),
					SourceSnippet:    snippet,
					Confidence:       cr.rule.MinConfidence,
					Status:           memory.CandidateStatusPending,
					DetectedAt:       now,
					DetectionMethod:  memory.DetectionKeyword,
				})
			}
			break
		}
	}
	return out
}

// joinGroups merges the non-empty capture groups of one regex match,
// falling back to the whole match for group-less patterns.
func joinGroups(m []string) string {
	if len(m) == 1 {
		return strings.TrimSpace(m[0])
	}
	parts := make([]string, 0, len(m)-1)
	for _, g := range m[1:] {
		if g != "" {
			parts = append(parts, g)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func candidateID() string {
	return "cand_" + uuid.NewString()[:8]
}
