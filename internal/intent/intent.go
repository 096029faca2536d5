// Package intent classifies caller utterances with keyword predicates.
package intent

import (
	"regexp"
	"strings"
)

// Detector reports whether an utterance carries a given intent.
type Detector interface {
	Match(text string) bool
}

// Func adapts a plain function to Detector.
type Func func(string) bool

func (f Func) Match(text string) bool { return f(text) }

// PhraseMatcher matches whole words or phrases, case-insensitively.
type PhraseMatcher struct {
	re *regexp.Regexp
}

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "`", "'")

// NewPhraseMatcher compiles phrases into one alternation anchored on word
// boundaries, so "no" matches "No, thanks" but not "I know".
func NewPhraseMatcher(phrases []string) *PhraseMatcher {
	var parts []string
	for _, p := range phrases {
		p = strings.TrimSpace(apostrophes.Replace(strings.ToLower(p)))
		if p == "" {
			continue
		}
		words := strings.Fields(p)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		parts = append(parts, strings.Join(words, `\s+`))
	}
	if len(parts) == 0 {
		return &PhraseMatcher{}
	}
	return &PhraseMatcher{re: regexp.MustCompile(`(?i)\b(?:` + strings.Join(parts, "|") + `)\b`)}
}

func (m *PhraseMatcher) Match(text string) bool {
	if m == nil || m.re == nil {
		return false
	}
	return m.re.MatchString(apostrophes.Replace(text))
}

// Set bundles the detectors the conversation consults.
type Set struct {
	Rejection  Detector
	Escalation Detector
}

// FromPhrases builds a Set from configured phrase lists.
func FromPhrases(rejection, escalation []string) Set {
	return Set{
		Rejection:  NewPhraseMatcher(rejection),
		Escalation: NewPhraseMatcher(escalation),
	}
}
