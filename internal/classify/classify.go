// Package classify maps free-text event titles onto timeline categories.
package classify

import (
	"regexp"
	"strings"

	"daysync/internal/model"
)

// Rule assigns Category when Match reports true for the lower-cased text.
type Rule struct {
	Category model.Category
	Match    func(text string) bool
}

// Classifier evaluates rules in order; the first match wins and no match
// yields model.CategoryEvent. A Classifier holds no mutable state.
type Classifier struct {
	rules []Rule
}

var (
	bioKeywords = []string{
		"lunch", "breakfast", "brunch", "dinner", "meal", "snack",
		"gym", "workout", "exercise", "yoga", "run", "running", "jog", "jogging",
		"walk", "swim", "swimming", "sleep", "nap", "meditate", "meditation",
		"doctor", "dentist", "therapy", "massage", "shower", "self-care",
		"self care", "wind down",
	}
	blockKeywords = []string{
		"deep work", "focus", "heads down", "heads-down", "no meetings",
		"writing", "study", "research", "concentrate", "concentration", "time block",
	}
	projectKeywords = []string{
		"project", "sprint", "demo", "launch", "release", "deadline",
		"deliver", "delivery", "deliverable", "milestone", "ship", "shipping",
		"kickoff", "roadmap",
	}
)

// inflection is the set of endings a keyword may carry and still match.
const inflection = `(?:s|es|ed|ing)?`

// Keywords returns a rule that matches any of the given words. A keyword
// matches whole words, optionally inflected: "walk" matches "walks" and
// "walking" but not "walkthrough". Word boundaries apply only at ASCII
// letters and digits, so keywords in other scripts match anywhere.
func Keywords(category model.Category, words ...string) Rule {
	alts := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(strings.ToLower(w)); w != "" {
			alts = append(alts, keywordPattern(w))
		}
	}
	if len(alts) == 0 {
		return Rule{Category: category, Match: func(string) bool { return false }}
	}
	re := regexp.MustCompile(strings.Join(alts, "|"))
	return Rule{Category: category, Match: re.MatchString}
}

func keywordPattern(w string) string {
	p := regexp.QuoteMeta(w)
	if isWordByte(w[0]) {
		p = `\b` + p
	}
	if isWordByte(w[len(w)-1]) {
		p += inflection + `\b`
	}
	return "(?:" + p + ")"
}

func isWordByte(b byte) bool {
	return b == '_' || '0' <= b && b <= '9' || 'a' <= b && b <= 'z' || 'A' <= b && b <= 'Z'
}

// DefaultRules is the fixed bio, block, project priority order.
func DefaultRules() []Rule {
	return []Rule{
		Keywords(model.CategoryBio, bioKeywords...),
		Keywords(model.CategoryBlock, blockKeywords...),
		Keywords(model.CategoryProject, projectKeywords...),
	}
}

// New returns a Classifier over rules. With no rules it uses DefaultRules.
func New(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// WithExtraKeywords returns the default rules with additional keywords
// merged into each category, keeping the default priority order. Keys of
// extra that are not bio, block or project are ignored.
func WithExtraKeywords(extra map[string][]string) *Classifier {
	if len(extra) == 0 {
		return New()
	}
	merge := func(c model.Category, base []string) Rule {
		words := append(append([]string{}, base...), extra[string(c)]...)
		return Keywords(c, words...)
	}
	return New(
		merge(model.CategoryBio, bioKeywords),
		merge(model.CategoryBlock, blockKeywords),
		merge(model.CategoryProject, projectKeywords),
	)
}

// Classify returns the category for title and description.
func (c *Classifier) Classify(title, description string) model.Category {
	text := strings.ToLower(title + " " + description)
	for _, r := range c.rules {
		if r.Match(text) {
			return r.Category
		}
	}
	return model.CategoryEvent
}

var defaultClassifier = New()

// Classify runs the default rule set.
func Classify(title, description string) model.Category {
	return defaultClassifier.Classify(title, description)
}
