// Package rules implements the entry matching engine.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"feedrelay/internal/model"
)

// Item represents one entry as seen by the evaluator.
type Item struct {
	Title       string
	Description string
	Categories  []string
	DurationSec *int
}

// Evaluate checks whether an item passes the given ruleset. A nil or empty
// ruleset accepts everything.
//
// The order is fixed: excludes are checked first and reject outright; then
// the category allow-set, then duration bounds (unknown duration passes),
// then includes. Without include predicates everything not excluded is
// accepted. With include predicates the keyword and regex families each
// match with OR inside the family; configured families combine with AND
// when RequireAll is set, OR otherwise.
func Evaluate(item Item, rs *model.RuleSet) bool {
	if rs.Empty() {
		return true
	}

	raw := haystack(item)
	folded := raw
	if !rs.CaseSensitive {
		folded = strings.ToLower(folded)
	}

	for _, kw := range rs.ExcludeKeywords {
		if matchKeyword(folded, kw, rs.CaseSensitive) {
			return false
		}
	}
	for _, pattern := range rs.ExcludeRegex {
		if matchRegex(raw, pattern, rs.CaseSensitive) {
			return false
		}
	}

	if !categoryAllowed(item.Categories, rs.Categories, rs.CaseSensitive) {
		return false
	}

	if item.DurationSec != nil {
		d := *item.DurationSec
		if rs.MinDurationSec != nil && d < *rs.MinDurationSec {
			return false
		}
		if rs.MaxDurationSec != nil && d > *rs.MaxDurationSec {
			return false
		}
	}

	kwConfigured := len(rs.IncludeKeywords) > 0
	reConfigured := len(rs.IncludeRegex) > 0
	if !kwConfigured && !reConfigured {
		return true
	}

	kwMatched := false
	for _, kw := range rs.IncludeKeywords {
		if matchKeyword(folded, kw, rs.CaseSensitive) {
			kwMatched = true
			break
		}
	}
	reMatched := false
	for _, pattern := range rs.IncludeRegex {
		if matchRegex(raw, pattern, rs.CaseSensitive) {
			reMatched = true
			break
		}
	}

	if rs.RequireAll {
		if kwConfigured && !kwMatched {
			return false
		}
		if reConfigured && !reMatched {
			return false
		}
		return true
	}
	return (kwConfigured && kwMatched) || (reConfigured && reMatched)
}

// Validate checks a ruleset at the command boundary: every regex must
// compile and duration bounds must be sane.
func Validate(rs *model.RuleSet) error {
	for _, pattern := range append(append([]string{}, rs.IncludeRegex...), rs.ExcludeRegex...) {
		if _, err := regexp.Compile("(?i)" + pattern); err != nil {
			return fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
	}
	if rs.MinDurationSec != nil && *rs.MinDurationSec < 0 {
		return fmt.Errorf("min duration must not be negative")
	}
	if rs.MaxDurationSec != nil && *rs.MaxDurationSec < 0 {
		return fmt.Errorf("max duration must not be negative")
	}
	if rs.MinDurationSec != nil && rs.MaxDurationSec != nil && *rs.MinDurationSec > *rs.MaxDurationSec {
		return fmt.Errorf("min duration exceeds max duration")
	}
	return nil
}

func haystack(item Item) string {
	parts := make([]string, 0, 2+len(item.Categories))
	parts = append(parts, item.Title, item.Description)
	parts = append(parts, item.Categories...)
	return strings.Join(parts, " ")
}

func matchKeyword(folded, keyword string, caseSensitive bool) bool {
	if !caseSensitive {
		keyword = strings.ToLower(keyword)
	}
	return keyword != "" && strings.Contains(folded, keyword)
}

func matchRegex(raw, pattern string, caseSensitive bool) bool {
	if !caseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(raw)
}

func categoryAllowed(have, allowed []string, caseSensitive bool) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, want := range allowed {
		for _, category := range have {
			if caseSensitive && category == want {
				return true
			}
			if !caseSensitive && strings.EqualFold(category, want) {
				return true
			}
		}
	}
	return false
}
