// Package rules evaluates per-feed delivery filters against item content.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"feednotify/internal/model"
)

// Content is the item view the engine evaluates. Description is empty
// for stored items; it is only populated by sources that carry one.
type Content struct {
	Title       string
	Description string
	Categories  []string
	DurationSec *int
}

// Matches reports whether the content passes the feed's filter rules.
// A nil rule set allows everything. Exclusions are checked first, then
// the category and duration gates, then the inclusion blocks.
func Matches(c Content, r *model.FilterRule) bool {
	if r == nil {
		return true
	}
	text := c.Title + "\n" + c.Description

	for _, kw := range r.ExcludeKeywords {
		if kw == "" {
			continue
		}
		if containsKeyword(text, kw, r.CaseSensitive) {
			return false
		}
	}
	for _, rx := range r.ExcludeRegex {
		if matchRegex(text, rx, r.CaseSensitive) {
			return false
		}
	}
	if len(r.Categories) > 0 && !categoryOverlap(c.Categories, r.Categories) {
		return false
	}
	if c.DurationSec != nil {
		if r.MinDurationSec != nil && *c.DurationSec < *r.MinDurationSec {
			return false
		}
		if r.MaxDurationSec != nil && *c.DurationSec > *r.MaxDurationSec {
			return false
		}
	}

	var blocks []bool
	if len(r.IncludeKeywords) > 0 {
		var hits []bool
		for _, kw := range r.IncludeKeywords {
			if kw == "" {
				continue
			}
			hits = append(hits, containsKeyword(text, kw, r.CaseSensitive))
		}
		if r.RequireAll {
			blocks = append(blocks, allTrue(hits))
		} else {
			blocks = append(blocks, anyTrue(hits))
		}
	}
	if len(r.IncludeRegex) > 0 {
		hit := false
		for _, rx := range r.IncludeRegex {
			if matchRegex(text, rx, r.CaseSensitive) {
				hit = true
				break
			}
		}
		blocks = append(blocks, hit)
	}
	if len(blocks) > 0 {
		return allTrue(blocks)
	}
	return true
}

func containsKeyword(text, kw string, caseSensitive bool) bool {
	if caseSensitive {
		return strings.Contains(text, kw)
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(kw))
}

// matchRegex treats invalid patterns as non-matching so one bad rule
// cannot block a whole feed.
func matchRegex(text, pattern string, caseSensitive bool) bool {
	if !caseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(text)
}

func categoryOverlap(have, want []string) bool {
	if len(have) == 0 {
		return false
	}
	wanted := make(map[string]bool, len(want))
	for _, w := range want {
		wanted[strings.ToLower(w)] = true
	}
	for _, h := range have {
		if wanted[strings.ToLower(h)] {
			return true
		}
	}
	return false
}

func allTrue(bs []bool) bool {
	for _, b := range bs {
		if !b {
			return false
		}
	}
	return true
}

func anyTrue(bs []bool) bool {
	for _, b := range bs {
		if b {
			return true
		}
	}
	return false
}

// ValidateRegex checks if the given pattern is a valid regular expression.
func ValidateRegex(pattern string) error {
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("invalid regex pattern: %w", err)
	}
	return nil
}
