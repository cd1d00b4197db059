package xqueue

import (
	"maps"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// patternCache holds compiled glob patterns; route tables are static so it only grows
// with the number of distinct patterns.
var patternCache sync.Map // map[string]*regexp.Regexp

// compilePattern turns a glob into an anchored regexp. Every regexp metacharacter is
// escaped except '*', which matches any run of characters (newlines included).
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile(`(?s)\A` + strings.Join(parts, ".*") + `\z`)
	if err != nil {
		return nil, routingErrorf("compile pattern", "%q: %w", pattern, err)
	}
	patternCache.Store(pattern, re)
	return re, nil
}

// MatchPattern reports whether value fully matches at least one of patterns.
// An empty pattern list places no constraint and matches everything.
func MatchPattern(value string, patterns ...string) (bool, error) {
	if len(patterns) == 0 {
		return true, nil
	}
	for _, p := range patterns {
		re, err := compilePattern(p)
		if err != nil {
			return false, err
		}
		if re.MatchString(value) {
			return true, nil
		}
	}
	return false, nil
}

// MatchFields reports whether every key in patterns is present in values and matches
// one of that key's patterns. An empty pattern map matches everything.
func MatchFields(values map[string]string, patterns map[string][]string) (bool, error) {
	for _, key := range slices.Sorted(maps.Keys(patterns)) {
		pats := patterns[key]
		v, ok := values[key]
		if !ok {
			return false, nil
		}
		matched, err := MatchPattern(v, pats...)
		if err != nil || !matched {
			return false, err
		}
	}
	return true, nil
}
