package policy

import (
	"regexp"
	"strings"
	"sync"
)

// compileCache caches compiled glob->regex translations by pattern text,
// since the same tool pattern is evaluated on every invocation across
// every core sharing this policy engine instance.
var compileCache sync.Map // pattern string -> *regexp.Regexp

// compileGlob translates a glob pattern into an anchored regex: regex
// metacharacters are escaped first, then '*' becomes '.*' and '?' becomes
// '.'.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	if cached, ok := compileCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	compileCache.Store(pattern, re)
	return re, nil
}

// matchGlob reports whether value matches the glob pattern.
func matchGlob(pattern, value string) bool {
	re, err := compileGlob(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// matchAny reports whether value matches any of patterns.
func matchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if matchGlob(p, value) {
			return true
		}
	}
	return false
}
