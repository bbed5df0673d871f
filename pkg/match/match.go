// Package match implements the include and exclude filters applied while
// hashing a directory. Filters are regular expressions matched against the
// slash separated path relative to the root of the walk.
package match

import (
	"path/filepath"
	"regexp"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/treesync/pkg/errors"
)

// Matches returns whether any of `patterns` matches `path`. The path is
// normalized to forward slashes first. Patterns are unanchored, so `\.log$`
// matches any path ending in `.log`.
//
// A pattern that doesn't compile is logged and treated as if it didn't match.
// Filtering is best effort and never fails.
func Matches(path string, patterns []string) bool {
	return Compile(patterns, log.StandardLogger()).MatchesAny(path)
}

// Check returns a PatternError for the first of `patterns` that doesn't
// compile. Unlike Compile, it's meant for input that should be rejected
// rather than partially applied, such as a config file.
func Check(patterns []string) error {
	for _, pattern := range patterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return errors.PatternError{Pattern: pattern, Err: err}
		}
	}
	return nil
}

// Set is a compiled list of patterns.
type Set struct {
	exprs []*regexp.Regexp
	// configured is the number of patterns given to Compile, including any
	// that failed to compile.
	configured int
}

// Compile compiles `patterns`. Invalid patterns are logged at warn level to
// `logger` and left out of the set.
func Compile(patterns []string, logger log.FieldLogger) Set {
	set := Set{configured: len(patterns)}
	for _, pattern := range patterns {
		expr, err := regexp.Compile(pattern)
		if err != nil {
			logger.WithError(errors.PatternError{Pattern: pattern, Err: err}).
				Warn("Ignoring invalid filter pattern")
			continue
		}
		set.exprs = append(set.exprs, expr)
	}
	return set
}

// Empty returns whether the set was built from an empty pattern list. A set
// whose patterns all failed to compile isn't empty: it just never matches.
// This matters for include filters, where an empty list means "include
// everything" but a list of broken patterns includes nothing.
func (s Set) Empty() bool {
	return s.configured == 0
}

// MatchesAny returns whether any pattern in the set matches `path`.
func (s Set) MatchesAny(path string) bool {
	path = filepath.ToSlash(path)
	for _, expr := range s.exprs {
		if expr.MatchString(path) {
			return true
		}
	}
	return false
}

// Filter combines the include and exclude patterns of a walk.
type Filter struct {
	include, exclude Set
}

// NewFilter compiles `include` and `exclude`, logging invalid patterns to
// `logger`.
func NewFilter(include, exclude []string, logger log.FieldLogger) Filter {
	return Filter{
		include: Compile(include, logger),
		exclude: Compile(exclude, logger),
	}
}

// SkipFile returns whether the file at the root relative path `rel` should be
// left out of the walk. Files matching an exclude pattern are skipped.
// Otherwise, if there are include patterns, files that match none of them are
// skipped.
func (f Filter) SkipFile(rel string) bool {
	if f.excluded(rel) {
		return true
	}
	return !f.include.Empty() && !f.include.MatchesAny(rel)
}

// SkipDir returns whether the directory at `rel` should be pruned. Only
// exclude patterns prune directories: an include pattern such as `^assets/`
// can match files below a directory that it doesn't match itself.
func (f Filter) SkipDir(rel string) bool {
	return f.excluded(rel)
}

// IncludesDir returns whether the directory at `rel` matches the include
// patterns on its own, either as `rel` or as `rel/`. A directory that doesn't
// is only kept in a snapshot if something below it is.
func (f Filter) IncludesDir(rel string) bool {
	if f.include.Empty() {
		return true
	}
	return f.include.MatchesAny(rel) || f.include.MatchesAny(rel+"/")
}

func (f Filter) excluded(rel string) bool {
	return !f.exclude.Empty() && f.exclude.MatchesAny(rel)
}
