/*
Package diff compares a local snapshot against the canonical snapshot of a
published client version.

The result lists file paths in three disjoint groups. Missing files exist in
the canonical tree but not locally, Modified files exist in both with
different contents, and Extra files only exist locally. Like the rest of the
sync algorithm, diffs only deal with files: an empty directory on either side
is never reported.
*/
package diff

import (
	"sort"

	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/tree"
)

// Result is the three-way difference between a local and a remote tree. Each
// list is in depth-first order with siblings sorted by name, which is the
// same order as tree.Flatten.
type Result struct {
	Missing  []string `json:"missing"`
	Modified []string `json:"modified"`
	Extra    []string `json:"extra"`
}

func newResult() Result {
	return Result{
		Missing:  []string{},
		Modified: []string{},
		Extra:    []string{},
	}
}

// Empty returns whether the local tree is already up to date.
func (r Result) Empty() bool {
	return len(r.Missing) == 0 && len(r.Modified) == 0 && len(r.Extra) == 0
}

// Fetch returns the paths that need to be downloaded, sorted.
func (r Result) Fetch() []string {
	fetch := make([]string, 0, len(r.Missing)+len(r.Modified))
	fetch = append(fetch, r.Missing...)
	fetch = append(fetch, r.Modified...)
	sort.Strings(fetch)
	return fetch
}

// ConflictPolicy decides what Compare does when a name is a file on one side
// and a directory on the other.
type ConflictPolicy int

const (
	// FailOnConflict aborts the comparison with an errors.TreeConflict.
	FailOnConflict ConflictPolicy = iota

	// Replace reports every file under the local node as Extra and every file
	// under the remote node as Missing, so that applying the diff deletes the
	// local node and downloads the remote one.
	Replace
)

func (p ConflictPolicy) String() string {
	switch p {
	case FailOnConflict:
		return "fail"
	case Replace:
		return "replace"
	default:
		return "unknown"
	}
}

type options struct {
	conflictPolicy ConflictPolicy
}

// Option configures Compare.
type Option func(*options)

// WithConflictPolicy sets how kind conflicts are handled. The default is
// FailOnConflict.
func WithConflictPolicy(policy ConflictPolicy) Option {
	return func(o *options) {
		o.conflictPolicy = policy
	}
}

// pair is a node that exists on at least one side of the comparison.
type pair struct {
	local, remote tree.Entry
}

// Compare diffs `local` against `remote`. A nil tree is treated as an empty
// directory, so comparing a nil local tree lists every remote file as
// Missing.
//
// The lists in the returned Result are never nil. When the comparison fails
// because of a conflict, the Result is empty.
func Compare(local, remote *tree.Dir, opts ...Option) (Result, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if local == nil {
		local = tree.NewDir("")
	}
	if remote == nil {
		remote = tree.NewDir("")
	}

	result := newResult()
	stack := []pair{{local: local, remote: remote}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch {
		case p.local == nil:
			result.Missing = append(result.Missing, tree.FilePaths(p.remote)...)

		case p.remote == nil:
			result.Extra = append(result.Extra, tree.FilePaths(p.local)...)

		case p.local.Kind() != p.remote.Kind():
			if o.conflictPolicy == FailOnConflict {
				return newResult(), errors.TreeConflict{
					Path:   p.remote.Path(),
					Local:  p.local.Kind(),
					Remote: p.remote.Kind(),
				}
			}
			result.Extra = append(result.Extra, tree.FilePaths(p.local)...)
			result.Missing = append(result.Missing, tree.FilePaths(p.remote)...)

		case p.remote.Kind() == tree.KindFile:
			if p.local.(*tree.File).Hash() != p.remote.(*tree.File).Hash() {
				result.Modified = append(result.Modified, p.remote.Path())
			}

		default:
			children := childPairs(p.local.(*tree.Dir), p.remote.(*tree.Dir))
			// Push in reverse so that the smallest name is popped first.
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, children[i])
			}
		}
	}
	return result, nil
}

// childPairs matches up the children of two directories by name, sorted by
// name.
func childPairs(local, remote *tree.Dir) []pair {
	byName := map[string]*pair{}
	var names []string
	for _, child := range remote.Children() {
		byName[child.Name()] = &pair{remote: child}
		names = append(names, child.Name())
	}
	for _, child := range local.Children() {
		if p, ok := byName[child.Name()]; ok {
			p.local = child
			continue
		}
		byName[child.Name()] = &pair{local: child}
		names = append(names, child.Name())
	}

	sort.Strings(names)
	pairs := make([]pair, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, *byName[name])
	}
	return pairs
}
