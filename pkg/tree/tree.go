/*
Package tree defines the snapshot of a directory tree: directories and files
with the SHA-256 digest of each file's contents.

Snapshots are immutable. A Dir copies its children when it's created, and
neither Dir nor File exposes any way to change it afterwards, so a snapshot can
be shared between goroutines and diffed any number of times. To observe a new
state of the filesystem, take a new snapshot.

All paths are relative to the root of the snapshot and use forward slashes,
regardless of the platform the snapshot was taken on. The root directory has
the empty path.
*/
package tree

import (
	"path"
	"sort"
	"strings"
)

// Kind distinguishes files from directories.
type Kind int

const (
	// KindFile is a regular file.
	KindFile Kind = iota
	// KindDir is a directory.
	KindDir
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	default:
		return "unknown"
	}
}

// Entry is either a *File or a *Dir.
type Entry interface {
	Kind() Kind

	// Path is the root-relative, slash separated path of the entry.
	Path() string

	// Name is the last element of Path.
	Name() string

	isEntry()
}

// File is a leaf of the snapshot.
type File struct {
	path string
	size int64
	hash string
}

// NewFile creates a file entry. The hash is stored in lower case so that
// digests from different sources compare equal.
func NewFile(path string, size int64, hash string) *File {
	return &File{
		path: path,
		size: size,
		hash: strings.ToLower(hash),
	}
}

func (f *File) Kind() Kind { return KindFile }
func (f *File) Path() string { return f.path }
func (f *File) Name() string { return baseName(f.path) }
func (f *File) isEntry() {}

// Size is the size of the file in bytes when the snapshot was taken.
func (f *File) Size() int64 { return f.size }

// Hash is the hex encoded SHA-256 digest of the file contents.
func (f *File) Hash() string { return f.hash }

// Dir is an internal node of the snapshot.
type Dir struct {
	path    string
	entries map[string]Entry
}

// NewDir creates a directory entry containing `children`. Children are keyed
// by their Name, and a later child replaces an earlier one with the same name.
func NewDir(path string, children ...Entry) *Dir {
	entries := make(map[string]Entry, len(children))
	for _, child := range children {
		entries[child.Name()] = child
	}
	return &Dir{path: path, entries: entries}
}

// newDirFromMap takes ownership of `entries`. It's used by the decoders, which
// build a fresh map per directory.
func newDirFromMap(path string, entries map[string]Entry) *Dir {
	if entries == nil {
		entries = map[string]Entry{}
	}
	return &Dir{path: path, entries: entries}
}

func (d *Dir) Kind() Kind { return KindDir }
func (d *Dir) Path() string { return d.path }
func (d *Dir) Name() string { return baseName(d.path) }
func (d *Dir) isEntry() {}

// Entry returns the child with the given name.
func (d *Dir) Entry(name string) (Entry, bool) {
	e, ok := d.entries[name]
	return e, ok
}

// Len returns the number of direct children.
func (d *Dir) Len() int {
	return len(d.entries)
}

// Names returns the names of the direct children in sorted order.
func (d *Dir) Names() []string {
	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Children returns the direct children sorted by name.
func (d *Dir) Children() []Entry {
	children := make([]Entry, 0, len(d.entries))
	for _, name := range d.Names() {
		children = append(children, d.entries[name])
	}
	return children
}

// Lookup finds the entry at the given root-relative path. The empty path
// refers to `d` itself.
func (d *Dir) Lookup(p string) (Entry, bool) {
	if p == "" {
		return d, true
	}

	var curr Entry = d
	for _, name := range strings.Split(p, "/") {
		dir, ok := curr.(*Dir)
		if !ok {
			return nil, false
		}
		curr, ok = dir.entries[name]
		if !ok {
			return nil, false
		}
	}
	return curr, true
}

// Join returns the path of a child called `name` inside the directory at
// `parent`.
func Join(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func baseName(p string) string {
	if p == "" {
		return ""
	}
	return path.Base(p)
}
