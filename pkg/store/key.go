package store

import (
	"regexp"
	"strings"

	"github.com/peterbourgon/diskv/v3"

	"github.com/sidkik/treesync/pkg/errors"
)

const snapshotExt = ".tree"

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Key identifies one published snapshot: a category (for example "mods" or
// "assets") of a client version within a profile.
type Key struct {
	Profile  string
	Version  string
	Category string
}

func (k Key) String() string {
	return k.Profile + "/" + k.Version + "/" + k.Category
}

// Validate checks that every part of the key is safe to use as a path
// segment.
func (k Key) Validate() error {
	for _, segment := range []struct{ name, value string }{
		{"profile", k.Profile},
		{"version", k.Version},
		{"category", k.Category},
	} {
		if err := validateSegment(segment.value); err != nil {
			return errors.WithContext(err, segment.name)
		}
	}
	return nil
}

func validateSegment(s string) error {
	if s == "." || s == ".." || !segmentPattern.MatchString(s) {
		return errors.Newf("invalid name %q", s)
	}
	return nil
}

// toPathKey lays out snapshots on disk as <profile>/<version>/<category>.tree.
func toPathKey(key string) *diskv.PathKey {
	parts := strings.Split(key, "/")
	last := len(parts) - 1
	return &diskv.PathKey{
		Path:     parts[:last],
		FileName: parts[last] + snapshotExt,
	}
}

func fromPathKey(pathKey *diskv.PathKey) string {
	name := strings.TrimSuffix(pathKey.FileName, snapshotExt)
	return strings.Join(append(append([]string{}, pathKey.Path...), name), "/")
}

// ParseKey parses the "profile/version/category" form returned by Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Key{}, errors.Newf("malformed key %q", s)
	}

	key := Key{Profile: parts[0], Version: parts[1], Category: parts[2]}
	return key, key.Validate()
}
