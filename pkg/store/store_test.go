package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/hasher"
	"github.com/sidkik/treesync/pkg/tree"
)

var publishTime = time.Date(2024, 4, 23, 12, 0, 0, 0, time.UTC)

func hashOf(contents string) string {
	sum := sha256.Sum256([]byte(contents))
	return hex.EncodeToString(sum[:])
}

func newTestStore(t *testing.T, opts ...Option) (*Store, string) {
	dir := t.TempDir()
	logger, _ := logrusTest.NewNullLogger()
	opts = append([]Option{
		WithClock(clockwork.NewFakeClockAt(publishTime)),
		WithLogger(logger),
	}, opts...)

	s, err := New(dir, opts...)
	require.NoError(t, err)
	return s, dir
}

func sampleTree() *tree.Dir {
	return tree.NewDir("",
		tree.NewFile("options.txt", 3, hashOf("fov")),
		tree.NewDir("mods",
			tree.NewFile("mods/sodium.jar", 6, hashOf("sodium")),
		),
	)
}

func TestPutGet(t *testing.T) {
	s, dir := newTestStore(t)
	key := Key{Profile: "vanilla", Version: "1.20.4", Category: "mods"}

	put, err := s.Put(key, sampleTree())
	require.NoError(t, err)
	assert.Equal(t, publishTime, put.PublishedAt)

	// The snapshot is laid out by key on disk.
	_, err = os.Stat(filepath.Join(dir, "vanilla", "1.20.4", "mods.tree"))
	assert.NoError(t, err)

	got, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, put, got)

	// A fresh store has to load the snapshot from disk.
	reopened, err := New(dir)
	require.NoError(t, err)
	loaded, err := reopened.Get(key)
	require.NoError(t, err)
	assert.Equal(t, key, loaded.Key)
	assert.True(t, publishTime.Equal(loaded.PublishedAt))
	assert.Equal(t, sampleTree(), loaded.Tree)
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(Key{Profile: "vanilla", Version: "1.20.4", Category: "mods"})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.EqualError(t, err, "vanilla/1.20.4/mods: snapshot not published")
}

func TestGetConcurrent(t *testing.T) {
	s, dir := newTestStore(t)
	key := Key{Profile: "vanilla", Version: "1.20.4", Category: "mods"}
	_, err := s.Put(key, sampleTree())
	require.NoError(t, err)

	reopened, err := New(dir, WithCacheSize(1))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*tree.Dir, 16)
	errs := make([]error, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snapshot, err := reopened.Get(key)
			results[i], errs[i] = snapshot.Tree, err
		}(i)
	}
	wg.Wait()

	for i := range results {
		assert.NoError(t, errs[i])
		assert.Equal(t, sampleTree(), results[i])
	}
}

func TestInvalidKeys(t *testing.T) {
	s, _ := newTestStore(t)

	tests := []struct {
		name   string
		key    Key
		expErr string
	}{
		{
			name:   "PathTraversal",
			key:    Key{Profile: "..", Version: "1.20.4", Category: "mods"},
			expErr: `profile: invalid name ".."`,
		},
		{
			name:   "Slash",
			key:    Key{Profile: "vanilla", Version: "1.20/../..", Category: "mods"},
			expErr: `version: invalid name "1.20/../.."`,
		},
		{
			name:   "Empty",
			key:    Key{Profile: "vanilla", Version: "1.20.4"},
			expErr: `category: invalid name ""`,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			_, err := s.Put(test.key, sampleTree())
			assert.EqualError(t, err, test.expErr)

			_, err = s.Get(test.key)
			assert.EqualError(t, err, test.expErr)

			assert.EqualError(t, s.Delete(test.key), test.expErr)
		})
	}
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	key := Key{Profile: "vanilla", Version: "1.20.4", Category: "mods"}

	_, err := s.Put(key, sampleTree())
	require.NoError(t, err)
	require.NoError(t, s.Delete(key))

	_, err = s.Get(key)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.Delete(key), ErrNotFound))
}

func TestLoadDoesNotCacheOverWrite(t *testing.T) {
	key := Key{Profile: "vanilla", Version: "1.20.4", Category: "mods"}
	updated := tree.NewDir("", tree.NewFile("options.txt", 3, hashOf("fps")))

	tests := []struct {
		name    string
		write   func(s *Store) error
		expTree *tree.Dir
	}{
		{
			name: "Put",
			write: func(s *Store) error {
				_, err := s.Put(key, updated)
				return err
			},
			expTree: updated,
		},
		{
			name:  "Delete",
			write: func(s *Store) error { return s.Delete(key) },
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			s, dir := newTestStore(t)
			_, err := s.Put(key, sampleTree())
			require.NoError(t, err)

			// Start from a store that hasn't cached anything, and write to
			// the key while a load of the old snapshot is in flight.
			s, err = New(dir, WithClock(clockwork.NewFakeClockAt(publishTime)))
			require.NoError(t, err)
			generation := s.generation(key)
			stale, err := s.load(key)
			require.NoError(t, err)

			require.NoError(t, test.write(s))
			s.cacheIfCurrent(key, generation, stale)

			got, err := s.Get(key)
			if test.expTree == nil {
				assert.True(t, errors.Is(err, ErrNotFound))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expTree, got.Tree)
		})
	}
}

func TestVersions(t *testing.T) {
	s, _ := newTestStore(t)

	for _, key := range []Key{
		{Profile: "vanilla", Version: "1.20.4", Category: "mods"},
		{Profile: "vanilla", Version: "1.20.4", Category: "assets"},
		{Profile: "vanilla", Version: "nightly", Category: "mods"},
		{Profile: "vanilla", Version: "1.9", Category: "mods"},
		{Profile: "vanilla", Version: "1.20.4-pre1", Category: "mods"},
		{Profile: "modded", Version: "2.0", Category: "mods"},
	} {
		_, err := s.Put(key, sampleTree())
		require.NoError(t, err)
	}

	versions, err := s.Versions("vanilla")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.9", "1.20.4-pre1", "1.20.4", "nightly"}, versions)

	keys, err := s.Keys("vanilla")
	require.NoError(t, err)
	assert.Equal(t, []Key{
		{Profile: "vanilla", Version: "1.9", Category: "mods"},
		{Profile: "vanilla", Version: "1.20.4-pre1", Category: "mods"},
		{Profile: "vanilla", Version: "1.20.4", Category: "assets"},
		{Profile: "vanilla", Version: "1.20.4", Category: "mods"},
		{Profile: "vanilla", Version: "nightly", Category: "mods"},
	}, keys)

	latest, err := s.Latest("modded")
	require.NoError(t, err)
	assert.Equal(t, "2.0", latest)

	versions, err = s.Versions("unknown")
	require.NoError(t, err)
	assert.Empty(t, versions)

	_, err = s.Latest("unknown")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSortVersions(t *testing.T) {
	assert.Equal(t,
		[]string{"1.2", "1.10", "v1.10.1", "2.0.0", "beta", "nightly"},
		sortVersions([]string{"nightly", "2.0.0", "1.10", "beta", "v1.10.1", "1.2"}))
}

func TestPublish(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/clients/vanilla/1.20.4/mods/sodium.jar", []byte("sodium"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/clients/vanilla/1.20.4/mods/debug.log", []byte("log"), 0644))

	logger, hook := logrusTest.NewNullLogger()
	h := hasher.New(hasher.WithFs(fs), hasher.WithLogger(logger))
	s, _ := newTestStore(t, WithHasher(h), WithLogger(logger))
	key := Key{Profile: "vanilla", Version: "1.20.4", Category: "mods"}

	snapshot, err := s.Publish(context.Background(), key, "/clients/vanilla/1.20.4/mods",
		nil, []string{`\.log$`})
	require.NoError(t, err)
	assert.Equal(t, tree.NewDir("", tree.NewFile("sodium.jar", 6, hashOf("sodium"))), snapshot.Tree)
	assert.Equal(t, "Published snapshot", hook.LastEntry().Message)

	got, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, snapshot, got)

	_, err = s.Publish(context.Background(), key, "/clients/vanilla/1.20.4/missing", nil, nil)
	assert.Error(t, err)
}

func TestKeysIgnoresStrayFiles(t *testing.T) {
	s, dir := newTestStore(t)
	key := Key{Profile: "vanilla", Version: "1.20.4", Category: "mods"}
	_, err := s.Put(key, sampleTree())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "vanilla", "README.tree"), []byte("hi"), 0644))

	keys, err := s.Keys("vanilla")
	require.NoError(t, err)
	assert.Equal(t, []Key{key}, keys)
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		expKey Key
		expErr string
	}{
		{
			name:   "Valid",
			raw:    "vanilla/1.20.4/mods",
			expKey: Key{Profile: "vanilla", Version: "1.20.4", Category: "mods"},
		},
		{
			name:   "TooShort",
			raw:    "vanilla/1.20.4",
			expErr: `malformed key "vanilla/1.20.4"`,
		},
		{
			name:   "BadSegment",
			raw:    "vanilla/../mods",
			expErr: `version: invalid name ".."`,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			key, err := ParseKey(test.raw)
			if test.expErr != "" {
				assert.EqualError(t, err, test.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expKey, key)
			assert.Equal(t, test.raw, key.String())
		})
	}
}
