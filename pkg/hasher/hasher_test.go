package hasher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/tree"
)

const root = "/client"

func hashOf(contents string) string {
	sum := sha256.Sum256([]byte(contents))
	return hex.EncodeToString(sum[:])
}

// mockFs writes `files` (relative path -> contents) below `root` in a fresh
// in-memory filesystem.
func mockFs(t *testing.T, files map[string]string) afero.Fs {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(root, 0755))
	for path, contents := range files {
		abs := filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, fs.MkdirAll(filepath.Dir(abs), 0755))
		require.NoError(t, afero.WriteFile(fs, abs, []byte(contents), 0644))
	}
	return fs
}

// failingFs fails to open the given paths, the same way an unreadable file
// or directory would.
type failingFs struct {
	afero.Fs
	failures map[string]error
}

func (fs failingFs) Open(name string) (afero.File, error) {
	if err, ok := fs.failures[name]; ok {
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}
	return fs.Fs.Open(name)
}

func newTestHasher(fs afero.Fs, opts ...Option) *Hasher {
	logger, _ := logrusTest.NewNullLogger()
	opts = append([]Option{WithFs(fs), WithLogger(logger), WithClock(clockwork.NewFakeClock())}, opts...)
	return New(opts...)
}

func filePaths(d *tree.Dir) (paths []string) {
	for _, f := range tree.Flatten(d) {
		paths = append(paths, f.Path())
	}
	return paths
}

func TestHashFile(t *testing.T) {
	fs := mockFs(t, map[string]string{
		"hello.txt": "hello",
		"empty":     "",
		"big.bin":   strings.Repeat("x", 3*chunkSize+17),
	})
	h := newTestHasher(fs)
	ctx := context.Background()

	hash, err := h.HashFile(ctx, "/client/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", hash)

	// Hashing is deterministic.
	again, err := h.HashFile(ctx, "/client/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	hash, err = h.HashFile(ctx, "/client/empty")
	require.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", hash)

	hash, err = h.HashFile(ctx, "/client/big.bin")
	require.NoError(t, err)
	assert.Equal(t, hashOf(strings.Repeat("x", 3*chunkSize+17)), hash)
}

func TestHashFileErrors(t *testing.T) {
	fs := failingFs{
		Fs:       mockFs(t, map[string]string{"locked.jar": "secret"}),
		failures: map[string]error{"/client/locked.jar": syscall.EACCES},
	}
	h := newTestHasher(fs)

	_, err := h.HashFile(context.Background(), "/client/missing.jar")
	var ioErr errors.IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "open", ioErr.Op)
	assert.Equal(t, "/client/missing.jar", ioErr.Path)

	_, err = h.HashFile(context.Background(), "/client/locked.jar")
	assert.EqualError(t, err, "cannot open /client/locked.jar: permission denied")
}

func TestHashFileCancelled(t *testing.T) {
	fs := mockFs(t, map[string]string{"a": "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestHasher(fs).HashFile(ctx, "/client/a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHashDirectory(t *testing.T) {
	fs := mockFs(t, map[string]string{
		"options.txt":                      "fov:90",
		"mods/sodium.jar":                  "sodium",
		"versions/1.20.4/1.20.4.jar":       "client",
		"versions/1.20.4/natives/lwjgl.so": "native",
	})
	require.NoError(t, fs.MkdirAll("/client/screenshots", 0755))

	snapshot, err := newTestHasher(fs).HashDirectory(context.Background(), root, nil, nil)
	require.NoError(t, err)

	exp := tree.NewDir("",
		tree.NewFile("options.txt", 6, hashOf("fov:90")),
		tree.NewDir("mods",
			tree.NewFile("mods/sodium.jar", 6, hashOf("sodium")),
		),
		tree.NewDir("screenshots"),
		tree.NewDir("versions",
			tree.NewDir("versions/1.20.4",
				tree.NewFile("versions/1.20.4/1.20.4.jar", 6, hashOf("client")),
				tree.NewDir("versions/1.20.4/natives",
					tree.NewFile("versions/1.20.4/natives/lwjgl.so", 6, hashOf("native")),
				),
			),
		),
	)
	assert.Equal(t, exp, snapshot)
}

func TestHashDirectoryFilters(t *testing.T) {
	files := map[string]string{
		"game.log":                "log",
		"config.json":             "{}",
		"readme.txt":              "readme",
		"assets/sound.ogg":        "ogg",
		"assets/logs/latest.log":  "log",
		"assets/textures/a.png":   "png",
		"libraries/lwjgl/a.jar":   "jar",
		"libraries/lwjgl/cache/x": "cache",
	}

	tests := []struct {
		name     string
		include  []string
		exclude  []string
		expPaths []string
	}{
		{
			name:    "ExcludeBySuffix",
			exclude: []string{`\.log$`},
			expPaths: []string{
				"assets/sound.ogg",
				"assets/textures/a.png",
				"config.json",
				"libraries/lwjgl/a.jar",
				"libraries/lwjgl/cache/x",
				"readme.txt",
			},
		},
		{
			name:    "IncludeByPrefix",
			include: []string{`^assets`},
			expPaths: []string{
				"assets/logs/latest.log",
				"assets/sound.ogg",
				"assets/textures/a.png",
			},
		},
		{
			name:    "IncludeDirectoryWithSlash",
			include: []string{`^assets/`},
			expPaths: []string{
				"assets/logs/latest.log",
				"assets/sound.ogg",
				"assets/textures/a.png",
			},
		},
		{
			name:     "IncludeNestedDirectory",
			include:  []string{`^assets/textures/`},
			expPaths: []string{"assets/textures/a.png"},
		},
		{
			name:     "ExcludeWinsOverInclude",
			include:  []string{`^assets`},
			exclude:  []string{`^assets/logs$`},
			expPaths: []string{"assets/sound.ogg", "assets/textures/a.png"},
		},
		{
			name:    "ExcludeNestedDirectory",
			exclude: []string{`^libraries/lwjgl/cache$`},
			expPaths: []string{
				"assets/logs/latest.log",
				"assets/sound.ogg",
				"assets/textures/a.png",
				"config.json",
				"game.log",
				"libraries/lwjgl/a.jar",
				"readme.txt",
			},
		},
		{
			name:     "InvalidExcludeIsIgnored",
			include:  []string{`^config`},
			exclude:  []string{`(`},
			expPaths: []string{"config.json"},
		},
		{
			name:     "InvalidIncludeMatchesNothing",
			include:  []string{`(`},
			expPaths: nil,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			h := newTestHasher(mockFs(t, files))
			snapshot, err := h.HashDirectory(context.Background(), root, test.include, test.exclude)
			require.NoError(t, err)
			assert.Equal(t, test.expPaths, filePaths(snapshot))
		})
	}
}

func TestHashDirectoryExcludeLogs(t *testing.T) {
	fs := mockFs(t, map[string]string{
		"game.log":    "log",
		"config.json": "{}",
	})

	snapshot, err := newTestHasher(fs).HashDirectory(context.Background(), root, nil, []string{`\.log$`})
	require.NoError(t, err)
	assert.Equal(t, tree.NewDir("", tree.NewFile("config.json", 2, hashOf("{}"))), snapshot)
}

func TestHashDirectoryIncludeAssets(t *testing.T) {
	fs := mockFs(t, map[string]string{
		"assets/sound.ogg": "ogg",
		"readme.txt":       "readme",
	})

	snapshot, err := newTestHasher(fs).HashDirectory(context.Background(), root, []string{`^assets/`}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"assets/sound.ogg"}, filePaths(snapshot))
}

func TestHashDirectoryIncludeNested(t *testing.T) {
	fs := mockFs(t, map[string]string{
		"assets/textures/a.png":  "png",
		"assets/logs/latest.log": "log",
		"readme.txt":             "readme",
	})
	require.NoError(t, fs.MkdirAll("/client/assets/textures/empty", 0755))
	require.NoError(t, fs.MkdirAll("/client/saves", 0755))

	snapshot, err := newTestHasher(fs).HashDirectory(context.Background(), root,
		[]string{`^assets/textures/`}, nil)
	require.NoError(t, err)

	// Directories the include pattern doesn't reach are left out unless
	// something below them was kept.
	exp := tree.NewDir("",
		tree.NewDir("assets",
			tree.NewDir("assets/textures",
				tree.NewFile("assets/textures/a.png", 3, hashOf("png")),
				tree.NewDir("assets/textures/empty"),
			),
		),
	)
	assert.Equal(t, exp, snapshot)
}

// appendOnOpenFs appends to a file when it's opened, like a file that's
// written to after the directory was listed.
type appendOnOpenFs struct {
	afero.Fs
	path, extra string
}

func (fs appendOnOpenFs) Open(name string) (afero.File, error) {
	if name == fs.path {
		f, err := fs.Fs.OpenFile(name, os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		if _, err := f.WriteString(fs.extra); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
	}
	return fs.Fs.Open(name)
}

func TestHashDirectorySizeMatchesHashedContents(t *testing.T) {
	fs := appendOnOpenFs{
		Fs:    mockFs(t, map[string]string{"latest.log": "abc"}),
		path:  "/client/latest.log",
		extra: "defgh",
	}

	snapshot, err := newTestHasher(fs).HashDirectory(context.Background(), root, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, tree.NewDir("", tree.NewFile("latest.log", 8, hashOf("abcdefgh"))), snapshot)
}

func TestHashDirectoryPrunesExcludedDirectories(t *testing.T) {
	// The excluded directory can't be listed, so the walk would fail if it
	// were visited.
	fs := failingFs{
		Fs: mockFs(t, map[string]string{
			"keep.txt":        "keep",
			"cache/blob.bin":  "blob",
			"cache/other.bin": "other",
		}),
		failures: map[string]error{"/client/cache": syscall.EACCES},
	}

	snapshot, err := newTestHasher(fs).HashDirectory(context.Background(), root, nil, []string{`^cache$`})
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, filePaths(snapshot))
}

func TestHashDirectoryFailsOnUnreadableFile(t *testing.T) {
	fs := failingFs{
		Fs: mockFs(t, map[string]string{
			"a.txt":                          "a",
			"updates/1.20.4/libraries/x.jar": "x",
			"z.txt":                          "z",
		}),
		failures: map[string]error{"/client/updates/1.20.4/libraries/x.jar": syscall.EACCES},
	}

	snapshot, err := newTestHasher(fs, WithWorkers(1)).HashDirectory(context.Background(), root, nil, nil)
	assert.Nil(t, snapshot)
	assert.EqualError(t, err, "cannot open /client/updates/1.20.4/libraries/x.jar: permission denied")
}

func TestHashDirectoryFailsOnUnreadableDirectory(t *testing.T) {
	fs := failingFs{
		Fs:       mockFs(t, map[string]string{"a.txt": "a", "saves/world/level.dat": "dat"}),
		failures: map[string]error{"/client/saves/world": syscall.EACCES},
	}

	snapshot, err := newTestHasher(fs).HashDirectory(context.Background(), root, nil, nil)
	assert.Nil(t, snapshot)

	var ioErr errors.IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "list", ioErr.Op)
	assert.Equal(t, "/client/saves/world", ioErr.Path)
}

func TestHashDirectoryRoot(t *testing.T) {
	fs := mockFs(t, map[string]string{"file": "contents"})
	h := newTestHasher(fs)

	_, err := h.HashDirectory(context.Background(), "/does-not-exist", nil, nil)
	var ioErr errors.IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "stat", ioErr.Op)

	_, err = h.HashDirectory(context.Background(), "/client/file", nil, nil)
	assert.EqualError(t, err, "cannot list /client/file: not a directory")
}

func TestHashDirectoryCancelled(t *testing.T) {
	fs := mockFs(t, map[string]string{"a": "a", "b/c": "c"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snapshot, err := newTestHasher(fs).HashDirectory(ctx, root, nil, nil)
	assert.Nil(t, snapshot)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHashDirectoryParallelMatchesSequential(t *testing.T) {
	files := map[string]string{}
	for i := 0; i < 200; i++ {
		files[fmt.Sprintf("dir%d/file%d", i%7, i)] = fmt.Sprintf("contents %d", i)
	}
	fs := mockFs(t, files)

	sequential, err := newTestHasher(fs, WithWorkers(1)).HashDirectory(context.Background(), root, nil, nil)
	require.NoError(t, err)

	parallel, err := newTestHasher(fs, WithWorkers(16)).HashDirectory(context.Background(), root, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, sequential, parallel)
	assert.Len(t, tree.Flatten(parallel), len(files))
}

func TestFlattenHashedDirectory(t *testing.T) {
	files := map[string]string{
		"a":         "a",
		"b/c":       "c",
		"b/d/e":     "e",
		"b/d/f.log": "f",
	}
	fs := mockFs(t, files)

	snapshot, err := newTestHasher(fs).HashDirectory(context.Background(), root, nil, []string{`\.log$`})
	require.NoError(t, err)

	flat := tree.Flatten(snapshot)
	assert.Len(t, flat, 3)
	seen := map[string]bool{}
	for _, f := range flat {
		assert.False(t, seen[f.Path()], "duplicate %s", f.Path())
		seen[f.Path()] = true
		assert.Equal(t, hashOf(files[f.Path()]), f.Hash())
	}
}

func TestHashDirectoryMetrics(t *testing.T) {
	fs := mockFs(t, map[string]string{"a": "12345", "b/c": "123"})
	m := NewMetrics()

	_, err := newTestHasher(fs, WithMetrics(m)).HashDirectory(context.Background(), root, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.filesHashed))
	assert.Equal(t, float64(8), testutil.ToFloat64(m.bytesHashed))
	assert.Equal(t, 1, testutil.CollectAndCount(m.walkDuration))
}

func TestHashDirectoryLogsSummary(t *testing.T) {
	fs := mockFs(t, map[string]string{"a": "12345"})
	logger, hook := logrusTest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	_, err := newTestHasher(fs, WithLogger(logger)).HashDirectory(context.Background(), root, nil, nil)
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "Hashed directory", entry.Message)
	assert.Equal(t, 1, entry.Data["files"])
	assert.Equal(t, int64(5), entry.Data["bytes"])
}

func TestHashDirectoryOnDisk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "real.txt"), []byte("real"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("nested"), 0644))
	require.NoError(t, os.Symlink(filepath.Join(dir, "real.txt"), filepath.Join(dir, "link.txt")))
	require.NoError(t, os.Symlink(filepath.Join(dir, "sub"), filepath.Join(dir, "sublink")))

	logger, _ := logrusTest.NewNullLogger()
	snapshot, err := New(WithLogger(logger)).HashDirectory(context.Background(), dir, nil, nil)
	require.NoError(t, err)

	// Links to files are followed, links to directories are skipped.
	assert.Equal(t, []string{"link.txt", "real.txt", "sub/nested.txt"}, filePaths(snapshot))
	link, ok := snapshot.Lookup("link.txt")
	require.True(t, ok)
	assert.Equal(t, hashOf("real"), link.(*tree.File).Hash())
}

func TestHashDirectoryOnDiskPermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read files regardless of their permissions")
	}

	dir := t.TempDir()
	locked := filepath.Join(dir, "locked.jar")
	require.NoError(t, os.WriteFile(locked, []byte("locked"), 0000))

	logger, _ := logrusTest.NewNullLogger()
	_, err := New(WithLogger(logger)).HashDirectory(context.Background(), dir, nil, nil)
	assert.EqualError(t, err, fmt.Sprintf("cannot open %s: permission denied", locked))
}
