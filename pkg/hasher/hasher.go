/*
Package hasher takes content-hash snapshots of directory trees and verifies
individual files against expected digests.

Every file is identified by the SHA-256 digest of its contents, hex encoded in
lower case. HashDirectory walks a directory, applying include and exclude
filters to paths relative to the root of the walk, and returns an immutable
tree.Dir. Any read error aborts the whole walk: a partially hashed tree is
never returned, so it can never be diffed.

Verify is the inverse of HashFile for downloaded files. It fails closed: any
error while reading the file is reported as a failed check rather than an
error.
*/
package hasher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"runtime"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/tree"
)

// chunkSize is the size of the reads used to stream files through the hash.
// The context is checked between chunks.
const chunkSize = 64 * 1024

// DefaultWorkers is the number of files hashed in parallel when no limit is
// configured.
var DefaultWorkers = 2 * runtime.NumCPU()

// Hasher hashes files and directories. The zero value isn't usable; create one
// with New. A Hasher has no mutable state, so it's safe to share between
// concurrent walks.
type Hasher struct {
	fs      afero.Fs
	workers int
	log     log.FieldLogger
	metrics *Metrics
	clock   clockwork.Clock
}

// Option configures a Hasher.
type Option func(*Hasher)

// WithFs sets the filesystem to read from. Defaults to the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(h *Hasher) {
		h.fs = fs
	}
}

// WithWorkers limits the number of files hashed at once. Values below one
// select DefaultWorkers.
func WithWorkers(n int) Option {
	return func(h *Hasher) {
		h.workers = n
	}
}

// WithLogger sets the logger used for warnings and debug output.
func WithLogger(logger log.FieldLogger) Option {
	return func(h *Hasher) {
		h.log = logger
	}
}

// WithMetrics records hashing activity in `m`.
func WithMetrics(m *Metrics) Option {
	return func(h *Hasher) {
		h.metrics = m
	}
}

// WithClock sets the clock used to time walks.
func WithClock(clock clockwork.Clock) Option {
	return func(h *Hasher) {
		h.clock = clock
	}
}

// New creates a Hasher.
func New(opts ...Option) *Hasher {
	h := &Hasher{
		fs:    afero.NewOsFs(),
		log:   log.StandardLogger(),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.workers < 1 {
		h.workers = DefaultWorkers
	}
	return h
}

// HashFile returns the hex encoded SHA-256 digest of the contents of the file
// at `path`. It returns an IOError if the file can't be opened or read to the
// end, and the context's error if `ctx` is done before the file is read.
func (h *Hasher) HashFile(ctx context.Context, path string) (string, error) {
	hash, _, err := h.hashFile(ctx, path)
	return hash, err
}

// hashFile also returns the number of bytes that went into the hash, which
// can differ from a size listed earlier if the file changed in between.
func (h *Hasher) hashFile(ctx context.Context, path string) (string, int64, error) {
	f, err := h.fs.Open(path)
	if err != nil {
		h.metrics.ioError("open")
		return "", 0, errors.IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, chunkSize)
	var size int64
	for {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}

		n, err := f.Read(buf)
		hasher.Write(buf[:n])
		size += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			h.metrics.ioError("read")
			return "", 0, errors.IOError{Op: "read", Path: path, Err: err}
		}
	}

	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// HashFile hashes a file on the OS filesystem.
func HashFile(ctx context.Context, path string) (string, error) {
	return New().HashFile(ctx, path)
}

// HashDirectory snapshots a directory on the OS filesystem.
func HashDirectory(ctx context.Context, root string, include, exclude []string) (*tree.Dir, error) {
	return New().HashDirectory(ctx, root, include, exclude)
}

// Verify checks a file on the OS filesystem.
func Verify(ctx context.Context, path, expectedHash string) bool {
	return New().Verify(ctx, path, expectedHash)
}
