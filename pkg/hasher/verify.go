package hasher

import (
	"context"
	"path/filepath"
	"strings"

	multierror "github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/tree"
)

// Check re-hashes the file at `path` and compares the digest to
// `expectedHash`, ignoring case. It returns an IntegrityMismatch if the
// digests differ, or the IOError if the file couldn't be read.
func (h *Hasher) Check(ctx context.Context, path, expectedHash string) error {
	actual, err := h.HashFile(ctx, path)
	if err != nil {
		h.metrics.integrityCheck("error")
		return err
	}

	if !strings.EqualFold(actual, strings.TrimSpace(expectedHash)) {
		h.metrics.integrityCheck("mismatch")
		return errors.IntegrityMismatch{
			Path:     path,
			Expected: expectedHash,
			Actual:   actual,
		}
	}

	h.metrics.integrityCheck("ok")
	return nil
}

// Verify returns whether the file at `path` hashes to `expectedHash`. It never
// returns an error: a file that's missing, unreadable or truncated simply
// fails the check.
func (h *Hasher) Verify(ctx context.Context, path, expectedHash string) bool {
	err := h.Check(ctx, path, expectedHash)
	if err != nil {
		h.log.WithError(err).WithField("path", path).Debug("File failed integrity check")
	}
	return err == nil
}

// VerifyAll checks every file in `files` against its expected hash. The files'
// paths are resolved relative to `root`. Unlike HashDirectory, a failure
// doesn't stop the other checks: the returned error is a
// *multierror.Error listing every file that failed, in the order of `files`.
func (h *Hasher) VerifyAll(ctx context.Context, root string, files []*tree.File) error {
	errs := make([]error, len(files))

	var group errgroup.Group
	group.SetLimit(h.workers)
	for i, f := range files {
		i, f := i, f
		group.Go(func() error {
			path := filepath.Join(root, filepath.FromSlash(f.Path()))
			errs[i] = h.Check(ctx, path, f.Hash())
			return nil
		})
	}
	_ = group.Wait()

	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
