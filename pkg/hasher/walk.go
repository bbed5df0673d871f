package hasher

import (
	"context"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/match"
	"github.com/sidkik/treesync/pkg/tree"
)

// dirBuilder collects the contents of one directory while the tree is being
// listed. It's only touched by the goroutine running HashDirectory.
type dirBuilder struct {
	rel     string
	abs     string
	subdirs []*dirBuilder
	files   []int

	// included is false for directories that don't match the include
	// patterns themselves. They're dropped if nothing below them is kept.
	included bool
}

// fileJob is a file waiting to be hashed. Each hashing goroutine writes only
// to its own job. The size is the number of bytes hashed, not the size
// listed with the directory.
type fileJob struct {
	rel  string
	abs  string
	size int64
	hash string
}

// HashDirectory returns a snapshot of the directory at `root`.
//
// Every entry below `root` is filtered by its path relative to `root`, using
// forward slashes, at every depth:
//   - Entries matching any of `exclude` are skipped. Excluded directories are
//     pruned along with everything below them.
//   - Otherwise, if `include` is non-empty, files matching none of `include`
//     are skipped. Directories are still descended into, since `^assets/`
//     matches files below `assets` but not `assets` itself. A directory that
//     doesn't match `include` as `dir` or `dir/` is left out of the snapshot
//     if nothing below it was kept.
//   - Remaining files are hashed.
//
// Invalid patterns are logged and never match.
//
// The directory structure is listed first, and the files are then hashed in
// parallel with at most the configured number of workers. If any directory
// can't be listed or any file can't be read, or if `ctx` is cancelled, all
// outstanding reads are stopped and the error is returned without a tree.
func (h *Hasher) HashDirectory(ctx context.Context, root string,
	include, exclude []string) (*tree.Dir, error) {

	start := h.clock.Now()
	filter := match.NewFilter(include, exclude, h.log)

	fi, err := h.fs.Stat(root)
	if err != nil {
		h.metrics.ioError("stat")
		return nil, errors.IOError{Op: "stat", Path: root, Err: err}
	}
	if !fi.IsDir() {
		return nil, errors.IOError{Op: "list", Path: root, Err: errors.New("not a directory")}
	}

	dirs, jobs, err := h.list(ctx, root, filter)
	if err != nil {
		return nil, err
	}

	if err := h.hashJobs(ctx, jobs); err != nil {
		return nil, err
	}

	snapshot := assemble(dirs, jobs)

	duration := h.clock.Since(start)
	h.metrics.observeWalk(duration)
	stats := tree.Summarize(snapshot)
	h.log.WithFields(log.Fields{
		"root":     root,
		"files":    stats.Files,
		"dirs":     stats.Dirs,
		"bytes":    stats.TotalBytes,
		"duration": duration,
	}).Debug("Hashed directory")
	return snapshot, nil
}

// list walks the directory structure below `root` without reading any file
// contents. The returned directories are in discovery order, so every
// directory comes after its parent.
func (h *Hasher) list(ctx context.Context, root string, filter match.Filter) (
	[]*dirBuilder, []fileJob, error) {

	rootDir := &dirBuilder{rel: "", abs: root, included: true}
	dirs := []*dirBuilder{rootDir}
	var jobs []fileJob

	stack := []*dirBuilder{rootDir}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		// ReadDir returns the entries sorted by name.
		children, err := afero.ReadDir(h.fs, dir.abs)
		if err != nil {
			h.metrics.ioError("list")
			return nil, nil, errors.IOError{Op: "list", Path: dir.abs, Err: err}
		}

		for _, child := range children {
			rel := tree.Join(dir.rel, child.Name())
			abs := filepath.Join(dir.abs, child.Name())
			mode := child.Mode()
			if mode.IsDir() {
				if filter.SkipDir(rel) {
					continue
				}
			} else if filter.SkipFile(rel) {
				continue
			}

			switch {
			case mode.IsDir():
				sub := &dirBuilder{rel: rel, abs: abs, included: filter.IncludesDir(rel)}
				dir.subdirs = append(dir.subdirs, sub)
				dirs = append(dirs, sub)
				stack = append(stack, sub)

			case mode.IsRegular():
				dir.files = append(dir.files, len(jobs))
				jobs = append(jobs, fileJob{rel: rel, abs: abs})

			case mode&os.ModeSymlink != 0:
				target, err := h.fs.Stat(abs)
				if err != nil {
					h.metrics.ioError("stat")
					return nil, nil, errors.IOError{Op: "stat", Path: abs, Err: err}
				}

				// Only links to regular files are followed. Following links
				// to directories could loop forever.
				if !target.Mode().IsRegular() {
					h.log.WithField("path", rel).Warn("Skipping symlink that doesn't point to a regular file")
					continue
				}
				dir.files = append(dir.files, len(jobs))
				jobs = append(jobs, fileJob{rel: rel, abs: abs})

			default:
				// Devices, sockets and pipes have no stable contents, and
				// reading a pipe would block.
				h.log.WithFields(log.Fields{
					"path": rel,
					"mode": mode.String(),
				}).Warn("Skipping special file")
			}
		}
	}
	return dirs, jobs, nil
}

// hashJobs hashes every job, at most h.workers at a time. The first error
// cancels the remaining reads.
func (h *Hasher) hashJobs(ctx context.Context, jobs []fileJob) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(h.workers)

	for i := range jobs {
		// Stop scheduling once something failed. The goroutines that are
		// already running notice the cancellation between chunks.
		if groupCtx.Err() != nil {
			break
		}

		job := &jobs[i]
		group.Go(func() error {
			hash, size, err := h.hashFile(groupCtx, job.abs)
			if err != nil {
				return err
			}
			job.hash = hash
			job.size = size
			h.metrics.fileHashed(size)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	// The group's context is cancelled after Wait even when every job
	// succeeded, so check the caller's context instead.
	return ctx.Err()
}

// assemble builds the immutable tree from the listed directories and hashed
// files. Directories are built in reverse discovery order so that every
// subdirectory exists before its parent. Empty directories that weren't
// included are left out.
func assemble(dirs []*dirBuilder, jobs []fileJob) *tree.Dir {
	built := make(map[*dirBuilder]*tree.Dir, len(dirs))
	for i := len(dirs) - 1; i >= 0; i-- {
		dir := dirs[i]

		children := make([]tree.Entry, 0, len(dir.files)+len(dir.subdirs))
		for _, idx := range dir.files {
			job := jobs[idx]
			children = append(children, tree.NewFile(job.rel, job.size, job.hash))
		}
		for _, sub := range dir.subdirs {
			if subDir, ok := built[sub]; ok {
				children = append(children, subDir)
			}
		}

		if len(children) == 0 && !dir.included {
			continue
		}
		built[dir] = tree.NewDir(dir.rel, children...)
	}
	return built[dirs[0]]
}
