package watch

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/treesync/cmd/util"
	"github.com/sidkik/treesync/pkg/config"
	"github.com/sidkik/treesync/pkg/diff"
	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/fswatch"
	"github.com/sidkik/treesync/pkg/hasher"
	"github.com/sidkik/treesync/pkg/store"
	"github.com/sidkik/treesync/pkg/tree"
)

// The interval to poll the filesystem for changes that the file watcher
// might have missed.
const pollInterval = 15 * time.Second

// Mocked for unit testing.
var watchFiles = fswatch.Watch

type options struct {
	filters          util.Filters
	snapshot         string
	published        string
	replaceConflicts bool
}

// New creates a new `watch` command.
func New() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "watch DIRECTORY",
		Short: "Report what a client directory needs whenever it changes",
		Long: "Watch DIRECTORY for changes, and after each change, log the files\n" +
			"that would need to be downloaded or removed to match the canonical\n" +
			"tree given by --snapshot or --published.",
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args[0], opts); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	util.AddFilterFlags(cmd, &opts.filters)
	cmd.Flags().StringVar(&opts.snapshot, "snapshot", "",
		"A JSON snapshot of the canonical tree. It's re-read on every check.")
	cmd.Flags().StringVar(&opts.published, "published", "",
		"Compare against the published snapshot PROFILE/VERSION/CATEGORY.")
	cmd.Flags().BoolVar(&opts.replaceConflicts, "replace-conflicts", false,
		"Replace paths that are a file on one side and a directory on the other, "+
			"rather than failing.")
	return cmd
}

func run(dir string, opts options) error {
	if (opts.snapshot == "") == (opts.published == "") {
		return errors.NewFriendlyError("Exactly one of --snapshot or --published must be given.")
	}

	cfg, err := util.ParseConf()
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	ctx, cancel := util.SignalContext()
	defer cancel()

	h := util.NewHasher(cfg)
	src, err := newTreeSource(cfg, h, dir, opts)
	if err != nil {
		return err
	}

	policy := diff.FailOnConflict
	if opts.replaceConflicts {
		policy = diff.Replace
	}

	w, err := newWatcher(ctx, log.StandardLogger(), clockwork.NewRealClock(), src, policy)
	if err != nil {
		return err
	}
	w.Run(ctx)
	return nil
}

// treeSource provides the two sides of each comparison.
type treeSource interface {
	// Dir is the directory being watched.
	Dir() string
	// Filters are the patterns used when hashing Dir.
	Filters() config.Category
	Local(ctx context.Context) (*tree.Dir, error)
	Remote(ctx context.Context) (*tree.Dir, error)
}

type diskSource struct {
	dir     string
	filters config.Category
	hasher  *hasher.Hasher

	snapshotPath string
	store        *store.Store
	key          store.Key
}

func newTreeSource(cfg config.Config, h *hasher.Hasher, dir string, opts options) (diskSource, error) {
	src := diskSource{
		dir:          dir,
		filters:      opts.filters.Resolve(cfg),
		hasher:       h,
		snapshotPath: opts.snapshot,
	}
	if opts.published == "" {
		return src, nil
	}

	key, err := store.ParseKey(opts.published)
	if err != nil {
		return diskSource{}, errors.NewFriendlyError(
			"Invalid snapshot %q: %s\n"+
				"Published snapshots are named PROFILE/VERSION/CATEGORY.", opts.published, err)
	}

	st, err := util.OpenStore(cfg, h)
	if err != nil {
		return diskSource{}, errors.WithContext(err, "open store")
	}
	src.store = st
	src.key = key
	return src, nil
}

func (src diskSource) Dir() string {
	return src.dir
}

func (src diskSource) Filters() config.Category {
	return src.filters
}

func (src diskSource) Local(ctx context.Context) (*tree.Dir, error) {
	return src.hasher.HashDirectory(ctx, src.dir, src.filters.Include, src.filters.Exclude)
}

func (src diskSource) Remote(ctx context.Context) (*tree.Dir, error) {
	if src.store == nil {
		return util.LoadTree(ctx, src.hasher, src.snapshotPath, config.Category{})
	}

	snapshot, err := src.store.Get(src.key)
	if err != nil {
		return nil, err
	}
	return snapshot.Tree, nil
}

type watcher struct {
	source      treeSource
	policy      diff.ConflictPolicy
	fileWatcher chan struct{}
	clock       clockwork.Clock
	log         *log.Entry
}

func newWatcher(ctx context.Context, logger *log.Logger, clock clockwork.Clock,
	src treeSource, policy diff.ConflictPolicy) (watcher, error) {

	dir := src.Dir()
	entry := logger.WithField("dir", dir)
	filters := src.Filters()
	fileWatcher, err := watchFiles(ctx, dir, filters.Include, filters.Exclude)
	if err != nil {
		rootCause := errors.RootCause(err)
		if dneErr, ok := rootCause.(errors.FileNotFound); ok {
			return watcher{}, errors.NewFriendlyError(
				"Failed to watch files.\n%q doesn't exist.", dneErr.Path)
		} else if strings.Contains(rootCause.Error(), "too many open files") {
			entry.Warnf("Too many files to automatically watch for changes. "+
				"Polling for changes every %s instead.", pollInterval)

			// Disable the file watcher channel.
			fileWatcher = nil
		} else {
			return watcher{}, errors.WithContext(err, "watch files")
		}
	}

	return watcher{
		source:      src,
		policy:      policy,
		fileWatcher: fileWatcher,
		clock:       clock,
		log:         entry,
	}, nil
}

// Run checks the directory once, and then again whenever it changes or the
// poll interval passes, until `ctx` is done.
func (w watcher) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(pollInterval)
	defer ticker.Stop()

	var last *checkResult
	fileWatcher := w.fileWatcher
	for {
		res, err := w.checkOnce(ctx, last)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.WithError(err).Error("Check failed")
		} else {
			last = &res
		}

		select {
		case _, ok := <-fileWatcher:
			if !ok {
				fileWatcher = nil
			}
		case <-ticker.Chan():
		case <-ctx.Done():
			return
		}
	}
}

type checkResult struct {
	diff.Plan
	fetch []string
}

// checkOnce compares the directory against the canonical tree, and logs the
// result if it differs from the `last` one.
func (w watcher) checkOnce(ctx context.Context, last *checkResult) (checkResult, error) {
	local, err := w.source.Local(ctx)
	if err != nil {
		return checkResult{}, errors.WithContext(err, "hash local files")
	}

	remote, err := w.source.Remote(ctx)
	if err != nil {
		return checkResult{}, errors.WithContext(err, "get canonical tree")
	}

	result, err := diff.Compare(local, remote, diff.WithConflictPolicy(w.policy))
	if err != nil {
		return checkResult{}, errors.WithContext(err, "compare")
	}

	plan := diff.NewPlan(result, remote)
	fetch := lo.Map(plan.Fetch, func(f *tree.File, _ int) string {
		return f.Path()
	})
	if last != nil && slices.Equal(fetch, last.fetch) && slices.Equal(plan.Prune, last.Prune) {
		return checkResult{Plan: plan, fetch: fetch}, nil
	}

	if plan.Empty() {
		w.log.Info("Up to date")
	} else {
		w.log.WithFields(log.Fields{
			"fetch": fetch,
			"prune": plan.Prune,
		}).Debug("Pending changes")
		w.log.Infof("Out of date: %s", plan)
	}
	return checkResult{Plan: plan, fetch: fetch}, nil
}
