package diff

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sidkik/treesync/cmd/util"
	"github.com/sidkik/treesync/pkg/config"
	"github.com/sidkik/treesync/pkg/diff"
	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/hasher"
	"github.com/sidkik/treesync/pkg/store"
	"github.com/sidkik/treesync/pkg/tree"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

type options struct {
	filters          util.Filters
	published        string
	replaceConflicts bool
	plan             bool
}

// New creates a new `diff` command.
func New() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "diff LOCAL [REMOTE]",
		Short: "Compare a local client tree against a canonical one",
		Long: "Print the files that are missing, modified, or extra in LOCAL compared\n" +
			"to REMOTE. Both are a directory, a JSON snapshot file, or - for stdin.\n" +
			"REMOTE can be omitted when --published names a snapshot in the store.",
		Args: cobra.RangeArgs(1, 2),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args, opts); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	util.AddFilterFlags(cmd, &opts.filters)
	cmd.Flags().StringVar(&opts.published, "published", "",
		"Compare against the published snapshot PROFILE/VERSION/CATEGORY.")
	cmd.Flags().BoolVar(&opts.replaceConflicts, "replace-conflicts", false,
		"Replace paths that are a file on one side and a directory on the other, "+
			"rather than failing.")
	cmd.Flags().BoolVar(&opts.plan, "plan", false,
		"Print a summary of the downloads and deletions instead of the raw diff.")
	return cmd
}

func run(args []string, opts options) error {
	if (len(args) == 2) == (opts.published != "") {
		return errors.NewFriendlyError(
			"Exactly one of REMOTE or --published must be given.")
	}

	cfg, err := util.ParseConf()
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	ctx, cancel := util.SignalContext()
	defer cancel()

	h := util.NewHasher(cfg)
	filters := opts.filters.Resolve(cfg)
	local, err := util.LoadTree(ctx, h, args[0], filters)
	if err != nil {
		return errors.WithContext(err, "load local tree")
	}

	var remote *tree.Dir
	if opts.published != "" {
		remote, err = loadPublished(cfg, h, opts.published)
	} else {
		remote, err = util.LoadTree(ctx, h, args[1], filters)
	}
	if err != nil {
		return errors.WithContext(err, "load remote tree")
	}

	policy := diff.FailOnConflict
	if opts.replaceConflicts {
		policy = diff.Replace
	}

	result, err := diff.Compare(local, remote, diff.WithConflictPolicy(policy))
	if err != nil {
		var conflict errors.TreeConflict
		if errors.As(err, &conflict) {
			return errors.NewFriendlyError(
				"%q is a %s locally but a %s in the canonical tree.\n"+
					"Run with --replace-conflicts to replace it.",
				conflict.Path, conflict.Local, conflict.Remote)
		}
		return errors.WithContext(err, "compare")
	}

	if opts.plan {
		printPlan(diff.NewPlan(result, remote))
		return nil
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func loadPublished(cfg config.Config, h *hasher.Hasher, rawKey string) (*tree.Dir, error) {
	key, err := store.ParseKey(rawKey)
	if err != nil {
		return nil, errors.NewFriendlyError(
			"Invalid snapshot %q: %s\n"+
				"Published snapshots are named PROFILE/VERSION/CATEGORY.", rawKey, err)
	}

	st, err := util.OpenStore(cfg, h)
	if err != nil {
		return nil, errors.WithContext(err, "open store")
	}

	snapshot, err := st.Get(key)
	if err != nil {
		return nil, err
	}
	return snapshot.Tree, nil
}

func printPlan(plan diff.Plan) {
	fmt.Fprintln(stdout, plan.String())
	for _, f := range plan.Fetch {
		fmt.Fprintf(stdout, "+ %s\n", f.Path())
	}
	for _, path := range plan.Prune {
		fmt.Fprintf(stdout, "- %s\n", path)
	}
}
