package publish

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sidkik/treesync/cmd/util"
	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/store"
	"github.com/sidkik/treesync/pkg/tree"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `publish` command.
func New() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "publish PROFILE VERSION [CATEGORY...]",
		Short: "Hash a canonical client tree and publish its snapshot",
		Long: "Hash each category of a canonical client version and store the\n" +
			"snapshots so that they can be served and diffed against.\n\n" +
			"The files of each category are read from\n" +
			"<clientsDir>/PROFILE/VERSION/CATEGORY, and hashed with the filters\n" +
			"configured for the category. When no categories are given, every\n" +
			"configured category is published.",
		Args: cobra.MinimumNArgs(2),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args[0], args[1], args[2:], from); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&from, "from", "",
		"Read the files from this directory instead. Requires a single CATEGORY.")
	return cmd
}

func run(profile, version string, categories []string, from string) error {
	cfg, err := util.ParseConf()
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	if len(categories) == 0 {
		categories = cfg.CategoryNames()
	}
	if len(categories) == 0 {
		return errors.NewFriendlyError("No categories to publish.\n" +
			"Either pass them as arguments, or configure them in the treesync config.")
	}
	if from != "" && len(categories) != 1 {
		return errors.NewFriendlyError("--from requires exactly one CATEGORY.")
	}

	ctx, cancel := util.SignalContext()
	defer cancel()

	st, err := util.OpenStore(cfg, util.NewHasher(cfg))
	if err != nil {
		return errors.WithContext(err, "open store")
	}

	for _, category := range categories {
		key := store.Key{Profile: profile, Version: version, Category: category}
		if err := key.Validate(); err != nil {
			return errors.NewFriendlyError("Invalid snapshot name %q: %s", key, err)
		}

		root := from
		if root == "" {
			root = filepath.Join(cfg.ClientsDir, profile, version, category)
		}

		filters := cfg.Filters(category)
		snapshot, err := st.Publish(ctx, key, root, filters.Include, filters.Exclude)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("publish %s", key))
		}

		stats := tree.Summarize(snapshot.Tree)
		fmt.Fprintf(stdout, "Published %s: %s files (%s)\n", key,
			humanize.Comma(int64(stats.Files)), humanize.Bytes(uint64(stats.TotalBytes)))
	}
	return nil
}
