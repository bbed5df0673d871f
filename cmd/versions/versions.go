package versions

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sidkik/treesync/cmd/util"
	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/tree"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `versions` command.
func New() *cobra.Command {
	var latest bool
	cmd := &cobra.Command{
		Use:   "versions PROFILE",
		Short: "List the published snapshots of a profile",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args[0], latest); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false,
		"Only print the newest published version.")
	return cmd
}

func run(profile string, latest bool) error {
	cfg, err := util.ParseConf()
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	st, err := util.OpenStore(cfg, util.NewHasher(cfg))
	if err != nil {
		return errors.WithContext(err, "open store")
	}

	if latest {
		version, err := st.Latest(profile)
		if err != nil {
			return errors.WithContext(err, "get latest version")
		}
		fmt.Fprintln(stdout, version)
		return nil
	}

	keys, err := st.Keys(profile)
	if err != nil {
		return errors.WithContext(err, "list snapshots")
	}
	if len(keys) == 0 {
		return errors.NewFriendlyError("Nothing has been published for %q.", profile)
	}

	out := tabwriter.NewWriter(stdout, 0, 10, 5, ' ', 0)
	defer out.Flush()

	fmt.Fprintln(out, "VERSION\tCATEGORY\tFILES\tSIZE\tPUBLISHED")
	for _, key := range keys {
		snapshot, err := st.Get(key)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("get %s", key))
		}

		stats := tree.Summarize(snapshot.Tree)
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n", key.Version, key.Category,
			humanize.Comma(int64(stats.Files)), humanize.Bytes(uint64(stats.TotalBytes)),
			snapshot.PublishedAt.Format(time.RFC3339))
	}
	return nil
}
