package flatten

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sidkik/treesync/cmd/util"
	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/tree"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `flatten` command.
func New() *cobra.Command {
	var filters util.Filters
	cmd := &cobra.Command{
		Use:   "flatten SNAPSHOT",
		Short: "List every file in a snapshot",
		Long: "List the hash, size and path of every file in a snapshot, one per line.\n" +
			"SNAPSHOT is a directory, a JSON snapshot file, or - for stdin.",
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args[0], filters); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	util.AddFilterFlags(cmd, &filters)
	return cmd
}

func run(path string, filters util.Filters) error {
	cfg, err := util.ParseConf()
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	ctx, cancel := util.SignalContext()
	defer cancel()

	snapshot, err := util.LoadTree(ctx, util.NewHasher(cfg), path, filters.Resolve(cfg))
	if err != nil {
		return err
	}

	for _, f := range tree.Flatten(snapshot) {
		fmt.Fprintf(stdout, "%s  %d  %s\n", f.Hash(), f.Size(), f.Path())
	}
	return nil
}
