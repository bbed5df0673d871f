package hash

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/treesync/cmd/util"
	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/tree"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `hash` command.
func New() *cobra.Command {
	var filters util.Filters
	var output string
	cmd := &cobra.Command{
		Use:   "hash DIRECTORY",
		Short: "Hash a client directory into a JSON snapshot",
		Long: "Hash every file in a client directory, and print the resulting\n" +
			"snapshot as JSON. The snapshot can be passed to `treesync diff`.",
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args[0], filters, output); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	util.AddFilterFlags(cmd, &filters)
	cmd.Flags().StringVarP(&output, "output", "o", "",
		"Write the snapshot to this file rather than stdout.")
	return cmd
}

func run(dir string, filters util.Filters, output string) error {
	cfg, err := util.ParseConf()
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	ctx, cancel := util.SignalContext()
	defer cancel()

	patterns := filters.Resolve(cfg)
	snapshot, err := util.NewHasher(cfg).HashDirectory(ctx, dir, patterns.Include, patterns.Exclude)
	if err != nil {
		return errors.WithContext(err, "hash")
	}

	if output == "" {
		return tree.Encode(stdout, snapshot)
	}

	var buf bytes.Buffer
	if err := tree.Encode(&buf, snapshot); err != nil {
		return errors.WithContext(err, "encode snapshot")
	}
	if err := afero.WriteFile(util.Fs, output, buf.Bytes(), 0644); err != nil {
		return errors.WithContext(err, "write snapshot")
	}

	stats := tree.Summarize(snapshot)
	fmt.Fprintf(stdout, "Wrote snapshot of %s files (%s) to %s\n",
		humanize.Comma(int64(stats.Files)), humanize.Bytes(uint64(stats.TotalBytes)), output)
	return nil
}
