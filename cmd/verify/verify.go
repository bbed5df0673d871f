package verify

import (
	"fmt"
	"io"
	"os"
	"strings"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/sidkik/treesync/cmd/util"
	"github.com/sidkik/treesync/pkg/config"
	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/tree"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `verify` command.
func New() *cobra.Command {
	var snapshotPath string
	cmd := &cobra.Command{
		Use:   "verify {FILE HASH | --snapshot SNAPSHOT DIRECTORY}",
		Short: "Check downloaded files against their expected SHA-256 hashes",
		Long: "Check that FILE hashes to HASH. With --snapshot, check every file\n" +
			"listed in SNAPSHOT against the copy in DIRECTORY, and report all\n" +
			"the files that don't match.",
		Args: cobra.RangeArgs(1, 2),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args, snapshotPath); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&snapshotPath, "snapshot", "",
		"A JSON snapshot, or - for stdin, listing the expected hashes.")
	return cmd
}

func run(args []string, snapshotPath string) error {
	cfg, err := util.ParseConf()
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	if snapshotPath != "" {
		if len(args) != 1 {
			return errors.NewFriendlyError("--snapshot takes a single DIRECTORY argument.")
		}
		return verifySnapshot(cfg, snapshotPath, args[0])
	}

	if len(args) != 2 {
		return errors.NewFriendlyError("Expected a FILE and its HASH.")
	}
	return verifyFile(cfg, args[0], args[1])
}

func verifyFile(cfg config.Config, path, expectedHash string) error {
	ctx, cancel := util.SignalContext()
	defer cancel()

	if err := util.NewHasher(cfg).Check(ctx, path, expectedHash); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: OK\n", path)
	return nil
}

func verifySnapshot(cfg config.Config, snapshotPath, dir string) error {
	ctx, cancel := util.SignalContext()
	defer cancel()

	h := util.NewHasher(cfg)
	snapshot, err := util.LoadTree(ctx, h, snapshotPath, config.Category{})
	if err != nil {
		return errors.WithContext(err, "load snapshot")
	}

	files := tree.Flatten(snapshot)
	err = h.VerifyAll(ctx, dir, files)
	if merr, ok := err.(*multierror.Error); ok {
		var msgs []string
		for _, err := range merr.Errors {
			msgs = append(msgs, "  "+err.Error())
		}
		return errors.NewFriendlyError("%d of %d files failed verification:\n%s",
			len(merr.Errors), len(files), strings.Join(msgs, "\n"))
	} else if err != nil {
		return errors.WithContext(err, "verify")
	}

	fmt.Fprintf(stdout, "Verified %d files\n", len(files))
	return nil
}
