package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	configCmd "github.com/sidkik/treesync/cmd/config"
	diffCmd "github.com/sidkik/treesync/cmd/diff"
	"github.com/sidkik/treesync/cmd/flatten"
	"github.com/sidkik/treesync/cmd/hash"
	"github.com/sidkik/treesync/cmd/publish"
	"github.com/sidkik/treesync/cmd/serve"
	"github.com/sidkik/treesync/cmd/util"
	"github.com/sidkik/treesync/cmd/verify"
	"github.com/sidkik/treesync/cmd/version"
	"github.com/sidkik/treesync/cmd/versions"
	"github.com/sidkik/treesync/cmd/watch"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "TREESYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "treesync",
		Short:        "Hash, diff and serve game client trees for incremental updates",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		configCmd.New(),
		diffCmd.New(),
		flatten.New(),
		hash.New(),
		publish.New(),
		serve.New(),
		verify.New(),
		version.New(),
		versions.New(),
		watch.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
