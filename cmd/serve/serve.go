package serve

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/treesync/cmd/util"
	"github.com/sidkik/treesync/pkg/config"
	"github.com/sidkik/treesync/pkg/diff"
	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/hasher"
	"github.com/sidkik/treesync/pkg/server"
)

// New creates a new `serve` command.
func New() *cobra.Command {
	var listen string
	var replaceConflicts bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve published snapshots and canonical files over HTTP",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(listen, replaceConflicts); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "",
		"The address to listen on. Defaults to the `listen` field in the config.")
	cmd.Flags().BoolVar(&replaceConflicts, "replace-conflicts", false,
		"Replace paths that are a file on one side and a directory on the other "+
			"when computing syncs, rather than failing.")
	return cmd
}

func run(listen string, replaceConflicts bool) error {
	cfg, err := util.ParseConf()
	if err != nil {
		return errors.WithContext(err, "parse config")
	}
	if listen == "" {
		listen = cfg.Listen
	}

	srv, err := newServer(cfg, replaceConflicts)
	if err != nil {
		return err
	}

	ctx, cancel := util.SignalContext()
	defer cancel()
	return srv.Run(ctx, listen)
}

func newServer(cfg config.Config, replaceConflicts bool) (*server.Server, error) {
	registry := prometheus.NewRegistry()
	metrics := hasher.NewMetrics()
	for _, c := range []prometheus.Collector{
		metrics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(c); err != nil {
			return nil, errors.WithContext(err, "register metrics")
		}
	}

	h := util.NewHasher(cfg, hasher.WithMetrics(metrics))
	st, err := util.OpenStore(cfg, h)
	if err != nil {
		return nil, errors.WithContext(err, "open store")
	}

	policy := diff.FailOnConflict
	if replaceConflicts {
		policy = diff.Replace
	}

	logger := log.WithField("component", "server")
	logger.WithFields(log.Fields{
		"storeDir":       cfg.StoreDir,
		"clientsDir":     cfg.ClientsDir,
		"syncRoot":       cfg.SyncRoot,
		"conflictPolicy": policy.String(),
	}).Debug("Starting server")

	return server.New(cfg, st,
		server.WithHasher(h),
		server.WithFs(util.Fs),
		server.WithLogger(logger),
		server.WithRegistry(registry),
		server.WithConflictPolicy(policy))
}
