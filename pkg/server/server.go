/*
Package server exposes published snapshots over HTTP.

Clients fetch the canonical tree of a version, download individual files from
it, and ask the server to diff a local installation against it:

	GET  /v1/profiles/{profile}/versions
	GET  /v1/profiles/{profile}/versions/{version}/trees/{category}
	POST /v1/profiles/{profile}/versions/{version}/trees/{category}
	GET  /v1/profiles/{profile}/versions/{version}/files/{category}/{path}
	POST /v1/profiles/{profile}/versions/{version}/sync/{category}
	GET  /metrics
*/
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/treesync/pkg/config"
	"github.com/sidkik/treesync/pkg/diff"
	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/hasher"
	"github.com/sidkik/treesync/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Server handles the snapshot routes.
type Server struct {
	config         config.Config
	store          *store.Store
	hasher         *hasher.Hasher
	fs             afero.Fs
	log            log.FieldLogger
	registry       *prometheus.Registry
	conflictPolicy diff.ConflictPolicy

	requests *prometheus.CounterVec
	router   *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithHasher sets the hasher used to hash local installations for sync
// requests.
func WithHasher(h *hasher.Hasher) Option {
	return func(s *Server) {
		s.hasher = h
	}
}

// WithFs sets the filesystem that canonical files are served from.
func WithFs(fs afero.Fs) Option {
	return func(s *Server) {
		s.fs = fs
	}
}

// WithLogger sets the logger used for access logs.
func WithLogger(logger log.FieldLogger) Option {
	return func(s *Server) {
		s.log = logger
	}
}

// WithRegistry sets the registry that the server's metrics are registered
// with and that /metrics exports.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = registry
	}
}

// WithConflictPolicy sets how sync requests handle names that are a file on
// one side and a directory on the other.
func WithConflictPolicy(policy diff.ConflictPolicy) Option {
	return func(s *Server) {
		s.conflictPolicy = policy
	}
}

// New creates a server for the snapshots in `st`. Canonical trees are read
// from cfg.ClientsDir, and hashed with the filters of their category.
func New(cfg config.Config, st *store.Store, opts ...Option) (*Server, error) {
	s := &Server{
		config: cfg,
		store:  st,
		fs:     afero.NewOsFs(),
		log:    log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hasher == nil {
		s.hasher = hasher.New(hasher.WithWorkers(cfg.Workers), hasher.WithLogger(s.log))
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}

	s.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_http_requests_total",
			Help: "The total number of HTTP requests, partitioned by route and status code.",
		},
		[]string{"route", "code"},
	)
	if err := s.registry.Register(s.requests); err != nil {
		return nil, errors.WithContext(err, "register metrics")
	}

	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	profile := r.PathPrefix("/v1/profiles/{profile}").Subrouter()
	profile.HandleFunc("/versions", s.listVersions).
		Methods(http.MethodGet).Name("versions")

	version := profile.PathPrefix("/versions/{version}").Subrouter()
	version.HandleFunc("/trees/{category}", s.getTree).
		Methods(http.MethodGet).Name("getTree")
	version.HandleFunc("/trees/{category}", s.publishTree).
		Methods(http.MethodPost).Name("publishTree")
	version.HandleFunc("/files/{category}/{path:.+}", s.getFile).
		Methods(http.MethodGet, http.MethodHead).Name("getFile")
	version.HandleFunc("/sync/{category}", s.sync).
		Methods(http.MethodPost).Name("sync")

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).
		Methods(http.MethodGet).Name("metrics")
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves HTTP requests on `addr` until `ctx` is done, and then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	s.log.WithField("address", addr).Info("Serving snapshots")
	select {
	case err := <-serveErr:
		return errors.WithContext(err, "serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.WithContext(err, "shutdown")
	}
	return nil
}
