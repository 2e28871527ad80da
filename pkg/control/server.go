// Package control serves the daemon's management API on a local Unix
// socket. The surface is deliberately small: inspect entity and job state,
// trigger jobs ahead of their interval, adjust retention and target account
// standing, and ask the daemon to shut down. The matching Client in this
// package is what the CLI talks through.
//
// The socket is the only access control: anyone who can open it holds full
// control, so the daemon restricts its permissions to the owning user.
package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wardenfs/snapwarden/pkg/config"
	"github.com/wardenfs/snapwarden/pkg/coordinator"
	"github.com/wardenfs/snapwarden/pkg/health"
	"github.com/wardenfs/snapwarden/pkg/journal"
	"github.com/wardenfs/snapwarden/pkg/logging"
	"github.com/wardenfs/snapwarden/pkg/model"
	"github.com/wardenfs/snapwarden/pkg/util"
)

// Triggerer submits a job for immediate execution, bypassing its interval.
type Triggerer interface {
	Trigger(datasetID uuid.UUID, kind model.JobKind)
}

// StatusSource reports the per-dataset job machine states.
type StatusSource interface {
	Status() []coordinator.DatasetStatus
}

// ServiceStatus is one supervised service's state as shown by /v1/status.
type ServiceStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Options wires the server to the daemon internals it exposes.
type Options struct {
	Store   *config.Store
	Journal *journal.Journal
	Trigger Triggerer
	Status  StatusSource
	Monitor *health.Monitor
	Version string
	// Services reports the supervision tree state; nil leaves the field
	// empty in /v1/status.
	Services func() []ServiceStatus
	// Shutdown asks the daemon to stop. Called from its own goroutine so
	// the shutdown response still reaches the client.
	Shutdown func()
}

// Server is the control API. All state lives in the injected components;
// the server holds nothing beyond its start time.
type Server struct {
	store    *config.Store
	journal  *journal.Journal
	trigger  Triggerer
	status   StatusSource
	monitor  *health.Monitor
	version  string
	services func() []ServiceStatus
	shutdown func()
	started  time.Time
}

// New creates a control server. Store, Journal, Trigger, Status and Monitor
// must be set.
func New(opts Options) *Server {
	return &Server{
		store:    opts.Store,
		journal:  opts.Journal,
		trigger:  opts.Trigger,
		status:   opts.Status,
		monitor:  opts.Monitor,
		version:  opts.Version,
		services: opts.Services,
		shutdown: opts.Shutdown,
		started:  time.Now(),
	}
}

// Router builds the HTTP handler. Exposed separately from Serve so tests
// can drive it without a socket.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/version", s.handleVersion)
		r.Get("/alerts", s.handleAlerts)
		r.Get("/health/records", s.handleHealthRecords)

		r.Route("/datasets", func(r chi.Router) {
			r.Get("/", s.handleListDatasets)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDataset)
				r.Post("/snapshot", s.handleTrigger(model.JobSnapshot))
				r.Post("/replicate", s.handleTrigger(model.JobReplicate))
				r.Put("/retention", s.handleSetRetention)
			})
		})

		r.Post("/targets/{id}/account", s.handleSetAccountState)
		r.Post("/shutdown", s.handleShutdown)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Serve binds the Unix socket and serves the API until ctx is canceled.
// A stale socket left by a crashed process is removed before binding; the
// live socket is removed again on shutdown.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), util.UserWritableDirPerms); err != nil {
		return err
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(socketPath, util.PrivateFilePerms); err != nil {
		listener.Close()
		return err
	}

	server := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()
	logging.Info().Str("socket", socketPath).Msg("Control API listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
		}
		<-serveErr
		os.Remove(socketPath)
		return ctx.Err()
	case err := <-serveErr:
		os.Remove(socketPath)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
