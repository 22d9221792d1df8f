// Package gateway is the HTTP edge: it resolves short link tokens and
// streams the linked objects with full range support, and exposes the
// operator API used to mint and revoke links.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/net/netutil"

	"github.com/titaniumlabs/streamgate/pkg/infrastructure/config"
	"github.com/titaniumlabs/streamgate/pkg/infrastructure/logging"
	"github.com/titaniumlabs/streamgate/pkg/registry"
	"github.com/titaniumlabs/streamgate/pkg/streamer"
	"github.com/titaniumlabs/streamgate/pkg/upstream"
)

// Server is the HTTP edge of the gateway
type Server struct {
	registry registry.Registry
	store    upstream.Store
	streamer *streamer.Streamer
	log      *logging.Logger

	publicBaseURL    string
	adminKey         string
	tokenLength      int
	maxConnections   int
	idleWriteTimeout time.Duration
	listenAddr       string

	tracker *transferTracker
	hub     *eventHub
	router  *mux.Router
	httpSrv *http.Server
}

// NewServer wires the edge together. The registry, store and streamer are
// owned by the caller; the server only borrows them.
func NewServer(cfg *config.Config, reg registry.Registry, store upstream.Store, str *streamer.Streamer, log *logging.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if reg == nil || store == nil || str == nil {
		return nil, fmt.Errorf("registry, store and streamer are required")
	}
	if log == nil {
		log = logging.Nop()
	}

	s := &Server{
		registry:         reg,
		store:            store,
		streamer:         str,
		log:              log.WithComponent("gateway"),
		publicBaseURL:    cfg.Server.BaseURL,
		adminKey:         cfg.Server.AdminKey,
		tokenLength:      cfg.Registry.TokenLength,
		maxConnections:   cfg.Server.MaxConnections,
		idleWriteTimeout: time.Duration(cfg.Server.IdleWriteTimeoutSeconds) * time.Second,
		listenAddr:       fmt.Sprintf(":%d", cfg.Server.Port),
		tracker:          newTransferTracker(),
	}
	s.hub = newEventHub(s.tracker, log)
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Handler: s.router,
		// Streams run for hours; only the header read is bounded here.
		// Per-write deadlines come from the sink.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleAlive).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/dl/{token}", s.handleDownload).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/stream/{token}", s.handleStream).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/watch/{token}", s.handleWatch).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.adminAuth)
	api.HandleFunc("/links", s.handleCreateLink).Methods(http.MethodPost)
	api.HandleFunc("/links", s.handleListLinks).Methods(http.MethodGet)
	api.HandleFunc("/links", s.handlePurgeLinks).Methods(http.MethodDelete)
	api.HandleFunc("/links/{token}", s.handleDeleteLink).Methods(http.MethodDelete)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/events", s.hub.handleWebSocket).Methods(http.MethodGet)

	s.router = r
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens and serves until the listener fails or Shutdown is called.
// Accepted connections are capped so that stream fan-out cannot exhaust the
// upstream connection pool.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	ln = netutil.LimitListener(ln, s.maxConnections)

	hubCtx, hubCancel := context.WithCancel(ctx)
	defer hubCancel()
	go s.hub.Run(hubCtx)

	s.log.Info("gateway listening", map[string]interface{}{
		"addr":            s.listenAddr,
		"max_connections": s.maxConnections,
	})
	if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
