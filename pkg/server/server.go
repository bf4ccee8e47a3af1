// Package server exposes the bridge over HTTP.
//
// The surface is the one the remote client library speaks:
//
//	POST /                             - execute a query document
//	POST /transaction/start            - open an interactive transaction
//	POST /transaction/{id}/commit      - commit it
//	POST /transaction/{id}/rollback    - roll it back
//	GET  /health/status                - readiness probe (client connect poll)
//
// Queries inside an interactive transaction carry the session id in the
// X-transaction-id header. Responses use the protocol envelope:
// {"data":{"result":...}} on success, {"data":null,"errors":[...]} on
// failure, with the HTTP status derived from the error code.
//
// HTTP/2 is always enabled via h2c so the service works over cleartext
// connections without TLS configuration.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/majdyz/prisma-bridge/pkg/config"
	"github.com/majdyz/prisma-bridge/pkg/orm"
	"github.com/majdyz/prisma-bridge/pkg/txsession"
)

// Server serves the bridge protocol over one ORM capability handle.
type Server struct {
	cfg    *config.Config
	client orm.Client
	tx     *txsession.Manager

	httpServer *http.Server
	listener   net.Listener
	startedAt  time.Time

	requestCount   atomic.Int64
	errorCount     atomic.Int64
	activeRequests atomic.Int64
}

// New wires a server around the root client. The transaction registry is
// owned by the server instance; nothing is process-global.
func New(client orm.Client, cfg *config.Config) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Server{
		cfg:       cfg,
		client:    client,
		tx:        txsession.NewManager(client),
		startedAt: time.Now(),
	}
}

// Transactions exposes the session registry (used by tests and the stats
// endpoint).
func (s *Server) Transactions() *txsession.Manager { return s.tx }

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/transaction/", s.handleTransaction)
	mux.HandleFunc("/health/status", s.handleHealth)

	var h http.Handler = mux
	h = s.corsMiddleware(h)
	h = s.loggingMiddleware(h)
	h = s.recoveryMiddleware(h)
	h = s.metricsMiddleware(h)
	return h
}

// Start begins listening. It returns once the listener is bound; serving
// continues on a background goroutine.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln

	h2s := &http2.Server{}
	s.httpServer = &http.Server{
		Handler:           h2c.NewHandler(s.Handler(), h2s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[HTTP] serve error: %v", err)
		}
	}()

	log.Printf("[Bridge] listening on %s", ln.Addr())
	return nil
}

// Addr reports the bound address (useful with port 0 in tests).
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts down gracefully: open transactions are rejected first so no
// native transaction is left half-open, then in-flight requests drain.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.tx.Shutdown(ctx); err != nil {
		log.Printf("[Bridge] transaction shutdown: %v", err)
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
