package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/vigil-net/vigil/internal/state"
)

// Server is the collector HTTP server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux

	store    *state.Store
	pipeline *Pipeline
	metrics  *Metrics

	// nodeSeen remembers the last batch time per node for liveness.
	nodeSeen *xsync.Map[string, time.Time]
}

// NewServer creates the collector server wired with all routes.
func NewServer(port int, store *state.Store, pipeline *Pipeline, metrics *Metrics) *Server {
	s := &Server{
		store:    store,
		pipeline: pipeline,
		metrics:  metrics,
		nodeSeen: xsync.NewMap[string, time.Time](),
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/connections/batch", RequestBodyLimitMiddleware(8<<20, s.handleBatch()))
	mux.Handle("GET /api/v1/connections/health", s.handleHealth())
	mux.Handle("GET /metrics", metrics.Handler())
	s.mux = mux

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// NodeLastSeen returns when the node last delivered a batch.
func (s *Server) NodeLastSeen(nodeUUID string) (time.Time, bool) {
	return s.nodeSeen.Load(nodeUUID)
}

// RequestBodyLimitMiddleware enforces a max request body size for
// downstream handlers.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
