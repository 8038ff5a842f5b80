// Package gateway is the HTTP front end: it classifies a question, adds
// retrieved knowledge, and hands it to the dispatcher.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"sensei/internal/domain"
	"sensei/internal/infra/logger"
	"sensei/internal/infra/middleware"
	"sensei/internal/usecase/routing"
)

// Router is the classification surface the gateway needs.
type Router interface {
	Explain(ctx context.Context, input string) routing.Classification
	Correct(ctx context.Context, input string, category domain.Category) (routing.Correction, error)
}

// Dispatcher runs a classified request.
type Dispatcher interface {
	Dispatch(ctx context.Context, category domain.Category, input string) string
}

// Deps are the collaborators behind the endpoints. Knowledge and Embedder
// are optional; without them /v1/ask skips retrieval and
// /v1/knowledge/add reports the feature as disabled.
type Deps struct {
	Router     Router
	Dispatcher Dispatcher
	Embedder   domain.Embedder
	Knowledge  domain.KnowledgeStore
	RAGTopK    int
	Logger     *slog.Logger
}

// Options tune the HTTP server.
type Options struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestsPerMin int
	BurstSize      int
	// AuthToken, when set, is required as a bearer token on /v1 routes.
	AuthToken string
}

// Server serves the HTTP API.
type Server struct {
	deps    Deps
	opts    Options
	logger  *slog.Logger
	started time.Time

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
}

// NewServer creates a gateway server.
func NewServer(deps Deps, opts Options) *Server {
	if deps.RAGTopK <= 0 {
		deps.RAGTopK = 3
	}
	return &Server{deps: deps, opts: opts, logger: logger.OrDiscard(deps.Logger), started: time.Now()}
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler(ctx context.Context) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/ask", s.handleAsk)
	api.HandleFunc("POST /v1/debug/classify", s.handleClassify)
	api.HandleFunc("POST /v1/feedback", s.handleFeedback)
	api.HandleFunc("POST /v1/knowledge/add", s.handleAddDocument)

	var protected http.Handler = api
	if s.opts.AuthToken != "" {
		protected = BearerAuth(NewStaticTokenAuth(s.opts.AuthToken))(protected)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("/v1/", protected)

	var h http.Handler = mux
	if s.opts.RequestsPerMin > 0 {
		h = middleware.RateLimit(ctx, s.opts.RequestsPerMin, s.opts.BurstSize)(h)
	}
	h = middleware.AccessLog(s.logger)(h)
	h = middleware.RequestID(h)
	return middleware.SecurityHeaders(h)
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := listen(s.opts.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	srv := &http.Server{
		Handler:      s.Handler(ctx),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}
	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.httpSrv = srv
	s.mu.Unlock()
	s.logger.Info("gateway started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// UnixPrefix on an address selects a Unix domain socket.
const UnixPrefix = "unix://"

func listen(addr string) (net.Listener, error) {
	path, ok := strings.CutPrefix(addr, UnixPrefix)
	if !ok {
		return net.Listen("tcp", addr)
	}
	// A socket left by an unclean exit blocks the bind.
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o700); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
