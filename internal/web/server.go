// Package web serves the controller's HTTP API: the task endpoints agents
// poll, and the RAP endpoints through which job requests are created,
// cancelled and observed.
package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/opensafely-core/jobrunner/internal/controller"
	"github.com/opensafely-core/jobrunner/internal/db"
)

// Config wires the server to the controller's internals.
type Config struct {
	Addr    string
	Store   *db.Store
	TaskAPI *controller.TaskAPI

	// BackendTokens maps backend -> the token its agent authenticates with.
	BackendTokens map[string]string

	// ClientTokens maps client token -> the backends it may act on.
	ClientTokens map[string][]string

	Log *zap.Logger
}

// Server is the controller's HTTP server.
type Server struct {
	addr string
	log  *zap.Logger

	httpServer   *http.Server
	httpListener net.Listener
}

// New builds the server and its routes. Does not listen; call Start.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}

	h := &handlers{
		store:         cfg.Store,
		taskAPI:       cfg.TaskAPI,
		backendTokens: cfg.BackendTokens,
		clientTokens:  cfg.ClientTokens,
		log:           cfg.Log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{backend}/tasks/", h.agentAuth(h.tasks))
	mux.HandleFunc("POST /{backend}/task/update/", h.agentAuth(h.taskUpdate))
	mux.HandleFunc("POST /rap/create/", h.clientAuth(h.rapCreate))
	mux.HandleFunc("POST /rap/cancel/", h.clientAuth(h.rapCancel))
	mux.HandleFunc("GET /rap/status/", h.clientAuth(h.rapStatus))
	mux.HandleFunc("GET /backend/status/", h.clientAuth(h.backendStatus))

	return &Server{
		addr: cfg.Addr,
		log:  cfg.Log,
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// Start begins listening. Non-blocking; the server runs in a goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.httpListener = listener
	s.addr = listener.Addr().String()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server stopped", zap.Error(err))
		}
	}()

	s.log.Info("http server listening", zap.String("addr", s.addr))
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

// Addr returns the actual listen address, useful with ephemeral ports.
func (s *Server) Addr() string {
	return s.addr
}
