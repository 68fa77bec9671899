// Package api exposes the daemon's intent surface to presentation
// bindings: send, mark-read, retry, pagination, and a websocket stream of
// core events, served over the profile's unix-domain socket.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/bus"
	"github.com/courierhq/courier/internal/netmon"
	"github.com/courierhq/courier/internal/store"
	"github.com/courierhq/courier/internal/sync"
)

// Server serves the local HTTP API on a unix-domain socket.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	listener   net.Listener
	socketPath string

	engine  *sync.Engine
	db      *store.DB
	monitor *netmon.Monitor
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewServer creates the API server bound to socketPath.
func NewServer(socketPath string, engine *sync.Engine, db *store.DB, monitor *netmon.Monitor, b *bus.Bus, logger *zap.Logger) (*Server, error) {
	// Clean a stale socket from a previous run.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{
		router:     mux.NewRouter(),
		listener:   listener,
		socketPath: socketPath,
		engine:     engine,
		db:         db,
		monitor:    monitor,
		bus:        b,
		logger:     logger,
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/network", s.handleNetwork).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	v1.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	v1.HandleFunc("/conversations", s.handleStartConversation).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/open", s.handleOpen).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/close", s.handleClose).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/focus", s.handleFocus).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{id}/messages", s.handleSend).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/messages/more", s.handleLoadMore).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/read", s.handleMarkRead).Methods(http.MethodPost)

	v1.HandleFunc("/messages/{id}/retry", s.handleRetry).Methods(http.MethodPost)
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("api server starting", zap.String("socket", s.socketPath))
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("api server stopping")
	_ = s.httpServer.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
