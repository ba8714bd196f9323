package web

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Server holds the HTTP server and its handlers.
type Server struct {
	mux         *http.ServeMux
	orchestrate *OrchestrateHandler
	health      *HealthHandler
	onShutdown  func()
}

// NewServer creates the web server. onShutdown runs after in-flight
// requests drain, before the process exits; pool and store teardown
// belong there.
func NewServer(orchestrate *OrchestrateHandler, health *HealthHandler, onShutdown func()) *Server {
	s := &Server{
		mux:         http.NewServeMux(),
		orchestrate: orchestrate,
		health:      health,
		onShutdown:  onShutdown,
	}
	s.registerRoutes()
	return s
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	s.mux.Handle("/api/orchestrate", s.orchestrate)
	s.mux.Handle("/api/health", s.health)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins listening on WEB_PORT (default 8080) with graceful
// shutdown: on SIGINT/SIGTERM it waits up to 15s for in-flight streams
// to finish, then runs the shutdown hook.
func (s *Server) Start() error {
	port := os.Getenv("WEB_PORT")
	if port == "" {
		port = "8080"
	}

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: s.mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("[Web] Received signal %v, shutting down gracefully...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[Web] Graceful shutdown error: %v", err)
		}
	}()

	log.Printf("[Web] cloud-sage server running at http://localhost%s", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		if s.onShutdown != nil {
			s.onShutdown()
		}
		log.Println("[Web] Server stopped gracefully")
		return nil
	}
	return err
}
