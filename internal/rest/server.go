// Package rest serves the update daemon's local REST API.
package rest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rexos/rexos-updated/internal/daemon"
)

// Server holds the internal state of the REST API server.
type Server struct {
	socketPath string
	daemon     *daemon.Daemon
	server     *http.Server
}

// NewServer returns a REST API server object.
func NewServer(d *daemon.Daemon, socketPath string) (*Server, error) {
	// Define the struct.
	server := Server{
		socketPath: socketPath,
		daemon:     d,
	}

	// Create runtime path if missing.
	err := os.MkdirAll(filepath.Dir(socketPath), 0o700)
	if err != nil {
		return nil, err
	}

	return &server, nil
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	router := http.NewServeMux()

	router.HandleFunc("/", s.apiRoot)
	router.HandleFunc("/1.0", s.apiRoot10)
	router.HandleFunc("/1.0/update", s.apiUpdate)
	router.HandleFunc("/1.0/update/:cancel", s.apiUpdateCancel)
	router.HandleFunc("/1.0/update/:check", s.apiUpdateCheck)
	router.HandleFunc("/1.0/update/:download", s.apiUpdateDownload)
	router.HandleFunc("/1.0/update/:install", s.apiUpdateInstall)
	router.HandleFunc("/1.0/update/:rollback", s.apiUpdateRollback)
	router.HandleFunc("/1.0/update/:update", s.apiUpdateUpdate)
	router.HandleFunc("/1.0/update/backups", s.apiUpdateBackups)
	router.HandleFunc("/1.0/update/progress", s.apiUpdateProgress)

	return router
}

// Serve starts the REST API server. It returns once ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	// Setup listener.
	_ = os.Remove(s.socketPath)
	lc := &net.ListenConfig{}

	listener, err := lc.Listen(ctx, "unix", s.socketPath)
	if err != nil {
		return err
	}

	err = os.Chmod(s.socketPath, 0o660)
	if err != nil {
		_ = listener.Close()

		return err
	}

	// Setup server.
	s.server = &http.Server{
		Handler: s.Handler(),

		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = s.server.Shutdown(shutdownCtx) //nolint:contextcheck
	}()

	err = s.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}
