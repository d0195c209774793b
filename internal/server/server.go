// Package server runs the HTTP API on top of the application container and
// drains it on shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/api"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/app"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/config"
)

const shutdownTimeout = 10 * time.Second

// Server owns the HTTP listener.
type Server struct {
	cfg    config.Config
	logger *zap.Logger
	api    *api.Server
	closer func()
	listen func(network, addr string) (net.Listener, error)
}

// New builds a Server for a. Closing the Server closes a.
func New(a *app.App) *Server {
	return newServer(a.Config(), a.Logger(), api.NewServer(a.Service(), a.Config(), a.Logger().Named("api")), a.Close)
}

func newServer(cfg config.Config, logger *zap.Logger, apiServer *api.Server, closer func()) *Server {
	// Define a struct for logging only non-sensitive config fields
	type SanitizedConfig struct {
		ServerPort  int    `json:"server_port"`
		Site        string `json:"site"`
		AuthEnabled bool   `json:"auth_enabled"`
	}
	logger.Info("Creating server", zap.Any("config", SanitizedConfig{
		ServerPort:  cfg.Server.Port,
		Site:        cfg.Site.URL,
		AuthEnabled: cfg.Auth.Enabled,
	}))
	return &Server{
		cfg:    cfg,
		logger: logger,
		api:    apiServer,
		closer: closer,
		listen: net.Listen,
	}
}

// Run serves until ctx is canceled or SIGINT/SIGTERM arrives, then shuts the
// listener down and closes the application.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := s.listen("tcp", fmt.Sprintf(":%d", s.cfg.Server.Port))
	if err != nil {
		s.close()
		return fmt.Errorf("listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	s.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server shutdown error", zap.Error(err))
	}
	s.close()
	s.logger.Info("shutdown complete")

	if err, ok := <-serveErr; ok && err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (s *Server) close() {
	if s.closer != nil {
		s.closer()
	}
}
