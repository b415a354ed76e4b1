// Package server runs the HTTP API on top of a built application.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/drive-backup/internal/api"
	"github.com/JakeFAU/drive-backup/internal/app"
)

// Run serves the API until ctx is canceled, then drains the server and closes
// the application.
func Run(ctx context.Context, a *app.App) error {
	cfg := a.Config()
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return Serve(ctx, a, ln)
}

// Serve is Run on an existing listener.
func Serve(ctx context.Context, a *app.App, ln net.Listener) error {
	cfg := a.Config()
	logger := a.Logger()
	apiServer := api.NewServer(a.Service(), cfg, logger)

	srv := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server error", zap.Error(err))
			runErr = fmt.Errorf("serve: %w", err)
		}
	}
	logger.Info("shutdown initiated")

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Warn("application close failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return runErr
}
