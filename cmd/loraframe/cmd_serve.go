package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"loraframe/studio/internal/api"
)

const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the studio HTTP service",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.hub.Close()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := api.NewServer(a.store, a.jobs, a.cast, a.client, a.editor, a.hub, a.metrics, logger, api.Options{
		DefaultMode:    a.mode,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	httpSrv := srv.HTTPServer(cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// warm the cast cache; the studio still starts when the API is down
	if _, err := a.cast.Refresh(ctx); err != nil {
		logger.Warn("initial cast load failed", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_start",
			zap.String("addr", cfg.Server.Addr),
			zap.String("api_base_url", a.client.BaseURL()),
			zap.String("default_mode", string(a.mode)),
			zap.Duration("poll_interval", cfg.Poll.Interval),
			zap.Int("poll_max_attempts", cfg.Poll.MaxAttempts),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited with error", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("server_stop")
	shutdown(httpSrv, srv, shutdownGrace)
	return nil
}

// shutdown drains HTTP connections, then background generations, each
// within its own grace period.
func shutdown(httpSrv *http.Server, srv *api.Server, grace time.Duration) {
	httpCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := httpSrv.Shutdown(httpCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	jobsCtx, cancelJobs := context.WithTimeout(context.Background(), grace)
	defer cancelJobs()
	if err := srv.Shutdown(jobsCtx); err != nil {
		logger.Warn("background generations still running at exit", zap.Error(err))
	}
}
