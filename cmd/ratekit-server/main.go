// Command ratekit-server serves a small API protected by the built-in rate
// limit policies. It selects Redis or the in-process store from the environment
// (see internal/config) and keeps serving on the in-process store when Redis
// is unreachable.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nhalm/canonlog"

	"github.com/randy-rebucas/lingkod-ph-sub005/internal/config"
	"github.com/randy-rebucas/lingkod-ph-sub005/policy"
)

func main() {
	if err := run(); err != nil {
		ctx := canonlog.NewContext(context.Background())
		canonlog.InfoAdd(ctx, "event", "exit")
		canonlog.ErrorAdd(ctx, err)
		canonlog.Flush(ctx)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	reg, err := policy.NewRegistry(cfg.Policy())
	if err != nil {
		return fmt.Errorf("failed to build rate limit policies: %w", err)
	}
	defer reg.Close()

	logStartup(reg, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           newRouter(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logCtx := canonlog.NewContext(shutdownCtx)
	canonlog.InfoAdd(logCtx, "event", "shutdown")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		canonlog.ErrorAdd(logCtx, err)
	}
	canonlog.Flush(logCtx)
	return nil
}

func logStartup(reg *policy.Registry, cfg config.Config) {
	ctx := canonlog.NewContext(context.Background())
	defer canonlog.Flush(ctx)

	backend := "memory"
	if cfg.Policy().Backend.Shared() {
		backend = "redis"
	}

	canonlog.InfoAddMany(ctx, map[string]any{
		"event":             "startup",
		"port":              cfg.Server.Port,
		"env":               cfg.Server.Env,
		"ratelimit_backend": backend,
		"ratelimit_count":   len(reg.Names()),
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := reg.Ping(pingCtx); err != nil {
		// Requests are still limited per instance until Redis comes back.
		canonlog.InfoAdd(ctx, "ratelimit_degraded", true)
		canonlog.ErrorAdd(ctx, err)
	}
}
