package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	nethttp "net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"lockstep/server/internal/config"
	"lockstep/server/internal/observability"
	"lockstep/server/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Run serves the host until ctx is cancelled or a component fails.
func Run(ctx context.Context, cfg config.Config, logger telemetry.Logger) error {
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}

	shutdownTracing, err := observability.Setup(ctx, observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	host, err := NewHost(ctx, cfg, Deps{Logger: logger})
	if err != nil {
		return err
	}

	srv := &nethttp.Server{Addr: cfg.HTTPAddr, Handler: host.Handler()}
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return host.Loop().Run(gctx)
	})
	group.Go(func() error {
		logger.Printf("server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := host.Close(closeCtx); cerr != nil {
		logger.Printf("failed to close host: %v", cerr)
	}
	if terr := shutdownTracing(closeCtx); terr != nil {
		logger.Printf("failed to shut down tracing: %v", terr)
	}
	return err
}
