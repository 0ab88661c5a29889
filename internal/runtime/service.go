package runtime

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// RunUntilSignal starts serve in the background and blocks until it fails, ctx ends or
// SIGINT/SIGTERM arrives, then calls shutdown with a bounded grace period.
func RunUntilSignal(ctx context.Context, logger *log.Logger, serve func() error, shutdown func(context.Context) error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Printf("context cancelled, shutting down")
	case sig := <-sigCh:
		logger.Printf("received signal %s, shutting down", sig)
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	return shutdown(sctx)
}
