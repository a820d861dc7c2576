package pipeline

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// SignalContext returns a context cancelled by the first SIGINT or SIGTERM.
// A second signal exits the process with status 130. Calling the returned
// function releases the signal handler.
func SignalContext(parent context.Context, logger *zap.Logger) (context.Context, context.CancelFunc) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	stop := make(chan struct{})
	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel()
			close(stop)
		})
	}

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Warn("interrupt received, finishing in-flight files; interrupt again to exit immediately",
				zap.String("signal", sig.String()))
			cancel()
		case <-stop:
			return
		}
		select {
		case sig := <-sigChan:
			logger.Error("second interrupt, exiting", zap.String("signal", sig.String()))
			os.Exit(130)
		case <-stop:
		}
	}()
	return ctx, release
}
