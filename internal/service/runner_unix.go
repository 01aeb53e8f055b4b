//go:build !windows

package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/logging"
)

func run(name string, runner Runner) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logging.Info("received SIGHUP, reloading")
			if reloader, ok := runner.(Reloader); ok {
				if err := reloader.Reload(); err != nil {
					logging.Error("reload failed", "error", err)
				}
			}
		case syscall.SIGINT, syscall.SIGTERM:
			logging.Info("received shutdown signal", "signal", sig.String())
			cancel()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer stopCancel()
			return runner.Stop(stopCtx)
		}
	}
}
