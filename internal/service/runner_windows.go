//go:build windows

package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/windows/svc"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/logging"
)

func run(name string, runner Runner) error {
	isService, err := svc.IsWindowsService()
	if err != nil {
		logging.Warn("cannot detect service manager, assuming interactive", "error", err)
		return runInteractive(name, runner)
	}
	if isService {
		return svc.Run(name, &serviceHandler{runner: runner})
	}
	return runInteractive(name, runner)
}

func runInteractive(name string, runner Runner) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}

	sig := <-sigChan
	logging.Info("received shutdown signal", "signal", sig.String())
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer stopCancel()
	return runner.Stop(stopCtx)
}

type serviceHandler struct {
	runner Runner
}

func (h *serviceHandler) Execute(_ []string, r <-chan svc.ChangeRequest, s chan<- svc.Status) (bool, uint32) {
	const cmdsAccepted = svc.AcceptStop | svc.AcceptShutdown

	s <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.runner.Start(ctx); err != nil {
		logging.Error("service start failed", "error", err)
		return true, 1
	}

	s <- svc.Status{State: svc.Running, Accepts: cmdsAccepted}

loop:
	for c := range r {
		switch c.Cmd {
		case svc.Interrogate:
			s <- c.CurrentStatus
		case svc.Stop, svc.Shutdown:
			s <- svc.Status{State: svc.StopPending}
			cancel()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			if err := h.runner.Stop(stopCtx); err != nil {
				logging.Error("service stop failed", "error", err)
			}
			stopCancel()
			break loop
		}
	}
	return false, 0
}
