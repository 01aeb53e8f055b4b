package service

import (
	"context"
	"time"
)

// ShutdownTimeout bounds graceful shutdown after a stop signal.
const ShutdownTimeout = 30 * time.Second

// Runner is a long-running daemon controlled by the platform runner.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Reloader is implemented by runners that react to a reload request
// (SIGHUP on unix).
type Reloader interface {
	Reload() error
}

// Run starts the runner and blocks until a shutdown signal arrives. On
// Windows it detects service-manager invocation and registers with SCM;
// everywhere else it handles signals directly.
func Run(name string, runner Runner) error {
	return run(name, runner)
}
