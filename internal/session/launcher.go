package session

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"

	"github.com/khr0x40sh/powermolecli/internal/config"
	"github.com/khr0x40sh/powermolecli/internal/logging"
)

// launcher starts the optional local application once the session is up.
// The application's lifetime is bound to the session context: canceling the
// session kills the process.
type launcher struct {
	cfg    config.ApplicationConfig
	logger *slog.Logger

	cmd *exec.Cmd
}

func (l *launcher) configured() bool {
	return l.cfg.BinaryName != ""
}

// start launches the configured binary. A launch failure is logged but never
// fails the session; the tunnel remains usable without the application.
func (l *launcher) start(ctx context.Context) {
	if !l.configured() {
		return
	}

	path := l.cfg.BinaryName
	if l.cfg.BinaryLocation != "" {
		path = filepath.Join(l.cfg.BinaryLocation, l.cfg.BinaryName)
	}

	cmd := exec.CommandContext(ctx, path)
	if err := cmd.Start(); err != nil {
		l.logger.Warn("application launch failed",
			"binary", path,
			logging.KeyError, err)
		return
	}
	l.cmd = cmd
	l.logger.Info("application launched", "binary", path, "pid", cmd.Process.Pid)

	go func() {
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			l.logger.Warn("application exited", logging.KeyError, err)
		}
	}()
}
