package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// ErrProcessGone is returned by a ProcessKiller when the target had already
// exited.
var ErrProcessGone = errors.New("process already exited")

// ProcessKiller force-terminates a worker process.
type ProcessKiller interface {
	Kill(pid int) error
}

// OSProcessKiller sends SIGKILL.
type OSProcessKiller struct{}

// Kill sends SIGKILL to pid.
func (OSProcessKiller) Kill(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
	}
	if err := proc.Signal(os.Kill); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
		}
		return fmt.Errorf("killing pid %d: %w", pid, err)
	}
	return nil
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, module string) (pid int, err error)
}

// ExecLauncher re-executes the current binary as
// "<binary> worker -module <name> -config <path>" with the broker URL passed
// through SLIPS_NATS_URL. Child processes are reaped in the background.
type ExecLauncher struct {
	Binary     string
	ConfigPath string
	BrokerURL  string
	Logger     zerolog.Logger

	mu       sync.Mutex
	children map[int]*exec.Cmd
}

// NewExecLauncher builds a launcher for the running executable.
func NewExecLauncher(configPath, brokerURL string, logger zerolog.Logger) (*ExecLauncher, error) {
	bin, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	return &ExecLauncher{
		Binary:     bin,
		ConfigPath: configPath,
		BrokerURL:  brokerURL,
		Logger:     logger.With().Str("component", "launcher").Logger(),
		children:   make(map[int]*exec.Cmd),
	}, nil
}

// Launch starts one worker process. The child is not bound to ctx; the
// coordinator stops it through the broker or by pid.
func (l *ExecLauncher) Launch(_ context.Context, module string) (int, error) {
	args := []string{"worker", "-module", module}
	if l.ConfigPath != "" {
		args = append(args, "-config", l.ConfigPath)
	}
	cmd := exec.Command(l.Binary, args...)
	cmd.Env = append(os.Environ(), EnvNATSURL+"="+l.BrokerURL)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting worker %s: %w", module, err)
	}
	pid := cmd.Process.Pid

	l.mu.Lock()
	l.children[pid] = cmd
	l.mu.Unlock()

	go func() {
		err := cmd.Wait()
		l.mu.Lock()
		delete(l.children, pid)
		l.mu.Unlock()
		ev := l.Logger.Debug()
		if err != nil {
			ev = l.Logger.Info().Err(err)
		}
		ev.Str("module", module).Int("pid", pid).Msg("worker process exited")
	}()

	l.Logger.Info().Str("module", module).Int("pid", pid).Msg("worker launched")
	return pid, nil
}

// Running returns how many launched children have not been reaped.
func (l *ExecLauncher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.children)
}
