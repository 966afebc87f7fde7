package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func sleeperLauncher(t *testing.T) *ExecLauncher {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	script := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 30\n"), 0755); err != nil {
		t.Fatal(err)
	}
	l, err := NewExecLauncher("", "nats://127.0.0.1:1", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	l.Binary = script
	return l
}

func waitReaped(t *testing.T, l *ExecLauncher) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for l.Running() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("child was not reaped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExecLauncher_KillThenAlreadyExited(t *testing.T) {
	l := sleeperLauncher(t)
	pid, err := l.Launch(context.Background(), "portscan")
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if pid <= 0 || l.Running() != 1 {
		t.Fatalf("pid = %d, running = %d", pid, l.Running())
	}

	var killer OSProcessKiller
	if err := killer.Kill(pid); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitReaped(t, l)

	if err := killer.Kill(pid); !errors.Is(err, ErrProcessGone) {
		t.Errorf("Kill after exit = %v, want ErrProcessGone", err)
	}
}
