package tool

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

// LocalShellBackend executes commands on the local system without a shell,
// so arguments are never interpreted.
type LocalShellBackend struct {
	timeout time.Duration
}

// NewLocalShellBackend creates a local shell backend with the given command timeout.
func NewLocalShellBackend(timeout time.Duration) *LocalShellBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LocalShellBackend{timeout: timeout}
}

func (b *LocalShellBackend) Name() string { return "local" }

func (b *LocalShellBackend) Execute(ctx context.Context, command string, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
