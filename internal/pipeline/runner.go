package pipeline

import (
	"context"
	"os/exec"
)

// Runner executes an external tool and returns its combined output. The
// seam exists so merges can be exercised without ffmpeg installed.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs tools via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
