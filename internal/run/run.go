// Package run invokes external command collaborators with a mandatory
// timeout. A tool that never returns must be killed, not waited on forever.
package run

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/veighnsche/qemu-screenshot-mcp/internal/log"
)

// Func is the signature of a bounded command invocation. Capture methods
// accept a Func so tests can substitute canned output.
type Func func(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error)

// Command runs a command and returns its combined output. The invocation is
// bounded by timeout; on expiry the process is killed and the error reflects
// the deadline. A non-zero exit is an error carrying the output.
func Command(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Debug("running command", "name", name, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return output, fmt.Errorf("%s timed out after %s", name, timeout)
		}
		return output, fmt.Errorf("%s %s: %w (output: %q)", name, strings.Join(args, " "), err, string(output))
	}

	return output, nil
}
