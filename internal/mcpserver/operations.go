package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veighnsche/qemu-screenshot-mcp/internal/capture"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/discovery"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/log"
)

// operations holds the tool logic, separate from MCP plumbing so it can be
// tested without a transport.
type operations struct {
	disc      Discoverer
	capturer  Capturer
	lifecycle Lifecycle
}

// captureScreenshot discovers the running VM and runs the capture chain.
// With no QEMU process at all there is nothing to capture: the call fails
// immediately without touching the windowing system or the filesystem.
func (o *operations) captureScreenshot(ctx context.Context) (*capture.Outcome, int, error) {
	ref, err := o.disc.FindTarget()
	if err != nil {
		if errors.Is(err, discovery.ErrNoProcess) {
			return nil, 0, err
		}
		if errors.Is(err, discovery.ErrNoManagementChannel) {
			// A VM is running but unreachable over QMP; let the chain
			// fall back to window and desktop capture.
			log.Debug("proceeding without management channel", "error", err)
			outcome, capErr := o.capturer.Capture(ctx, "")
			return outcome, 0, capErr
		}
		return nil, 0, err
	}

	outcome, err := o.capturer.Capture(ctx, ref.SocketPath)
	return outcome, ref.PID, err
}

// runAndScreenshot validates the delay and runs one lifecycle invocation.
// The delay is caller-supplied on purpose: there is no sensible default
// boot time across images.
func (o *operations) runAndScreenshot(ctx context.Context, arch, imagePath string, delaySeconds float64, extraArgs []string) (*capture.Outcome, error) {
	if delaySeconds < 0 {
		return nil, fmt.Errorf("screenshot_delay_seconds must not be negative, got %v", delaySeconds)
	}

	delay := time.Duration(delaySeconds * float64(time.Second))
	return o.lifecycle.RunAndScreenshot(ctx, arch, imagePath, delay, extraArgs)
}
