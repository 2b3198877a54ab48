// Package capture obtains an image of a VM's display by trying capture
// methods in fixed priority order: the QMP management channel first, then a
// window-targeted screenshot, then the full desktop as a last resort.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/veighnsche/qemu-screenshot-mcp/internal/config"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/imaging"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/log"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/qmp"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/run"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/window"
)

// Method names, in priority order.
const (
	MethodQMP     = "qmp"
	MethodWindow  = "window"
	MethodDesktop = "desktop"
)

// Outcome is a successful capture: which method produced it and the image.
type Outcome struct {
	Method string
	Image  *imaging.Image
}

// Attempt records one failed capture method and its reason.
type Attempt struct {
	Method string
	Err    error
}

// AllFailedError aggregates the per-method failure reasons, in the order
// the methods were attempted.
type AllFailedError struct {
	Attempts []Attempt
}

func (e *AllFailedError) Error() string {
	var sb strings.Builder
	sb.WriteString("all capture methods failed:")
	for _, a := range e.Attempts {
		fmt.Fprintf(&sb, " [%s: %v]", a.Method, a.Err)
	}
	return sb.String()
}

// method is one capture variant. Adding a backend means adding a variant
// to the list built in methods(), not new branching.
type method struct {
	name    string
	attempt func(ctx context.Context) (*imaging.Image, error)
}

// windowLocator is the window lookup used by the window method.
type windowLocator interface {
	Find(ctx context.Context) (*window.Ref, error)
}

// Chain runs the ordered capture methods. One Chain may serve many capture
// calls; the management-channel address is supplied per call so concurrent
// lifecycle invocations stay isolated.
type Chain struct {
	locator windowLocator
	runCmd  run.Func

	captureTool    string
	connectTimeout time.Duration
	commandTimeout time.Duration
	toolTimeout    time.Duration
}

// NewChain builds a Chain from the tool configuration.
func NewChain(cfg *config.Config) *Chain {
	return &Chain{
		locator:        window.NewLocator(cfg.WindowListTool, cfg.WindowMatch, cfg.ToolTimeout.Duration),
		runCmd:         run.Command,
		captureTool:    cfg.CaptureTool,
		connectTimeout: cfg.ConnectTimeout.Duration,
		commandTimeout: cfg.CommandTimeout.Duration,
		toolTimeout:    cfg.ToolTimeout.Duration,
	}
}

// Capture tries each method in priority order and returns the first
// success. socketPath may be empty when no management channel is known; the
// protocol method then records that as its failure reason and the chain
// moves on. If every method fails the result is an *AllFailedError listing
// each reason — a protocol-level failure never aborts the whole capture.
func (c *Chain) Capture(ctx context.Context, socketPath string) (*Outcome, error) {
	return runMethods(ctx, c.methods(socketPath))
}

func runMethods(ctx context.Context, methods []method) (*Outcome, error) {
	var attempts []Attempt

	for _, m := range methods {
		img, err := m.attempt(ctx)
		if err == nil {
			log.Info("capture succeeded", "method", m.name, "width", img.Width, "height", img.Height)
			return &Outcome{Method: m.name, Image: img}, nil
		}

		log.Debug("capture method failed, falling back", "method", m.name, "error", err)
		attempts = append(attempts, Attempt{Method: m.name, Err: err})
	}

	return nil, &AllFailedError{Attempts: attempts}
}

func (c *Chain) methods(socketPath string) []method {
	return []method{
		{MethodQMP, func(ctx context.Context) (*imaging.Image, error) {
			return c.viaQMP(ctx, socketPath)
		}},
		{MethodWindow, c.viaWindow},
		{MethodDesktop, c.viaDesktop},
	}
}

// viaQMP asks the VM itself to dump its display over the management
// channel. No GUI is needed for this path.
func (c *Chain) viaQMP(ctx context.Context, socketPath string) (*imaging.Image, error) {
	if socketPath == "" {
		return nil, errors.New("no management channel address known")
	}

	artifact, err := imaging.NewTempArtifact("qemu-screendump-*.ppm")
	if err != nil {
		return nil, err
	}
	defer artifact.Remove()

	client, err := qmp.Dial(socketPath, c.connectTimeout)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := client.Negotiate(c.commandTimeout); err != nil {
		return nil, err
	}
	if err := client.ScreenDump(artifact.Path, c.commandTimeout); err != nil {
		return nil, err
	}

	return imaging.Convert(artifact.Path)
}

// viaWindow screenshots the VM's window with the external capture tool.
func (c *Chain) viaWindow(ctx context.Context) (*imaging.Image, error) {
	ref, err := c.locator.Find(ctx)
	if err != nil {
		return nil, err
	}

	return c.grab(ctx, ref.ID)
}

// viaDesktop screenshots the whole desktop as the last resort.
func (c *Chain) viaDesktop(ctx context.Context) (*imaging.Image, error) {
	return c.grab(ctx, "root")
}

func (c *Chain) grab(ctx context.Context, windowID string) (*imaging.Image, error) {
	artifact, err := imaging.NewTempArtifact("window-grab-*.ppm")
	if err != nil {
		return nil, err
	}
	defer artifact.Remove()

	// ImageMagick import writes PPM when told to, so all three methods
	// share one conversion pipeline.
	if _, err := c.runCmd(ctx, c.toolTimeout, c.captureTool, "-window", windowID, "ppm:"+artifact.Path); err != nil {
		return nil, err
	}

	return imaging.Convert(artifact.Path)
}
