// Package mcpserver exposes screenshot operations as MCP tools over stdio.
package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/veighnsche/qemu-screenshot-mcp/internal/capture"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/discovery"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/log"
)

// Discoverer finds the running QEMU process for the stand-alone capture
// path. Satisfied by *discovery.Finder.
type Discoverer interface {
	FindTarget() (*discovery.Ref, error)
}

// Capturer runs the capture chain. Satisfied by *capture.Chain.
type Capturer interface {
	Capture(ctx context.Context, socketPath string) (*capture.Outcome, error)
}

// Lifecycle drives a boot-capture-shutdown cycle. Satisfied by *vm.Manager.
type Lifecycle interface {
	RunAndScreenshot(ctx context.Context, arch, imagePath string, delay time.Duration, extraArgs []string) (*capture.Outcome, error)
}

// Server wraps the MCP server and the capture components.
type Server struct {
	mcpServer *server.MCPServer
	ops       *operations
}

// New creates an MCP server exposing the screenshot tools.
func New(name, version string, disc Discoverer, capturer Capturer, lifecycle Lifecycle) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(name, version),
		ops: &operations{
			disc:      disc,
			capturer:  capturer,
			lifecycle: lifecycle,
		},
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name: "capture_screenshot",
		Description: "Capture a screenshot of the running QEMU instance. Prefers the QMP " +
			"management socket (no GUI needed), falling back to a window grab and then " +
			"a full-desktop grab. The QEMU process should be started with a unix QMP " +
			"socket, e.g. '-qmp unix:/tmp/qmp.sock,server,nowait'.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleCapture)

	s.mcpServer.AddTool(mcp.Tool{
		Name: "run_and_screenshot",
		Description: "Boot a VM image headlessly, wait for it to settle, capture a " +
			"screenshot of its display and shut the VM down again. The whole cycle is " +
			"bounded; no process is left behind.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"arch": map[string]interface{}{
					"type":        "string",
					"description": "Guest architecture: x86_64 or aarch64",
				},
				"image": map[string]interface{}{
					"type":        "string",
					"description": "Path to the disk image to boot",
				},
				"screenshot_delay_seconds": map[string]interface{}{
					"type":        "number",
					"description": "Seconds to wait after boot before capturing",
				},
				"extra_args": map[string]interface{}{
					"type":        "array",
					"description": "Additional QEMU arguments",
					"items":       map[string]interface{}{"type": "string"},
				},
			},
			Required: []string{"arch", "image", "screenshot_delay_seconds"},
		},
	}, s.handleRunAndScreenshot)
}

// Run serves MCP over stdio until the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	log.Info("serving MCP over stdio")
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
