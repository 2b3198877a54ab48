package mcpserver

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/veighnsche/qemu-screenshot-mcp/internal/capture"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/log"
)

func (s *Server) handleCapture(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	outcome, pid, err := s.ops.captureScreenshot(ctx)
	if err != nil {
		log.Warn("capture_screenshot failed", "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}

	label := fmt.Sprintf("Captured %dx%d screenshot via %s", outcome.Image.Width, outcome.Image.Height, outcome.Method)
	if pid != 0 {
		label += fmt.Sprintf(" (QEMU pid %d)", pid)
	}
	return imageResult(label, outcome), nil
}

func (s *Server) handleRunAndScreenshot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	arch, err := request.RequireString("arch")
	if err != nil {
		return mcp.NewToolResultError("missing or invalid 'arch' argument"), nil
	}
	imagePath, err := request.RequireString("image")
	if err != nil {
		return mcp.NewToolResultError("missing or invalid 'image' argument"), nil
	}

	args := request.GetArguments()
	delaySeconds, ok := args["screenshot_delay_seconds"].(float64)
	if !ok {
		// Deliberately no default: boot times vary wildly per image.
		return mcp.NewToolResultError("missing or invalid 'screenshot_delay_seconds' argument"), nil
	}

	var extraArgs []string
	if rawArgs, ok := args["extra_args"].([]interface{}); ok {
		for _, raw := range rawArgs {
			arg, ok := raw.(string)
			if !ok {
				return mcp.NewToolResultError("'extra_args' must be an array of strings"), nil
			}
			extraArgs = append(extraArgs, arg)
		}
	}

	outcome, err := s.ops.runAndScreenshot(ctx, arch, imagePath, delaySeconds, extraArgs)
	if err != nil {
		log.Warn("run_and_screenshot failed", "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}

	label := fmt.Sprintf("Booted %s on %s and captured %dx%d screenshot via %s",
		imagePath, arch, outcome.Image.Width, outcome.Image.Height, outcome.Method)
	return imageResult(label, outcome), nil
}

// imageResult encodes the PNG as base64 image content next to a text part,
// so clients without image support still get a useful answer.
func imageResult(label string, outcome *capture.Outcome) *mcp.CallToolResult {
	encoded := base64.StdEncoding.EncodeToString(outcome.Image.PNG)
	return mcp.NewToolResultImage(label, encoded, "image/png")
}
