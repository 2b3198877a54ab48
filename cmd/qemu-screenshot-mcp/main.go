package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/veighnsche/qemu-screenshot-mcp/internal/capture"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/config"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/discovery"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/log"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/mcpserver"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/version"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/vm"
)

func main() {
	cmd := &cli.Command{
		Name:  "qemu-screenshot-mcp",
		Usage: "An MCP server that captures screenshots of running QEMU virtual machines",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Configuration file path",
				Value:   config.DefaultConfigPath,
			},
			&cli.StringFlag{
				Name:  "qemu-prefix",
				Usage: "Executable prefix of QEMU system emulators",
			},
			&cli.StringFlag{
				Name:  "window-match",
				Usage: "Substring identifying VM windows (case-insensitive)",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
			&cli.BoolFlag{
				Name:    "version",
				Aliases: []string{"V"},
				Usage:   "Print version information",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	// Handle version flag
	if cmd.Bool("version") {
		fmt.Println(version.String())
		return nil
	}

	// Setup logging (stderr only; stdout belongs to the MCP protocol)
	log.Setup(cmd.Bool("verbose"))

	// Load config file
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Merge CLI flags (CLI takes precedence)
	cfg.Merge(
		cmd.String("qemu-prefix"),
		cmd.String("window-match"),
	)

	// Apply defaults
	cfg.ApplyDefaults()

	// Validate config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log.Info("starting qemu-screenshot-mcp",
		"qemu_prefix", cfg.QEMUPrefix,
		"window_match", cfg.WindowMatch,
		"capture_tool", cfg.CaptureTool,
	)

	// Create components
	finder := discovery.NewFinder(cfg.QEMUPrefix)
	chain := capture.NewChain(cfg)
	lifecycle := vm.NewManager(cfg, chain)

	srv := mcpserver.New("qemu-screenshot", version.Version, finder, chain, lifecycle)
	return srv.Run(ctx)
}
