package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/qemu-screenshot-mcp.conf"
	// DefaultQEMUPrefix is the executable name prefix of QEMU system emulators
	DefaultQEMUPrefix = "qemu-system-"
	// DefaultWindowMatch is the substring matched against window class/title
	DefaultWindowMatch = "qemu"
	// DefaultWindowListTool enumerates top-level windows
	DefaultWindowListTool = "wmctrl"
	// DefaultCaptureTool grabs window or desktop screenshots
	DefaultCaptureTool = "import"
)

// Duration wraps time.Duration so TOML values can be written as "5s", "250ms"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config holds the tool configuration
type Config struct {
	// QEMUPrefix is the executable prefix used to spawn and discover VMs
	QEMUPrefix string `toml:"qemu_prefix"`
	// WindowMatch is the case-insensitive substring identifying VM windows
	WindowMatch string `toml:"window_match"`
	// WindowListTool is the command used to enumerate windows
	WindowListTool string `toml:"window_list_tool"`
	// CaptureTool is the command used for window and desktop screenshots
	CaptureTool string `toml:"capture_tool"`
	// ConnectTimeout bounds the QMP socket connect and greeting read
	ConnectTimeout Duration `toml:"connect_timeout"`
	// CommandTimeout bounds each QMP command round-trip
	CommandTimeout Duration `toml:"command_timeout"`
	// ToolTimeout bounds each external screenshot tool invocation
	ToolTimeout Duration `toml:"tool_timeout"`
	// ShutdownGrace bounds each step of the shutdown escalation
	ShutdownGrace Duration `toml:"shutdown_grace"`
}

// Load loads configuration from a TOML file
// Returns an empty config if the file doesn't exist
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Merge merges CLI flags into the config, with CLI flags taking precedence
// over config file values. Empty CLI values are ignored.
func (c *Config) Merge(qemuPrefix, windowMatch string) {
	if qemuPrefix != "" {
		c.QEMUPrefix = qemuPrefix
	}
	if windowMatch != "" {
		c.WindowMatch = windowMatch
	}
}

// ApplyDefaults applies default values for any unset fields
func (c *Config) ApplyDefaults() {
	if c.QEMUPrefix == "" {
		c.QEMUPrefix = DefaultQEMUPrefix
	}
	if c.WindowMatch == "" {
		c.WindowMatch = DefaultWindowMatch
	}
	if c.WindowListTool == "" {
		c.WindowListTool = DefaultWindowListTool
	}
	if c.CaptureTool == "" {
		c.CaptureTool = DefaultCaptureTool
	}
	if c.ConnectTimeout.Duration == 0 {
		c.ConnectTimeout.Duration = 3 * time.Second
	}
	if c.CommandTimeout.Duration == 0 {
		c.CommandTimeout.Duration = 5 * time.Second
	}
	if c.ToolTimeout.Duration == 0 {
		c.ToolTimeout.Duration = 10 * time.Second
	}
	if c.ShutdownGrace.Duration == 0 {
		c.ShutdownGrace.Duration = 5 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.QEMUPrefix == "" {
		return fmt.Errorf("qemu prefix must not be empty")
	}
	if c.WindowMatch == "" {
		return fmt.Errorf("window match substring must not be empty")
	}

	for name, d := range map[string]time.Duration{
		"connect_timeout": c.ConnectTimeout.Duration,
		"command_timeout": c.CommandTimeout.Duration,
		"tool_timeout":    c.ToolTimeout.Duration,
		"shutdown_grace":  c.ShutdownGrace.Duration,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	return nil
}
