// Package discovery locates a running QEMU process and its QMP management
// socket by scanning the process table. It never mutates anything.
package discovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/veighnsche/qemu-screenshot-mcp/internal/log"
)

var (
	// ErrNoProcess is returned when no QEMU process is running
	ErrNoProcess = errors.New("no running qemu process found")
	// ErrNoManagementChannel is returned when the selected process exposes
	// no QMP unix socket in its arguments
	ErrNoManagementChannel = errors.New("qemu process exposes no QMP unix socket")
)

// Ref identifies a discovered QEMU process.
type Ref struct {
	// PID is the process identifier
	PID int
	// SocketPath is the QMP unix socket path parsed from the arguments
	SocketPath string
	// Cmdline is the full argument vector, kept for diagnostics
	Cmdline []string
}

// Finder scans the process table for QEMU system emulators.
type Finder struct {
	// prefix is the executable name prefix to match, e.g. "qemu-system-"
	prefix string
	// procRoot is the proc filesystem mount point, overridable in tests
	procRoot string
}

// NewFinder creates a Finder matching processes whose name or arguments
// carry the given executable prefix.
func NewFinder(prefix string) *Finder {
	return &Finder{prefix: prefix, procRoot: "/proc"}
}

// FindTarget scans the process table and returns the matching QEMU process.
// When several match, the one with the lowest PID is selected; this is a
// documented deterministic policy, not a guarantee about which of several
// ambiguous VMs is intended.
func (f *Finder) FindTarget() (*Ref, error) {
	pids, err := f.matchingPIDs()
	if err != nil {
		return nil, err
	}
	if len(pids) == 0 {
		return nil, ErrNoProcess
	}

	sort.Ints(pids)
	pid := pids[0]
	if len(pids) > 1 {
		log.Debug("multiple qemu processes found, using lowest pid", "count", len(pids), "pid", pid)
	}

	cmdline, err := f.readCmdline(pid)
	if err != nil {
		return nil, fmt.Errorf("read cmdline of pid %d: %w", pid, err)
	}

	socketPath := parseQMPSocket(cmdline)
	if socketPath == "" {
		return nil, fmt.Errorf("%w (pid %d)", ErrNoManagementChannel, pid)
	}

	log.Debug("qemu process discovered", "pid", pid, "socket", socketPath)
	return &Ref{PID: pid, SocketPath: socketPath, Cmdline: cmdline}, nil
}

// matchingPIDs walks the proc filesystem and collects PIDs of processes
// whose comm starts with the prefix or whose argv mentions it. Processes
// that vanish mid-scan are skipped.
func (f *Finder) matchingPIDs() ([]int, error) {
	entries, err := os.ReadDir(f.procRoot)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.procRoot, err)
	}

	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		if f.matches(pid) {
			pids = append(pids, pid)
		}
	}

	return pids, nil
}

func (f *Finder) matches(pid int) bool {
	// comm holds the (possibly truncated) executable name.
	comm, err := os.ReadFile(filepath.Join(f.procRoot, strconv.Itoa(pid), "comm"))
	if err == nil && strings.HasPrefix(strings.TrimSpace(string(comm)), f.prefix) {
		return true
	}

	// Fall back to the argument vector; some launchers rename the process.
	cmdline, err := f.readCmdline(pid)
	if err != nil {
		return false
	}
	for _, arg := range cmdline {
		if strings.Contains(arg, f.prefix) {
			return true
		}
	}
	return false
}

// readCmdline reads the NUL-separated argument vector of a process.
func (f *Finder) readCmdline(pid int) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(f.procRoot, strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return nil, err
	}

	var args []string
	for _, field := range strings.Split(string(data), "\x00") {
		if field != "" {
			args = append(args, field)
		}
	}
	return args, nil
}

// parseQMPSocket extracts the unix socket path from a QEMU argument vector.
// Both "-qmp unix:PATH,server,nowait" and "-qmp=unix:PATH,..." forms are
// recognized; trailing socket options after the path are stripped.
func parseQMPSocket(args []string) string {
	for i, arg := range args {
		var value string
		switch {
		case arg == "-qmp" && i+1 < len(args):
			value = args[i+1]
		case strings.HasPrefix(arg, "-qmp="):
			value = strings.TrimPrefix(arg, "-qmp=")
		default:
			continue
		}

		if path, ok := strings.CutPrefix(value, "unix:"); ok {
			path, _, _ = strings.Cut(path, ",")
			if path != "" {
				return path
			}
		}
	}
	return ""
}
