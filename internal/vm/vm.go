// Package vm drives a full boot-capture-shutdown cycle of a QEMU virtual
// machine as one bounded unit of work. Each invocation owns its process,
// its QMP socket and its temp files; nothing it creates outlives the call.
package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/veighnsche/qemu-screenshot-mcp/internal/capture"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/config"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/log"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/qmp"
)

var (
	// ErrInvalidArch is returned before any process is spawned when the
	// architecture is not supported
	ErrInvalidArch = errors.New("unsupported architecture (want x86_64 or aarch64)")
	// ErrStartFailed is returned when the VM process could not be spawned
	ErrStartFailed = errors.New("failed to start qemu")
	// ErrShutdownTimeout is returned when the process survived the whole
	// quit → terminate → kill escalation
	ErrShutdownTimeout = errors.New("vm did not terminate within the shutdown escalation")
)

var supportedArchs = map[string]bool{
	"x86_64":  true,
	"aarch64": true,
}

// Capturer produces a screenshot scoped to the given management socket.
// Satisfied by *capture.Chain.
type Capturer interface {
	Capture(ctx context.Context, socketPath string) (*capture.Outcome, error)
}

// Manager starts VMs, waits for boot, captures and shuts them down.
// Concurrent RunAndScreenshot calls are independent: each owns a distinct
// process, socket and temp files.
type Manager struct {
	capturer Capturer

	qemuPrefix     string
	commandTimeout time.Duration
	connectTimeout time.Duration
	shutdownGrace  time.Duration
}

// NewManager creates a lifecycle manager using the given capturer.
func NewManager(cfg *config.Config, capturer Capturer) *Manager {
	return &Manager{
		capturer:       capturer,
		qemuPrefix:     cfg.QEMUPrefix,
		commandTimeout: cfg.CommandTimeout.Duration,
		connectTimeout: cfg.ConnectTimeout.Duration,
		shutdownGrace:  cfg.ShutdownGrace.Duration,
	}
}

// handle is the exclusive reference to a spawned VM process. It is owned by
// the RunAndScreenshot call that created it and is never looked up
// ambiently by other components.
type handle struct {
	cmd        *exec.Cmd
	socketPath string
	done       chan error // receives cmd.Wait exactly once
}

// RunAndScreenshot starts a VM from the image, waits exactly delay for the
// guest to settle, captures its display scoped to this process's own QMP
// socket, then shuts the process down. By the time it returns the process
// is terminated (or the full escalation has run) and the socket is removed.
func (m *Manager) RunAndScreenshot(ctx context.Context, arch, imagePath string, delay time.Duration, extraArgs []string) (*capture.Outcome, error) {
	if !supportedArchs[arch] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidArch, arch)
	}

	h, err := m.start(arch, imagePath, extraArgs)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(h.socketPath); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove qmp socket", "path", h.socketPath, "error", err)
		}
	}()

	// Boot settle window: exactly the caller-supplied delay, unless the
	// caller gives up first. Either way the process is still torn down.
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		if sdErr := m.shutdown(h); sdErr != nil {
			log.Error("shutdown after cancellation failed", "error", sdErr)
		}
		return nil, ctx.Err()
	}

	outcome, captureErr := m.capturer.Capture(ctx, h.socketPath)
	shutdownErr := m.shutdown(h)

	if captureErr != nil || shutdownErr != nil {
		// Both failures matter: a failed shutdown means a VM may be
		// leaked, and the caller must hear about it even when the
		// capture already failed.
		return nil, errors.Join(captureErr, shutdownErr)
	}
	return outcome, nil
}

// start validates inputs, generates a session-unique QMP socket address and
// spawns the VM bound to it. The address is never shared with or reused by
// another invocation.
func (m *Manager) start(arch, imagePath string, extraArgs []string) (*handle, error) {
	if _, err := os.Stat(imagePath); err != nil {
		return nil, fmt.Errorf("image not found: %w", err)
	}

	socketPath := filepath.Join(os.TempDir(), fmt.Sprintf("qmp-%s.sock", uuid.NewString()))

	args := []string{
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", socketPath),
		"-drive", fmt.Sprintf("file=%s,if=virtio,format=qcow2", imagePath),
		"-display", "none",
	}
	args = append(args, extraArgs...)

	binary := m.qemuPrefix + arch
	log.Info("starting vm", "binary", binary, "image", imagePath, "socket", socketPath)

	// Leave Stdout/Stderr nil so exec wires them to /dev/null directly.
	// An io.Discard pipe would be inherited by the guest's own children
	// and keep cmd.Wait blocked after the VM process itself is dead.
	cmd := exec.Command(binary, args...)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	h := &handle{
		cmd:        cmd,
		socketPath: socketPath,
		done:       make(chan error, 1),
	}
	go func() { h.done <- cmd.Wait() }()

	return h, nil
}

// shutdown escalates until the process is confirmed terminated: a graceful
// QMP quit, then SIGTERM, then SIGKILL, each followed by a bounded wait.
// It never returns while an escalation step remains untried.
func (m *Manager) shutdown(h *handle) error {
	log.Debug("shutting down vm", "pid", h.cmd.Process.Pid)

	if m.quitViaQMP(h.socketPath) {
		if h.waitFor(m.shutdownGrace) {
			return nil
		}
		log.Warn("vm ignored qmp quit", "pid", h.cmd.Process.Pid)
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err == nil {
		if h.waitFor(m.shutdownGrace) {
			return nil
		}
		log.Warn("vm ignored SIGTERM, killing", "pid", h.cmd.Process.Pid)
	}

	_ = h.cmd.Process.Kill()
	if h.waitFor(m.shutdownGrace) {
		return nil
	}

	return fmt.Errorf("%w: pid %d", ErrShutdownTimeout, h.cmd.Process.Pid)
}

// quitViaQMP sends the graceful quit command. Best effort: the socket may
// never have come up if the guest failed early.
func (m *Manager) quitViaQMP(socketPath string) bool {
	client, err := qmp.Dial(socketPath, m.connectTimeout)
	if err != nil {
		log.Debug("qmp quit unavailable", "socket", socketPath, "error", err)
		return false
	}
	defer client.Close()

	if err := client.Negotiate(m.commandTimeout); err != nil {
		return false
	}
	if err := client.Quit(m.commandTimeout); err != nil {
		return false
	}
	return true
}

// waitFor waits up to grace for the process to be reaped.
func (h *handle) waitFor(grace time.Duration) bool {
	select {
	case err := <-h.done:
		// Keep the channel readable for later escalation steps.
		h.done <- err
		return true
	case <-time.After(grace):
		return false
	}
}
