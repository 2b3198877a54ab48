// Package window locates the on-screen window of a running VM through
// windowing-system metadata. Purely read-only; it never touches window state.
package window

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/veighnsche/qemu-screenshot-mcp/internal/log"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/run"
)

// ErrNoWindow is returned when the windowing system is unreachable or no
// window matches the identifying substring.
var ErrNoWindow = errors.New("no matching vm window found")

// Ref identifies a located window.
type Ref struct {
	// ID is the window identifier as reported by the list tool, e.g. "0x03c00041"
	ID string
	// Class is the WM_CLASS metadata
	Class string
	// Title is the window title
	Title string
}

// Locator enumerates top-level windows with an external list tool
// (wmctrl -lx by default) and matches them by substring.
type Locator struct {
	tool    string
	match   string
	timeout time.Duration
	runCmd  run.Func
}

// NewLocator creates a Locator matching windows whose class or title
// contains match, case-insensitively.
func NewLocator(tool, match string, timeout time.Duration) *Locator {
	return &Locator{
		tool:    tool,
		match:   strings.ToLower(match),
		timeout: timeout,
		runCmd:  run.Command,
	}
}

// Find returns the first window whose class or title contains the
// identifying substring. Tool failures (typically: no display server) and
// zero matches both yield ErrNoWindow carrying the reason.
func (l *Locator) Find(ctx context.Context) (*Ref, error) {
	output, err := l.runCmd(ctx, l.timeout, l.tool, "-lx")
	if err != nil {
		return nil, fmt.Errorf("%w: list windows: %v", ErrNoWindow, err)
	}

	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		ref, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}

		haystack := strings.ToLower(ref.Class + " " + ref.Title)
		if strings.Contains(haystack, l.match) {
			log.Debug("vm window located", "id", ref.ID, "class", ref.Class, "title", ref.Title)
			return ref, nil
		}
	}

	return nil, fmt.Errorf("%w: no window matches %q", ErrNoWindow, l.match)
}

// parseLine parses one `wmctrl -lx` line:
//
//	0x03c00041  0 qemu.qemu-system-x86_64  myhost QEMU (fedora)
//
// Fields are: window id, desktop, WM_CLASS, client host, then the title.
func parseLine(line string) (*Ref, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return nil, false
	}

	title := ""
	if len(fields) > 4 {
		title = strings.Join(fields[4:], " ")
	}

	return &Ref{
		ID:    fields[0],
		Class: fields[2],
		Title: title,
	}, true
}
