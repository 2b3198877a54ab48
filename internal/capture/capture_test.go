package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veighnsche/qemu-screenshot-mcp/internal/config"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/imaging"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/window"
)

type stubLocator struct {
	err error
	ref *window.Ref
}

func (s stubLocator) Find(_ context.Context) (*window.Ref, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.ref, nil
}

func fixedMethod(name string, img *imaging.Image, err error, calls *[]string) method {
	return method{name: name, attempt: func(ctx context.Context) (*imaging.Image, error) {
		*calls = append(*calls, name)
		return img, err
	}}
}

func TestRunMethods_FirstSuccessShortCircuits(t *testing.T) {
	var calls []string
	img := &imaging.Image{Width: 8, Height: 8}

	outcome, err := runMethods(context.Background(), []method{
		fixedMethod("qmp", img, nil, &calls),
		fixedMethod("window", nil, errors.New("should not run"), &calls),
		fixedMethod("desktop", nil, errors.New("should not run"), &calls),
	})

	require.NoError(t, err)
	assert.Equal(t, "qmp", outcome.Method)
	assert.Same(t, img, outcome.Image)
	assert.Equal(t, []string{"qmp"}, calls, "lower-priority methods must not run after a success")
}

func TestRunMethods_FallsThroughInOrder(t *testing.T) {
	var calls []string
	img := &imaging.Image{Width: 4, Height: 4}

	outcome, err := runMethods(context.Background(), []method{
		fixedMethod("qmp", nil, errors.New("socket gone"), &calls),
		fixedMethod("window", nil, errors.New("no window"), &calls),
		fixedMethod("desktop", img, nil, &calls),
	})

	require.NoError(t, err)
	assert.Equal(t, "desktop", outcome.Method)
	assert.Equal(t, []string{"qmp", "window", "desktop"}, calls)
}

func TestRunMethods_AggregatesAllFailures(t *testing.T) {
	var calls []string

	_, err := runMethods(context.Background(), []method{
		fixedMethod("qmp", nil, errors.New("connect refused"), &calls),
		fixedMethod("window", nil, errors.New("no window"), &calls),
		fixedMethod("desktop", nil, errors.New("no display"), &calls),
	})

	var allFailed *AllFailedError
	require.ErrorAs(t, err, &allFailed)
	require.Len(t, allFailed.Attempts, 3)

	assert.Equal(t, "qmp", allFailed.Attempts[0].Method)
	assert.Equal(t, "window", allFailed.Attempts[1].Method)
	assert.Equal(t, "desktop", allFailed.Attempts[2].Method)
	assert.Contains(t, err.Error(), "connect refused")
	assert.Contains(t, err.Error(), "no display")
}

// mock QMP peer, trimmed to what the chain exercises.
func startScreendumpPeer(t *testing.T) string {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "qmp.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				_, _ = conn.Write([]byte(`{"QMP": {"version": {}, "capabilities": []}}` + "\n"))

				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadBytes('\n')
					if err != nil {
						return
					}
					var req struct {
						Execute   string            `json:"execute"`
						Arguments map[string]string `json:"arguments"`
					}
					if json.Unmarshal(line, &req) != nil {
						return
					}
					if req.Execute == "screendump" {
						var buf bytes.Buffer
						fmt.Fprintf(&buf, "P6\n64 48\n255\n")
						buf.Write(bytes.Repeat([]byte{0x11, 0x22, 0x33}, 64*48))
						_ = os.WriteFile(req.Arguments["filename"], buf.Bytes(), 0644)
					}
					_, _ = conn.Write([]byte(`{"return": {}}` + "\n"))
				}
			}(conn)
		}
	}()

	return socketPath
}

func testChain() *Chain {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	return NewChain(cfg)
}

func TestCapture_ViaQMP(t *testing.T) {
	socketPath := startScreendumpPeer(t)

	before := countScreendumpTemps(t)

	outcome, err := testChain().Capture(context.Background(), socketPath)
	require.NoError(t, err)

	assert.Equal(t, MethodQMP, outcome.Method)
	assert.Equal(t, 64, outcome.Image.Width)
	assert.Equal(t, 48, outcome.Image.Height)
	assert.NotEmpty(t, outcome.Image.PNG)

	assert.Equal(t, before, countScreendumpTemps(t), "temp raw files must not survive the capture")
}

func TestCapture_NoSocketRecordsProtocolFailure(t *testing.T) {
	chain := testChain()
	// Stub the external tools so window and desktop fail fast too.
	chain.runCmd = func(_ context.Context, _ time.Duration, name string, _ ...string) ([]byte, error) {
		return nil, fmt.Errorf("%s: command not found", name)
	}
	chain.locator = stubLocator{err: window.ErrNoWindow}

	_, err := chain.Capture(context.Background(), "")

	var allFailed *AllFailedError
	require.ErrorAs(t, err, &allFailed)
	require.Len(t, allFailed.Attempts, 3)
	assert.Equal(t, MethodQMP, allFailed.Attempts[0].Method)
	assert.Contains(t, allFailed.Attempts[0].Err.Error(), "no management channel address")
}

func TestCapture_WindowFallback(t *testing.T) {
	chain := testChain()
	chain.locator = stubLocator{ref: &window.Ref{ID: "0x42"}}
	chain.runCmd = func(_ context.Context, _ time.Duration, name string, args ...string) ([]byte, error) {
		require.Equal(t, "import", name)
		require.Equal(t, []string{"-window", "0x42"}, args[:2])

		path := strings.TrimPrefix(args[len(args)-1], "ppm:")
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "P6\n32 16\n255\n")
		buf.Write(bytes.Repeat([]byte{9, 9, 9}, 32*16))
		return nil, os.WriteFile(path, buf.Bytes(), 0644)
	}

	// No socket known, so the chain falls through to the window method.
	outcome, err := chain.Capture(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, MethodWindow, outcome.Method)
	assert.Equal(t, 32, outcome.Image.Width)
	assert.Equal(t, 16, outcome.Image.Height)
}

func TestCapture_ZeroByteToolOutputIsFailure(t *testing.T) {
	chain := testChain()
	chain.locator = stubLocator{ref: &window.Ref{ID: "0x42"}}
	// The tool exits zero but writes nothing: the step must fail, not
	// produce an empty success.
	chain.runCmd = func(_ context.Context, _ time.Duration, _ string, _ ...string) ([]byte, error) {
		return nil, nil
	}

	_, err := chain.Capture(context.Background(), "")

	var allFailed *AllFailedError
	require.ErrorAs(t, err, &allFailed)
	for _, attempt := range allFailed.Attempts[1:] {
		assert.ErrorIs(t, attempt.Err, imaging.ErrEmptyOutput)
	}
}

func countScreendumpTemps(t *testing.T) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), "qemu-screendump-*.ppm"))
	require.NoError(t, err)
	return len(matches)
}
