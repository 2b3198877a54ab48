package mcpserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veighnsche/qemu-screenshot-mcp/internal/capture"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/discovery"
	"github.com/veighnsche/qemu-screenshot-mcp/internal/imaging"
)

type fakeDiscoverer struct {
	ref *discovery.Ref
	err error
}

func (f *fakeDiscoverer) FindTarget() (*discovery.Ref, error) {
	return f.ref, f.err
}

type fakeCapturer struct {
	called  bool
	socket  string
	outcome *capture.Outcome
	err     error
}

func (f *fakeCapturer) Capture(_ context.Context, socketPath string) (*capture.Outcome, error) {
	f.called = true
	f.socket = socketPath
	return f.outcome, f.err
}

type fakeLifecycle struct {
	arch    string
	image   string
	delay   time.Duration
	outcome *capture.Outcome
	err     error
}

func (f *fakeLifecycle) RunAndScreenshot(_ context.Context, arch, imagePath string, delay time.Duration, _ []string) (*capture.Outcome, error) {
	f.arch = arch
	f.image = imagePath
	f.delay = delay
	return f.outcome, f.err
}

func someOutcome() *capture.Outcome {
	return &capture.Outcome{
		Method: capture.MethodQMP,
		Image:  &imaging.Image{PNG: []byte("png-bytes"), Width: 64, Height: 48},
	}
}

func TestCaptureScreenshot_ScopesChainToDiscoveredSocket(t *testing.T) {
	capturer := &fakeCapturer{outcome: someOutcome()}
	ops := &operations{
		disc:     &fakeDiscoverer{ref: &discovery.Ref{PID: 1234, SocketPath: "/tmp/qmp.sock"}},
		capturer: capturer,
	}

	outcome, pid, err := ops.captureScreenshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)
	assert.Equal(t, "/tmp/qmp.sock", capturer.socket)
	assert.Equal(t, capture.MethodQMP, outcome.Method)
}

func TestCaptureScreenshot_NoProcessShortCircuits(t *testing.T) {
	capturer := &fakeCapturer{}
	ops := &operations{
		disc:     &fakeDiscoverer{err: discovery.ErrNoProcess},
		capturer: capturer,
	}

	_, _, err := ops.captureScreenshot(context.Background())
	assert.ErrorIs(t, err, discovery.ErrNoProcess)
	assert.False(t, capturer.called, "no capture method may run when no VM exists")
}

func TestCaptureScreenshot_NoChannelFallsBack(t *testing.T) {
	capturer := &fakeCapturer{outcome: someOutcome()}
	ops := &operations{
		disc:     &fakeDiscoverer{err: discovery.ErrNoManagementChannel},
		capturer: capturer,
	}

	_, pid, err := ops.captureScreenshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pid)
	assert.True(t, capturer.called)
	assert.Empty(t, capturer.socket, "chain must run without a socket, not with a guessed one")
}

func TestRunAndScreenshot_ConvertsDelay(t *testing.T) {
	lifecycle := &fakeLifecycle{outcome: someOutcome()}
	ops := &operations{lifecycle: lifecycle}

	_, err := ops.runAndScreenshot(context.Background(), "x86_64", "/img.qcow2", 2.5, nil)
	require.NoError(t, err)
	assert.Equal(t, "x86_64", lifecycle.arch)
	assert.Equal(t, 2500*time.Millisecond, lifecycle.delay)
}

func TestRunAndScreenshot_NegativeDelay(t *testing.T) {
	ops := &operations{lifecycle: &fakeLifecycle{}}

	_, err := ops.runAndScreenshot(context.Background(), "x86_64", "/img.qcow2", -1, nil)
	assert.Error(t, err)
}

func TestNew_RegistersTools(t *testing.T) {
	s := New("qemu-screenshot", "test", &fakeDiscoverer{}, &fakeCapturer{}, &fakeLifecycle{})
	require.NotNil(t, s)
	require.NotNil(t, s.ops)
}
