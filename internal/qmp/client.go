// Package qmp implements the client side of the QEMU Machine Protocol over
// a local unix socket: newline-delimited JSON, a greeting on connect, and a
// capabilities negotiation that must complete before any other command.
package qmp

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/veighnsche/qemu-screenshot-mcp/internal/log"
)

var (
	// ErrConnectTimeout is returned when the socket connect or greeting
	// read exceeds its deadline
	ErrConnectTimeout = errors.New("qmp connect timed out")
	// ErrConnectRefused is returned when nothing is listening on the socket
	ErrConnectRefused = errors.New("qmp connection refused")
	// ErrPermissionDenied is returned when the socket is not accessible
	ErrPermissionDenied = errors.New("qmp socket permission denied")
	// ErrTimeout is returned when a command receives no reply in time
	ErrTimeout = errors.New("qmp command timed out")
	// ErrUnexpectedResponse is returned on a malformed reply or an error ack
	ErrUnexpectedResponse = errors.New("unexpected qmp response")
	// ErrNotReady is returned when an operation is attempted in a session
	// state that does not allow it
	ErrNotReady = errors.New("qmp session not ready for command")
)

// State tracks the session lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReady
	StateClosed
)

// Client is a QMP session over a unix socket. At most one command is in
// flight at a time; every operation is bounded by an explicit timeout.
type Client struct {
	mu    sync.Mutex
	conn  net.Conn
	r     *bufio.Reader
	state State
}

type command struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
}

type response struct {
	Return json.RawMessage `json:"return"`
	Error  *responseError  `json:"error"`
	Event  string          `json:"event"`
	QMP    json.RawMessage `json:"QMP"`
}

type responseError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

// Dial connects to a QMP unix socket and reads the server greeting. The
// whole sequence is bounded by timeout.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, mapConnectError(socketPath, err)
	}

	c := &Client{
		conn:  conn,
		r:     bufio.NewReader(conn),
		state: StateConnected,
	}

	// The server speaks first: a greeting carrying the QMP version.
	greeting, err := c.readMessage(timeout)
	if err != nil {
		_ = conn.Close()
		c.state = StateClosed
		if errors.Is(err, ErrTimeout) {
			return nil, fmt.Errorf("%w: no greeting from %s", ErrConnectTimeout, socketPath)
		}
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if greeting.QMP == nil {
		_ = conn.Close()
		c.state = StateClosed
		return nil, fmt.Errorf("%w: missing greeting", ErrUnexpectedResponse)
	}

	log.Debug("qmp session connected", "socket", socketPath)
	return c, nil
}

func mapConnectError(socketPath string, err error) error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %s", ErrConnectTimeout, socketPath)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %s", ErrConnectRefused, socketPath)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, socketPath)
	default:
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
}

// Negotiate completes the capabilities handshake, transitioning the session
// to Ready. Required before any other command.
func (c *Client) Negotiate(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return fmt.Errorf("%w: negotiate in state %d", ErrNotReady, c.state)
	}

	if err := c.execute("qmp_capabilities", nil, timeout); err != nil {
		return err
	}

	c.state = StateReady
	return nil
}

// ScreenDump asks the VM to write a raw screen image to targetPath. The
// image is written by the QEMU process itself; the ack carries no pixels.
func (c *Client) ScreenDump(targetPath string, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady {
		return ErrNotReady
	}

	log.Debug("requesting screen dump", "path", targetPath)
	return c.execute("screendump", map[string]string{"filename": targetPath}, timeout)
}

// Quit asks the VM process to exit gracefully.
func (c *Client) Quit(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady {
		return ErrNotReady
	}

	return c.execute("quit", nil, timeout)
}

// Close shuts the session down. Idempotent; the underlying channel is
// closed regardless of prior state.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	return c.conn.Close()
}

// execute sends one command and waits for its ack. Callers hold c.mu, so
// a session never has more than one outstanding command.
func (c *Client) execute(name string, args any, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	payload, err := json.Marshal(command{Execute: name, Arguments: args})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := c.conn.Write(append(payload, '\n')); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: sending %s", ErrTimeout, name)
		}
		return fmt.Errorf("send %s: %w", name, err)
	}

	// Asynchronous event messages may arrive before the ack; skip them.
	for {
		msg, err := c.readMessageUntil(deadline)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return fmt.Errorf("%w: awaiting %s ack", ErrTimeout, name)
			}
			return fmt.Errorf("read %s ack: %w", name, err)
		}

		if msg.Event != "" {
			log.Debug("skipping qmp event", "event", msg.Event)
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("%w: %s: %s", ErrUnexpectedResponse, name, msg.Error.Desc)
		}
		if msg.Return != nil {
			return nil
		}
		return fmt.Errorf("%w: %s ack carries neither return nor error", ErrUnexpectedResponse, name)
	}
}

func (c *Client) readMessage(timeout time.Duration) (*response, error) {
	return c.readMessageUntil(time.Now().Add(timeout))
}

func (c *Client) readMessageUntil(deadline time.Time) (*response, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	line, err := c.r.ReadBytes('\n')
	if err != nil {
		if isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, err
	}

	var msg response
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: malformed message: %v", ErrUnexpectedResponse, err)
	}
	return &msg, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
