package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultCallTimeout = 30 * time.Second
	maxLineBytes       = 1024 * 1024
)

var (
	// ErrNotConnected is returned when a request is attempted before
	// Connect or after the upstream went away.
	ErrNotConnected = errors.New("mcp: upstream not connected")

	// ErrTimeout is returned when an upstream does not answer a request
	// within the configured timeout.
	ErrTimeout = errors.New("mcp: request timed out")

	// ErrUpstreamClosed completes in-flight requests when the upstream
	// process exits or the transport is closed.
	ErrUpstreamClosed = errors.New("mcp: upstream closed")
)

// Transport runs one upstream as a child process and exchanges
// newline-delimited JSON-RPC messages over its stdin/stdout. Requests are
// correlated to responses through a pending map keyed by request id; a
// single reader goroutine demultiplexes responses and notifications.
type Transport struct {
	config *UpstreamConfig
	logger *slog.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	stdoutC io.Closer
	stderr  io.ReadCloser

	pending   map[int64]chan *JSONRPCResponse
	pendingMu sync.Mutex
	writeMu   sync.Mutex
	events    chan *JSONRPCNotification
	nextID    atomic.Int64

	connected atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
	wg        sync.WaitGroup

	// OnExit, when set before Connect, runs once after the read loop
	// ends, with the process exit error if any.
	OnExit func(err error)
}

// NewTransport creates a transport for one upstream. The logger may be nil.
func NewTransport(cfg *UpstreamConfig, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		config:  cfg,
		logger:  logger.With("upstream", cfg.Name),
		pending: make(map[int64]chan *JSONRPCResponse),
		events:  make(chan *JSONRPCNotification, 100),
		done:    make(chan struct{}),
	}
}

// Connect starts the child process and the reader goroutine.
func (t *Transport) Connect(ctx context.Context) error {
	if t.connected.Load() {
		return nil
	}
	if t.config.Command == "" {
		return fmt.Errorf("mcp: upstream %q has no command", t.config.Name)
	}

	cmd := exec.CommandContext(ctx, t.config.Command, t.config.Args...)
	cmd.Env = os.Environ()
	for k, v := range t.config.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if t.config.WorkDir != "" {
		cmd.Dir = t.config.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("mcp: start %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stderr = stderr
	t.ConnectPipes(stdout, stdin)

	if stderr != nil {
		t.wg.Add(1)
		go t.relayStderr()
	}

	t.logger.Info("started upstream process",
		"command", t.config.Command,
		"pid", cmd.Process.Pid)
	return nil
}

// ConnectPipes wires the transport to an already-open byte stream and
// starts the reader goroutine. It lets the protocol run over in-process
// pipes instead of a child's standard streams.
func (t *Transport) ConnectPipes(r io.Reader, w io.WriteCloser) {
	t.stdin = w
	if closer, ok := r.(io.Closer); ok {
		t.stdoutC = closer
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	t.stdout = scanner
	t.connected.Store(true)

	t.wg.Add(1)
	go t.readLoop()
}

// Close terminates the upstream and waits for the reader to drain.
func (t *Transport) Close() error {
	t.connected.Store(false)
	t.doneOnce.Do(func() { close(t.done) })
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}
	if t.stdoutC != nil {
		t.stdoutC.Close()
	}
	t.wg.Wait()
	return nil
}

// Connected reports whether the upstream is up.
func (t *Transport) Connected() bool {
	return t.connected.Load()
}

// PID returns the child process id, or zero when not running a process.
func (t *Transport) PID() int {
	if t.cmd != nil && t.cmd.Process != nil {
		return t.cmd.Process.Pid
	}
	return 0
}

// Events returns the channel of upstream-initiated notifications.
func (t *Transport) Events() <-chan *JSONRPCNotification {
	return t.events
}

// Call sends a request and blocks for the correlated response. It fails
// with ErrTimeout after the configured timeout, with ErrUpstreamClosed
// if the upstream exits first, or with the context error.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	id := t.nextID.Add(1)
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("mcp: marshal params: %w", err)
		}
		req.Params = data
	}

	respChan := make(chan *JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeLine(req); err != nil {
		return nil, fmt.Errorf("mcp: write request: %w", err)
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = defaultCallTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w after %v", ErrTimeout, timeout)
	case <-t.done:
		return nil, ErrUpstreamClosed
	}
}

// Notify sends a notification. No response is expected.
func (t *Transport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}

	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("mcp: marshal params: %w", err)
		}
		notif.Params = data
	}
	return t.writeLine(notif)
}

// writeLine serializes concurrent writers onto the single stdin pipe.
func (t *Transport) writeLine(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

// readLoop reads stdout until EOF, demultiplexing responses and
// notifications. When the upstream goes away it marks the transport
// disconnected and releases every in-flight Call.
func (t *Transport) readLoop() {
	defer t.wg.Done()

	for t.stdout.Scan() {
		line := t.stdout.Text()
		if line == "" {
			continue
		}
		t.processLine(line)
	}

	scanErr := t.stdout.Err()
	t.connected.Store(false)
	t.doneOnce.Do(func() { close(t.done) })
	close(t.events)

	var exitErr error
	if t.cmd != nil {
		exitErr = t.cmd.Wait()
	}
	if scanErr != nil {
		t.logger.Error("stdout scanner error", "error", scanErr)
		if exitErr == nil {
			exitErr = scanErr
		}
	}

	if t.OnExit != nil {
		t.OnExit(exitErr)
	}
}

// processLine routes one JSON-RPC message. Responses carry an id and
// complete a pending Call; everything else with a method is treated as a
// notification.
func (t *Transport) processLine(line string) {
	var resp JSONRPCResponse
	if err := json.Unmarshal([]byte(line), &resp); err == nil && resp.ID != nil {
		var id int64
		switch v := resp.ID.(type) {
		case float64:
			id = int64(v)
		case int64:
			id = v
		case int:
			id = int64(v)
		default:
			t.logger.Warn("unexpected response id type", "id", resp.ID)
			return
		}

		t.pendingMu.Lock()
		if ch, ok := t.pending[id]; ok {
			select {
			case ch <- &resp:
			default:
			}
			delete(t.pending, id)
		}
		t.pendingMu.Unlock()
		return
	}

	var notif JSONRPCNotification
	if err := json.Unmarshal([]byte(line), &notif); err == nil && notif.Method != "" {
		select {
		case t.events <- &notif:
		default:
			t.logger.Warn("notification channel full, dropping", "method", notif.Method)
		}
		return
	}

	t.logger.Debug("ignoring malformed upstream line", "line", line)
}

// relayStderr surfaces the upstream's stderr as gateway log lines.
func (t *Transport) relayStderr() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("upstream stderr", "message", line)
		}
	}
}
