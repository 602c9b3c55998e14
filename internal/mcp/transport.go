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

// killGrace is how long Close waits for the process to exit after shutdown
// before killing it.
const killGrace = 2 * time.Second

// ErrNotConnected is returned for requests on a closed or failed transport.
var ErrNotConnected = errors.New("mcp: not connected")

// ErrTransportClosed rejects pending requests when the connection goes away.
var ErrTransportClosed = errors.New("mcp: transport closed")

// transport frames newline-delimited JSON-RPC over a provider process's
// stdin/stdout. stderr is drained for diagnostics only.
type transport struct {
	config *ServerConfig
	logger *slog.Logger

	process      *exec.Cmd
	stdin        io.WriteCloser
	stdout       *bufio.Scanner
	stdoutCloser io.Closer
	stderr       io.ReadCloser

	writeMu   sync.Mutex
	pending   map[int64]chan *Response
	pendingMu sync.Mutex
	events    chan *Notification
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func newTransport(cfg *ServerConfig, logger *slog.Logger) *transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &transport{
		config:   cfg,
		logger:   logger.With("mcp_server", cfg.Name, "transport", "stdio"),
		pending:  make(map[int64]chan *Response),
		events:   make(chan *Notification, 100),
		stopChan: make(chan struct{}),
	}
}

// newPipeTransport wires a transport over in-process pipes. Used by tests.
func newPipeTransport(cfg *ServerConfig, stdin io.WriteCloser, stdout io.Reader) *transport {
	t := newTransport(cfg, nil)
	t.stdin = stdin
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	t.stdout = scanner
	if closer, ok := stdout.(io.Closer); ok {
		t.stdoutCloser = closer
	}
	t.connected.Store(true)
	t.wg.Add(1)
	go t.readLoop()
	return t
}

// connect starts the subprocess and the read loops.
func (t *transport) connect(ctx context.Context) error {
	if t.config.Command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}

	t.process = exec.CommandContext(ctx, t.config.Command, t.config.Args...)
	t.process.Env = os.Environ()
	for k, v := range t.config.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if t.config.WorkDir != "" {
		t.process.Dir = t.config.WorkDir
	}

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	t.stdout = bufio.NewScanner(stdout)
	t.stdout.Buffer(make([]byte, 1024*1024), 1024*1024)

	t.stderr, _ = t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	t.connected.Store(true)
	t.logger.Info("started tool provider process",
		"command", t.config.Command,
		"pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop()

	if t.stderr != nil {
		t.wg.Add(1)
		go t.logStderr()
	}

	return nil
}

// close shuts the transport down. The process is given killGrace to exit on
// its own (the client sends shutdown first) before being killed.
func (t *transport) close() error {
	t.connected.Store(false)
	t.stopOnce.Do(func() { close(t.stopChan) })

	if t.stdin != nil {
		t.stdin.Close()
	}

	if t.process != nil && t.process.Process != nil {
		exited := make(chan struct{})
		go func() {
			t.process.Wait()
			close(exited)
		}()
		select {
		case <-exited:
		case <-time.After(killGrace):
			t.logger.Warn("provider did not exit, killing", "pid", t.process.Process.Pid)
			t.process.Process.Kill()
			<-exited
		}
	}

	if t.stdoutCloser != nil {
		t.stdoutCloser.Close()
	}

	t.rejectPending()
	t.wg.Wait()
	return nil
}

// call sends a request and waits for the matching response.
func (t *transport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	id := t.nextID.Add(1)
	req := Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *Response, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeFrame(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	select {
	case resp, ok := <-respChan:
		if !ok || resp == nil {
			return nil, ErrTransportClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("request %s timed out after %v", method, timeout)
	case <-t.stopChan:
		return nil, ErrTransportClosed
	}
}

// notify sends a frame without registering a resolver.
func (t *transport) notify(method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	notif := Notification{
		JSONRPC: "2.0",
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	return t.writeFrame(notif)
}

// writeFrame serializes outbound frames so concurrent callers never
// interleave partial writes.
func (t *transport) writeFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

func (t *transport) isConnected() bool {
	return t.connected.Load()
}

func (t *transport) notifications() <-chan *Notification {
	return t.events
}

// readLoop consumes stdout frames until EOF or stop.
func (t *transport) readLoop() {
	defer t.wg.Done()
	defer t.connected.Store(false)
	defer t.rejectPending()

	for t.stdout.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		line := t.stdout.Text()
		if line == "" {
			continue
		}
		t.processLine(line)
	}

	if err := t.stdout.Err(); err != nil {
		t.logger.Error("stdout scanner error", "error", err)
	}
}

// processLine dispatches one inbound frame. Frames with an id resolve a
// pending request; frames without one are notifications. Malformed frames
// are logged and ignored.
func (t *transport) processLine(line string) {
	var resp Response
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

	var notif Notification
	if err := json.Unmarshal([]byte(line), &notif); err == nil && notif.Method != "" {
		select {
		case t.events <- &notif:
		default:
			t.logger.Warn("notification channel full, dropping", "method", notif.Method)
		}
		return
	}

	t.logger.Warn("ignoring malformed frame", "line", truncate(line, 200))
}

// rejectPending closes every pending resolver so waiters see a cancellation.
func (t *transport) rejectPending() {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

func (t *transport) logStderr() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			t.logger.Debug("provider stderr", "message", line)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
