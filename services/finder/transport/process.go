// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport runs the finder helper as a child process and exposes
// a JSON-RPC channel over its stdio.
//
// The helper's stdout feeds the connection's reader, its stdin receives the
// connection's writes, and each stderr line is logged at Error level. "log"
// notifications from the helper are routed to the leveled logger instead of
// being treated as discovery data.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/AleutianAI/pyfinder/pkg/logging"
	"github.com/AleutianAI/pyfinder/services/finder/jsonrpc"
)

// ErrNotRunning is returned by calls made when the helper is not running:
// before Start, after a failed Start, or after Close.
var ErrNotRunning = errors.New("finder process not running")

// DefaultShutdownTimeout is how long Close waits for the helper to exit
// after its stdin is closed before killing it.
const DefaultShutdownTimeout = 5 * time.Second

// =============================================================================
// STATE
// =============================================================================

// State is the lifecycle state of the helper process.
type State int

const (
	// StateIdle is the state before Start.
	StateIdle State = iota

	// StateStarting means the process is being spawned.
	StateStarting

	// StateRunning means the connection is usable.
	StateRunning

	// StateFailed means Start could not spawn the process.
	StateFailed

	// StateExited means the process ended without Close being called.
	StateExited

	// StateStopping means Close is in progress.
	StateStopping

	// StateStopped means Close has completed.
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	names := []string{"idle", "starting", "running", "failed", "exited", "stopping", "stopped"}
	if int(s) >= 0 && int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// =============================================================================
// CONFIG
// =============================================================================

// Config describes how to launch the helper.
type Config struct {
	// Path is the helper binary.
	Path string

	// Args are passed to the helper. Default: ["server"].
	Args []string

	// Dir is the working directory. Default: inherited.
	Dir string

	// Env, when non-nil, replaces the inherited environment.
	Env []string

	// Framing selects the wire framing.
	Framing jsonrpc.Framing

	// ShutdownTimeout bounds the graceful part of Close.
	// Default: DefaultShutdownTimeout.
	ShutdownTimeout time.Duration

	// Logger receives lifecycle, stderr and helper log output.
	Logger *logging.Logger
}

// =============================================================================
// PROCESS
// =============================================================================

type registration struct {
	method     string
	handler    jsonrpc.NotificationHandler
	unregister func()
}

// Process is a running (or failed, or stopped) finder helper.
//
// Description:
//
//	Process owns the child, its pipes and the JSON-RPC connection over
//	them. Notification handlers may be registered before Start; they are
//	attached when the connection comes up.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type Process struct {
	config Config
	logger *logging.Logger

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	conn    *jsonrpc.Conn
	stdin   io.WriteCloser
	stdout  *os.File
	stderr  *os.File
	exited  chan struct{}
	exitErr error

	handlers map[uint64]*registration
	nextReg  uint64

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a Process that is not started yet.
func New(config Config) *Process {
	if len(config.Args) == 0 {
		config.Args = []string{"server"}
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Process{
		config:   config,
		logger:   logger.With("component", "finder.transport"),
		state:    StateIdle,
		handlers: make(map[uint64]*registration),
	}
}

// Start spawns the helper in server mode and starts the connection.
//
// Description:
//
//	A spawn failure is logged and leaves the Process in StateFailed, where
//	every call returns ErrNotRunning. The returned error is for callers
//	that want to stop early; ignoring it is safe.
//
// Inputs:
//
//	ctx - Bounds the spawn only. The process outlives ctx until Close.
//
// Outputs:
//
//	error - Non-nil if the process could not be started.
func (p *Process) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateIdle {
		return fmt.Errorf("finder process already started (state %s)", p.state)
	}
	p.state = StateStarting

	if err := ctx.Err(); err != nil {
		p.failLocked(err)
		return err
	}

	if err := p.spawnLocked(); err != nil {
		p.failLocked(err)
		return err
	}
	return nil
}

func (p *Process) failLocked(err error) {
	p.state = StateFailed
	p.logger.Error("failed to start finder",
		"path", p.config.Path,
		"args", p.config.Args,
		"error", err,
	)
}

func (p *Process) spawnLocked() error {
	path, err := exec.LookPath(p.config.Path)
	if err != nil {
		return fmt.Errorf("locate finder %q: %w", p.config.Path, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(runCtx, path, p.config.Args...)
	cmd.Dir = p.config.Dir
	if p.config.Env != nil {
		cmd.Env = p.config.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}

	// Own the read ends so that cmd.Wait never closes them under a reader.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		cancel()
		closeAll(stdoutR, stdoutW)
		return fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		cancel()
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return fmt.Errorf("start finder: %w", err)
	}
	// The child holds its own copies of the write ends.
	closeAll(stdoutW, stderrW)

	conn := jsonrpc.NewConn(stdoutR, stdin, jsonrpc.Options{
		Framing: p.config.Framing,
		Logger:  p.logger,
	})

	p.cmd = cmd
	p.conn = conn
	p.stdin = stdin
	p.stdout = stdoutR
	p.stderr = stderrR
	p.exited = make(chan struct{})
	p.cancel = cancel

	conn.OnNotification("log", p.handleLog)
	for _, reg := range p.handlers {
		reg.unregister = conn.OnNotification(reg.method, reg.handler)
	}

	stderrDone := make(chan struct{})
	go p.drainStderr(stderrR, stderrDone)
	go func() {
		if err := conn.Run(runCtx); err != nil {
			p.logger.Error("finder connection ended", "error", err)
		}
	}()
	go p.wait(cmd, stderrDone)

	p.state = StateRunning
	p.logger.Info("finder started",
		"path", path,
		"args", p.config.Args,
		"pid", cmd.Process.Pid,
		"framing", p.config.Framing.String(),
	)
	return nil
}

// drainStderr logs each stderr line of the helper.
func (p *Process) drainStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)
	stderrLog := p.logger.With("component", "finder.stderr")
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			stderrLog.Error(line)
		}
	}
}

// wait reaps the child once its stderr is drained.
func (p *Process) wait(cmd *exec.Cmd, stderrDone <-chan struct{}) {
	<-stderrDone
	err := cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	unexpected := p.state == StateRunning
	if unexpected {
		p.state = StateExited
	}
	exited := p.exited
	p.mu.Unlock()

	if unexpected {
		p.logger.Error("finder exited unexpectedly", "error", err, "exit_code", cmd.ProcessState.ExitCode())
	} else {
		p.logger.Debug("finder exited", "exit_code", cmd.ProcessState.ExitCode())
	}
	close(exited)
}

// logMessage is the params of a helper "log" notification.
type logMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (p *Process) handleLog(params json.RawMessage) {
	var msg logMessage
	if err := json.Unmarshal(params, &msg); err != nil {
		p.logger.Warn("malformed log notification", "error", err)
		return
	}
	helperLog := p.logger.With("component", "finder.helper")
	level, ok := logging.ParseLevel(msg.Level)
	if !ok {
		helperLog.Info(msg.Message, "wire_level", msg.Level)
		return
	}
	helperLog.Log(level, msg.Message)
}

// Call sends a request to the helper and waits for the response.
//
// Returns ErrNotRunning when the process is not running, otherwise the
// errors of jsonrpc.Conn.Call.
func (p *Process) Call(ctx context.Context, method string, params, result any) error {
	conn, err := p.liveConn()
	if err != nil {
		return err
	}
	return conn.Call(ctx, method, params, result)
}

// Notify sends a notification to the helper.
func (p *Process) Notify(method string, params any) error {
	conn, err := p.liveConn()
	if err != nil {
		return err
	}
	return conn.Notify(method, params)
}

func (p *Process) liveConn() (*jsonrpc.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning || p.conn == nil {
		return nil, fmt.Errorf("%w (state %s)", ErrNotRunning, p.state)
	}
	return p.conn, nil
}

// OnNotification registers handler for helper notifications named method.
// It may be called before Start. The returned function removes the
// registration.
func (p *Process) OnNotification(method string, handler jsonrpc.NotificationHandler) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextReg++
	id := p.nextReg
	reg := &registration{method: method, handler: handler}
	if p.conn != nil && p.state == StateRunning {
		reg.unregister = p.conn.OnNotification(method, handler)
	}
	p.handlers[id] = reg

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if r, ok := p.handlers[id]; ok {
			if r.unregister != nil {
				r.unregister()
			}
			delete(p.handlers, id)
		}
	}
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed when the helper's connection is torn down. It is nil
// before a successful Start.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.Done()
}

// Close stops the helper.
//
// Description:
//
//	Pending calls fail with jsonrpc.ErrConnectionClosed and all
//	notification handlers are released. The helper's stdin is closed so it
//	can exit on its own; after ShutdownTimeout it is killed. Both pipe
//	halves are closed. Calling Close again is a no-op.
func (p *Process) Close() error {
	p.closeOnce.Do(p.close)
	return nil
}

func (p *Process) close() {
	p.mu.Lock()
	prev := p.state
	p.state = StateStopping
	conn, stdin, stdout, stderr := p.conn, p.stdin, p.stdout, p.stderr
	exited, cmd, cancel := p.exited, p.cmd, p.cancel
	for id, reg := range p.handlers {
		if reg.unregister != nil {
			reg.unregister()
		}
		delete(p.handlers, id)
	}
	p.mu.Unlock()

	if conn != nil {
		p.logger.Info("stopping finder", "state", prev.String())
		_ = conn.Close()
	}
	if stdin != nil {
		_ = stdin.Close()
	}

	if exited != nil {
		select {
		case <-exited:
		case <-time.After(p.config.ShutdownTimeout):
			p.logger.Warn("finder did not exit in time, killing", "timeout", p.config.ShutdownTimeout)
			_ = cmd.Process.Kill()
			<-exited
		}
	}

	closeAll(stdout, stderr)
	if cancel != nil {
		cancel()
	}

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
}

// ExitErr returns the error from reaping the process, if it has exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
