package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iambrandonn/powblocks/internal/logging"
	"github.com/iambrandonn/powblocks/internal/task"
)

// ProcessConfig describes how to launch a runtime subprocess.
type ProcessConfig struct {
	// Command is the argv of the runtime. Required.
	Command []string

	// Env is added to the inherited environment.
	Env map[string]string

	// RequestTimeout bounds each request/response round trip.
	// Defaults to 30 seconds.
	RequestTimeout time.Duration

	// StopTimeout bounds graceful shutdown before the process is killed.
	// Defaults to 5 seconds.
	StopTimeout time.Duration
}

// Process supervises a runtime subprocess that speaks the NDJSON protocol on
// stdin/stdout through a Conn. It implements Runtime and Streamer.
type Process struct {
	config ProcessConfig
	logger zerolog.Logger

	mu      sync.Mutex
	process *exec.Cmd
	conn    *Conn
	stdin   io.WriteCloser
	running bool
	exited  chan struct{}
	exitErr error
}

// NewProcess creates a supervisor for the configured runtime command.
func NewProcess(config ProcessConfig) *Process {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 5 * time.Second
	}
	return &Process{
		config: config,
		logger: logging.Component("runtime"),
	}
}

// Start launches the runtime subprocess
func (p *Process) Start(ctx context.Context) error {
	if len(p.config.Command) == 0 {
		return fmt.Errorf("runtime command is empty")
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("runtime already running")
	}
	if p.exited != nil {
		p.mu.Unlock()
		return fmt.Errorf("runtime already exited; create a new Process to restart")
	}
	p.mu.Unlock()

	p.logger.Info().Strs("cmd", p.config.Command).Msg("starting runtime")

	proc := exec.CommandContext(ctx, p.config.Command[0], p.config.Command[1:]...)

	// Inherit the parent environment first, then add configured vars
	proc.Env = os.Environ()
	for k, v := range p.config.Env {
		proc.Env = append(proc.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := proc.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("failed to start runtime: %w", err)
	}

	conn := NewConn(stdout, stdin, p.config.RequestTimeout, p.logger)

	p.mu.Lock()
	p.process = proc
	p.stdin = stdin
	p.conn = conn
	p.running = true
	p.exited = make(chan struct{})
	p.mu.Unlock()

	p.logger.Info().Int("pid", proc.Process.Pid).Msg("runtime started")

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		p.readStderr(stderr)
	}()
	go p.waitForExit(proc, conn, stderrDone)

	return nil
}

// Stop closes the runtime's stdin and waits for it to exit, killing it if it
// does not exit within StopTimeout or before ctx is done.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	proc := p.process
	stdin := p.stdin
	exited := p.exited
	p.mu.Unlock()

	p.logger.Info().Msg("stopping runtime")

	// Closing stdin signals EOF; a well-behaved runtime exits on it.
	if stdin != nil {
		stdin.Close()
	}

	timer := time.NewTimer(p.config.StopTimeout)
	defer timer.Stop()

	select {
	case <-exited:
		p.mu.Lock()
		err := p.exitErr
		p.mu.Unlock()
		return err
	case <-ctx.Done():
		if proc.Process != nil {
			_ = proc.Process.Kill()
		}
		return ctx.Err()
	case <-timer.C:
		p.logger.Warn().Msg("runtime did not stop gracefully, killing")
		if proc.Process != nil {
			_ = proc.Process.Kill()
		}
		return fmt.Errorf("runtime stop timeout")
	}
}

// IsRunning returns true if the runtime process is running
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// LastHeartbeat returns the time of the last received heartbeat
func (p *Process) LastHeartbeat() time.Time {
	conn := p.current()
	if conn == nil {
		return time.Time{}
	}
	return conn.LastHeartbeat()
}

func (p *Process) current() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// Submit implements Runtime.
func (p *Process) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	conn := p.current()
	if conn == nil {
		return "", ErrNotRunning
	}
	return conn.Submit(ctx, req)
}

// Cancel implements Runtime.
func (p *Process) Cancel(ctx context.Context, taskID string) error {
	conn := p.current()
	if conn == nil {
		return ErrNotRunning
	}
	return conn.Cancel(ctx, taskID)
}

// Decide implements Runtime.
func (p *Process) Decide(ctx context.Context, taskID string, decision task.Decision) error {
	conn := p.current()
	if conn == nil {
		return ErrNotRunning
	}
	return conn.Decide(ctx, taskID, decision)
}

// Poll implements Runtime.
func (p *Process) Poll(ctx context.Context, taskID string) (json.RawMessage, error) {
	conn := p.current()
	if conn == nil {
		return nil, ErrNotRunning
	}
	return conn.Poll(ctx, taskID)
}

// SubscribeState implements Streamer.
func (p *Process) SubscribeState(ctx context.Context, taskID string) (<-chan StateUpdate, error) {
	conn := p.current()
	if conn == nil {
		return nil, ErrNotRunning
	}
	return conn.SubscribeState(ctx, taskID)
}

// SubscribeEvents implements Streamer.
func (p *Process) SubscribeEvents(ctx context.Context, taskID string) (<-chan EventUpdate, error) {
	conn := p.current()
	if conn == nil {
		return nil, ErrNotRunning
	}
	return conn.SubscribeEvents(ctx, taskID)
}

func (p *Process) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4096), 1024*1024)

	for scanner.Scan() {
		p.logger.Debug().Str("line", scanner.Text()).Msg("runtime stderr")
	}
	if err := scanner.Err(); err != nil {
		p.logger.Error().Err(err).Msg("error reading runtime stderr")
	}
}

// waitForExit reaps the process once its output has been drained; Wait
// closes the pipes, so it must not run while they are still being read.
func (p *Process) waitForExit(proc *exec.Cmd, conn *Conn, stderrDone <-chan struct{}) {
	<-conn.Done()
	<-stderrDone
	err := proc.Wait()

	p.mu.Lock()
	p.running = false
	p.exitErr = err
	exited := p.exited
	p.mu.Unlock()

	close(exited)

	if err != nil {
		p.logger.Warn().Err(err).Msg("runtime process exited")
	} else {
		p.logger.Info().Msg("runtime process exited cleanly")
	}
}
