// ABOUTME: Starts the external decoder with its stdout on a pipe and owns its lifecycle
// ABOUTME: Bounded pipe reads, graceful termination with escalation, exit classification
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultGracePeriod is how long Terminate waits after SIGTERM before SIGKILL
	DefaultGracePeriod = 3 * time.Second

	// DefaultPipeSize asks the kernel for a larger pipe so the decoder rarely blocks
	DefaultPipeSize = 1 << 20
)

var (
	// ErrChildExitUnexpected marks a decoder exit nobody asked for
	ErrChildExitUnexpected = errors.New("decoder exited unexpectedly")

	// ErrReadTimeout is returned by ReadTimeout when no bytes arrived in time
	ErrReadTimeout = errors.New("pipe read timed out")
)

// SpawnError is returned when the decoder could not be started
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ChildExitError describes an exit that was not preceded by Terminate
type ChildExitError struct {
	PID      int
	ExitCode int
	Err      error
}

func (e *ChildExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decoder (pid %d) exited unexpectedly: %v", e.PID, e.Err)
	}
	return fmt.Sprintf("decoder (pid %d) exited unexpectedly with code %d", e.PID, e.ExitCode)
}

func (e *ChildExitError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrChildExitUnexpected}
	}
	return []error{ErrChildExitUnexpected, e.Err}
}

// Config describes the decoder to run
type Config struct {
	Path        string
	Args        []string
	Env         []string
	GracePeriod time.Duration

	// PipeSize is the requested kernel pipe buffer in bytes, 0 keeps the default
	PipeSize int
}

// Supervisor starts decoder processes
type Supervisor struct {
	config Config
	logger *slog.Logger
}

// New creates a supervisor
func New(config Config, logger *slog.Logger) *Supervisor {
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		config: config,
		logger: logger.With(slog.String("component", "supervisor")),
	}
}

// Start launches the decoder. The child is only stopped by Terminate, so the
// caller can close the sink first; once ctx is cancelled an exit is no longer
// reported as unexpected.
func (s *Supervisor) Start(ctx context.Context) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Path: s.config.Path, Err: err}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Path: s.config.Path, Err: fmt.Errorf("create pipe: %w", err)}
	}

	if s.config.PipeSize > 0 {
		if err := setPipeSize(r, s.config.PipeSize); err != nil {
			s.logger.Debug("Pipe size unchanged", slog.Any("error", err))
		}
	}

	cmd := exec.Command(s.config.Path, s.config.Args...)
	cmd.Stdout = w
	cmd.Stderr = &lineLogger{logger: s.logger}
	cmd.Env = s.config.Env
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = s.config.GracePeriod

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, &SpawnError{Path: s.config.Path, Err: err}
	}

	// The child holds its own copy of the write end; EOF arrives when it closes stdout.
	w.Close()

	p := &Process{
		cmd:    cmd,
		ctx:    ctx,
		reader: r,
		grace:  s.config.GracePeriod,
		logger: s.logger.With(slog.Int("pid", cmd.Process.Pid)),
		done:   make(chan struct{}),
	}
	go p.wait()

	p.logger.Info("Decoder started", slog.String("path", s.config.Path), slog.Any("args", s.config.Args))
	return p, nil
}

// Process is a running decoder
type Process struct {
	cmd    *exec.Cmd
	ctx    context.Context
	reader *os.File
	grace  time.Duration
	logger *slog.Logger

	mu          sync.Mutex
	terminating bool
	err         error
	done        chan struct{}
}

// PID returns the decoder's process id
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Read reads from the decoder's stdout
func (p *Process) Read(b []byte) (int, error) {
	return p.ReadTimeout(b, 0)
}

// ReadTimeout reads from the decoder's stdout, giving up after d.
// It returns ErrReadTimeout when nothing arrived and io.EOF once stdout is closed.
func (p *Process) ReadTimeout(b []byte, d time.Duration) (int, error) {
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}
	if err := p.reader.SetReadDeadline(deadline); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return 0, io.EOF
		}
		return 0, err
	}

	n, err := p.reader.Read(b)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		if n > 0 {
			return n, nil
		}
		return 0, ErrReadTimeout
	case errors.Is(err, os.ErrClosed):
		return n, io.EOF
	default:
		return n, err
	}
}

// Terminate stops the decoder: SIGTERM, then SIGKILL after the grace period, then reap.
// Calling it more than once is safe.
func (p *Process) Terminate() error {
	p.mu.Lock()
	first := !p.terminating
	p.terminating = true
	p.mu.Unlock()

	if !first {
		<-p.done
		return nil
	}

	defer p.reader.Close()

	select {
	case <-p.done:
		return nil
	default:
	}

	p.logger.Debug("Sending SIGTERM")
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("SIGTERM failed", slog.Any("error", err))
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(p.grace):
	}

	p.logger.Warn("Decoder ignored SIGTERM, killing", slog.Duration("grace", p.grace))
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill decoder: %w", err)
	}
	<-p.done
	return nil
}

// Done is closed once the decoder has been reaped
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns why the decoder exited: nil after Terminate or context cancellation,
// a *ChildExitError otherwise. Only meaningful after Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Process) wait() {
	waitErr := p.cmd.Wait()

	p.mu.Lock()
	expected := p.terminating || p.ctx.Err() != nil
	if !expected {
		exitErr := &ChildExitError{PID: p.cmd.Process.Pid, ExitCode: p.cmd.ProcessState.ExitCode()}
		var ee *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &ee) {
			exitErr.Err = waitErr
		}
		p.err = exitErr
	}
	p.mu.Unlock()

	if expected {
		p.logger.Info("Decoder stopped")
	} else {
		p.logger.Error("Decoder exited", slog.Int("code", p.cmd.ProcessState.ExitCode()))
	}
	close(p.done)
}

// lineLogger forwards the decoder's stderr to the logger one line at a time
type lineLogger struct {
	logger *slog.Logger
	buf    []byte
}

func (l *lineLogger) Write(b []byte) (int, error) {
	l.buf = append(l.buf, b...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if i > 0 {
			l.logger.Debug("decoder", slog.String("stderr", string(l.buf[:i])))
		}
		l.buf = l.buf[i+1:]
	}
	// Guard against a decoder that never prints a newline
	if len(l.buf) > 4096 {
		l.logger.Debug("decoder", slog.String("stderr", string(l.buf)))
		l.buf = l.buf[:0]
	}
	return len(b), nil
}
