package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Conn is the raw bidirectional channel to a session worker. Closing it
// destroys the worker's execution context.
type Conn interface {
	io.ReadWriteCloser
}

// Launcher creates the isolated execution context for a session.
type Launcher interface {
	// Launch starts a worker and returns the channel to it. The worker signals
	// readiness over the channel; Launch does not wait for it.
	Launch(ctx context.Context) (Conn, error)

	// Name identifies the launcher in logs and capabilities.
	Name() string
}

// ProcessLauncher runs the embedded worker as a local child process and speaks
// the protocol over its stdin and stdout.
type ProcessLauncher struct {
	// Python is the interpreter binary. Defaults to DefaultPython.
	Python string

	// Args are extra interpreter arguments placed before the worker path.
	Args []string

	// Env is appended to the parent environment.
	Env []string

	// WorkDir is the worker's working directory. Defaults to its temp directory.
	WorkDir string

	Logger *slog.Logger
}

// Name implements Launcher.
func (l *ProcessLauncher) Name() string { return "process" }

// Launch implements Launcher.
func (l *ProcessLauncher) Launch(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := l.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dir, err := os.MkdirTemp("", "cellrun-session-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	workerPath, err := WriteWorker(dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	python := l.Python
	if python == "" {
		python = DefaultPython
	}
	args := append([]string{"-u"}, l.Args...)
	args = append(args, workerPath)

	// The worker must outlive ctx, which only bounds startup.
	cmd := exec.Command(python, args...)
	cmd.Dir = dir
	if l.WorkDir != "" {
		cmd.Dir = l.WorkDir
	}
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1", "MPLBACKEND=Agg")
	cmd.Env = append(cmd.Env, l.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("start %s: %w", python, err)
	}

	pc := &processConn{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		tempDir: dir,
		exited:  make(chan struct{}),
		logger:  logger,
	}

	// Drain stderr before Wait closes it.
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug("worker stderr", "line", scanner.Text())
		}
	}()
	go func() {
		<-stderrDone
		pc.waitErr = cmd.Wait()
		close(pc.exited)
	}()

	logger.Debug("worker process started", "pid", cmd.Process.Pid, "python", python)
	return pc, nil
}

// processConn is the channel to a worker child process.
type processConn struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	tempDir string
	logger  *slog.Logger

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

func (c *processConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *processConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

// Close closes the worker's stdin, gives it a grace period to exit and kills
// it otherwise.
func (c *processConn) Close() error {
	c.closeOnce.Do(func() {
		c.stdin.Close()

		select {
		case <-c.exited:
		case <-time.After(gracefulShutdownTimeout):
			c.logger.Debug("worker did not exit, killing", "pid", c.cmd.Process.Pid)
			if err := c.cmd.Process.Kill(); err != nil {
				c.logger.Debug("kill worker", "error", err)
			}
			<-c.exited
		}

		// Unblock a reader that is still waiting on stdout.
		c.stdout.Close()
		os.RemoveAll(c.tempDir)
	})
	return nil
}
