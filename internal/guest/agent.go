// Package guest implements the microVM side of the vsock transport. The agent
// accepts host connections and bridges each one to a fresh session worker
// over stdio, so the host speaks the same framed protocol to a guest worker as
// it does to a local one.
package guest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/seantiz/cellrun/internal/session"
)

// Agent relays vsock connections to session workers.
type Agent struct {
	listener net.Listener
	launcher session.Launcher
	logger   *slog.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// New creates a guest agent that serves listener and starts one worker per
// connection through launcher.
func New(listener net.Listener, launcher session.Launcher, logger *slog.Logger) *Agent {
	return &Agent{
		listener: listener,
		launcher: launcher,
		logger:   logger.With("component", "guest"),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections until the listener is closed. It returns nil after
// Close and the accept error otherwise.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if a.isClosed() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !a.track(conn) {
			conn.Close()
			return nil
		}
		go func() {
			defer a.untrack(conn)
			a.handleConnection(conn)
		}()
	}
}

// Close stops accepting, drops every live connection and waits for their
// workers to exit.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for conn := range a.conns {
		conn.Close()
	}
	a.mu.Unlock()

	err := a.listener.Close()
	a.wg.Wait()
	return err
}

func (a *Agent) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Agent) track(conn net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.conns[conn] = struct{}{}
	a.wg.Add(1)
	return true
}

func (a *Agent) untrack(conn net.Conn) {
	a.mu.Lock()
	delete(a.conns, conn)
	a.mu.Unlock()
	a.wg.Done()
}

// handleConnection launches a worker for conn and relays bytes until either
// side closes. The host sees a launch failure as EOF before the ready frame.
func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()
	logger := a.logger.With("remote", conn.RemoteAddr().String())

	start := time.Now()
	worker, err := a.launcher.Launch(context.Background())
	if err != nil {
		logger.Error("launch worker", "launcher", a.launcher.Name(), "error", err)
		return
	}
	logger.Info("worker started", "launcher", a.launcher.Name())

	up, down, err := Relay(conn, worker)
	logger.Info("worker finished",
		"bytes_in", up,
		"bytes_out", down,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err,
	)
}

// Relay copies host→worker and worker→host until one direction ends, then
// closes both sides and waits for the other direction. It returns the byte
// counts in each direction and the first error that was not a normal close.
func Relay(host io.ReadWriteCloser, worker io.ReadWriteCloser) (up, down int64, err error) {
	type result struct {
		n   int64
		err error
		up  bool
	}
	results := make(chan result, 2)
	go func() {
		n, err := io.Copy(worker, host)
		results <- result{n, err, true}
	}()
	go func() {
		n, err := io.Copy(host, worker)
		results <- result{n, err, false}
	}()

	var once sync.Once
	closeBoth := func() {
		host.Close()
		worker.Close()
	}

	var errs []error
	for range 2 {
		r := <-results
		once.Do(closeBoth)
		if r.up {
			up = r.n
		} else {
			down = r.n
		}
		if r.err != nil && !isClosedErr(r.err) {
			errs = append(errs, r.err)
		}
	}
	if len(errs) > 0 {
		return up, down, errs[0]
	}
	return up, down, nil
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF)
}
