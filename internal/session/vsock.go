package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// Retry defaults for vsock connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// VsockLauncher connects to a guest relay inside a microVM. The relay spawns
// the worker on accept, so each Launch gets a fresh interpreter.
//
// With UDSPath set the launcher dials Firecracker's host-side vsock bridge;
// otherwise it dials CID:Port directly through AF_VSOCK.
type VsockLauncher struct {
	CID     uint32
	Port    uint32
	UDSPath string
	Logger  *slog.Logger
}

// Name implements Launcher.
func (l *VsockLauncher) Name() string { return "vsock" }

// Launch implements Launcher. It retries with exponential backoff while the
// guest relay comes up.
func (l *VsockLauncher) Launch(ctx context.Context) (Conn, error) {
	port := l.Port
	if port == 0 {
		port = DefaultVsockPort
	}
	if l.UDSPath == "" && l.CID < MinCID {
		return nil, fmt.Errorf("invalid vsock CID %d: must be >= %d", l.CID, MinCID)
	}

	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial guest: %w", ctx.Err())
		default:
		}

		conn, err := l.dial(ctx, port)
		if err == nil {
			if l.Logger != nil {
				l.Logger.Debug("guest relay connected", "cid", l.CID, "port", port, "attempt", attempt+1)
			}
			return conn, nil
		}
		lastErr = err

		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial guest: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial guest after %d attempts: %w", dialMaxRetries, lastErr)
}

func (l *VsockLauncher) dial(ctx context.Context, port uint32) (Conn, error) {
	if l.UDSPath != "" {
		return dialVsockUDS(ctx, l.UDSPath, port)
	}
	conn, err := vsock.Dial(l.CID, port, nil)
	if err != nil {
		return nil, fmt.Errorf("dial vsock %d:%d: %w", l.CID, port, err)
	}
	return conn, nil
}

// udsConn keeps the buffered reader from the CONNECT handshake so bytes read
// ahead of the reply are not lost.
type udsConn struct {
	net.Conn
	reader io.Reader
}

func (c *udsConn) Read(p []byte) (int, error) { return c.reader.Read(p) }

// dialVsockUDS connects to Firecracker's UDS and performs the CONNECT
// handshake: send "CONNECT <port>\n", expect "OK <host_port>\n".
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (Conn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	// The session outlives the dial context.
	conn.SetDeadline(time.Time{})
	return &udsConn{Conn: conn, reader: reader}, nil
}
