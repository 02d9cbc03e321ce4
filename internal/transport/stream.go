package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/merlos/passdrop/pkg/protocol"
)

// StreamChannel is a Channel over a byte stream using length-prefixed frames.
type StreamChannel struct {
	conn    net.Conn
	timeout time.Duration
}

// NewStreamChannel wraps conn. If timeout is positive every Send and Recv
// must complete within it.
func NewStreamChannel(conn net.Conn, timeout time.Duration) *StreamChannel {
	return &StreamChannel{conn: conn, timeout: timeout}
}

// Send writes m as one frame.
func (c *StreamChannel) Send(m *protocol.Message) error {
	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	if err := protocol.WriteFrame(c.conn, m); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrTransport, err)
	}
	return nil
}

// Recv reads one frame. Malformed bodies are returned as
// protocol.ErrMalformedMessage; every other failure, including an oversize
// frame, is a transport failure.
func (c *StreamChannel) Recv() (*protocol.Message, error) {
	if c.timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	m, err := protocol.ReadFrame(c.conn)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformedMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", protocol.ErrTransport, err)
	}
	return m, nil
}

// Identity returns the remote IP address without the port.
func (c *StreamChannel) Identity() string {
	return remoteHost(c.conn.RemoteAddr())
}

// Close closes the connection.
func (c *StreamChannel) Close() error {
	return c.conn.Close()
}

// TCPListener accepts direct connections.
type TCPListener struct {
	ln      net.Listener
	timeout time.Duration
}

// ListenTCP listens on addr (":0" picks an ephemeral port). peerTimeout
// bounds each read and write on accepted channels.
func ListenTCP(addr string, peerTimeout time.Duration) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening TCP %s: %w", addr, err)
	}
	return &TCPListener{ln: ln, timeout: peerTimeout}, nil
}

// Port returns the bound TCP port.
func (l *TCPListener) Port() int {
	if a, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Addr returns the bound address.
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

// Accept waits for the next connection. Closing the listener unblocks it.
func (l *TCPListener) Accept(ctx context.Context) (Channel, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrListenerClosed, err)
		}
		return nil, err
	}
	return NewStreamChannel(conn, l.timeout), nil
}

// Close stops accepting connections.
func (l *TCPListener) Close() error {
	return l.ln.Close()
}

// DialStream connects to host:port. Every address the host resolves to is
// tried in order until one connects; each attempt is bounded by timeout.
func DialStream(ctx context.Context, host string, port int, timeout time.Duration) (*StreamChannel, error) {
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot resolve %s: %v", protocol.ErrTransport, host, err)
	}

	d := &net.Dialer{Timeout: timeout}
	var lastErr error
	for _, a := range addrs {
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(a, fmt.Sprint(port)))
		if err != nil {
			lastErr = err
			continue
		}
		return NewStreamChannel(conn, timeout), nil
	}
	return nil, fmt.Errorf("%w: cannot connect to %s:%d: %v", protocol.ErrTransport, host, port, lastErr)
}

// remoteHost parses the IP address from a net.Addr.
func remoteHost(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
