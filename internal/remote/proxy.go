package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// ErrProxyRejected is returned when the proxy answers CONNECT with a
// status other than 200.
var ErrProxyRejected = errors.New("proxy rejected CONNECT")

// maxResponseHead bounds the proxy's response head.
const maxResponseHead = 16 << 10

// DialProxy opens a tunnel to target through the HTTP proxy at proxyAddr.
// Bytes the proxy sends after its response head belong to the tunnel and
// are replayed on the returned connection.
func DialProxy(ctx context.Context, proxyAddr, target string, timeout time.Duration) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", proxyAddr, err)
	}

	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout)) //nolint:errcheck
	}
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	if _, err := io.WriteString(conn, req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	br := bufio.NewReader(io.LimitReader(conn, maxResponseHead))
	status, err := readHead(br)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	if !strings.Contains(status, "200") {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrProxyRejected, status)
	}
	conn.SetDeadline(time.Time{}) //nolint:errcheck

	if n := br.Buffered(); n > 0 {
		extra, _ := br.Peek(n)
		return &bufferedConn{Conn: conn, pending: append([]byte(nil), extra...)}, nil
	}
	return conn, nil
}

// readHead reads the status line and headers up to the blank line and
// returns the trimmed status line.
func readHead(br *bufio.Reader) (string, error) {
	status, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", err
		}
		if line == "\r\n" || line == "\n" {
			return strings.TrimSpace(status), nil
		}
	}
}

// bufferedConn replays bytes read past the proxy response head before
// reading from the socket again.
type bufferedConn struct {
	net.Conn
	pending []byte
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
