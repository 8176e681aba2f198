package commands

import (
	"bufio"
	"fmt"
	"net"
	"time"
)

// dialTimeout bounds the unix socket connection attempt.
const dialTimeout = 5 * time.Second

// client is one request/reply conversation with the daemon.
type client struct {
	conn net.Conn
	rd   *bufio.Reader
}

// dialDaemon connects to the daemon socket.
func dialDaemon() (*client, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}

	return &client{conn: conn, rd: bufio.NewReader(conn)}, nil
}

// Close releases the connection.
func (c *client) Close() error {
	return c.conn.Close()
}

// Send writes one request line.
func (c *client) Send(line string) error {
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	return nil
}

// Recv reads one reply line. The daemon answers in its own time, up to
// the request's wait, so no read deadline is set here.
func (c *client) Recv() (string, error) {
	line, err := c.rd.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}

	return line[:len(line)-1], nil
}

// request runs a single request/reply exchange.
func request(line string) (string, error) {
	c, err := dialDaemon()
	if err != nil {
		return "", err
	}
	defer c.Close()

	if err := c.Send(line); err != nil {
		return "", err
	}

	return c.Recv()
}

// formatWait renders a wait as the decimal seconds the daemon expects.
func formatWait(secs float64) string {
	return fmt.Sprintf("%g", secs)
}
