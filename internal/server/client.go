package server

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Client identifies one connected peer. The handle owns the TCP
// connection, the wake channel used to force a disconnect, and the lock
// serializing I/O on the socket. Handles are created by the listener and
// torn down by the owning worker; the file descriptor of the accepted
// socket is the identity key within the registry.
type Client struct {
	conn   net.Conn
	fd     int
	ipAddr string
	port   string

	reader *bufio.Reader

	// wake becomes readable (closed) when another task requests this
	// client's disconnection.
	wake     chan struct{}
	wakeOnce sync.Once

	// suppressCallback marks a forced disconnect that must skip the
	// application's disconnect callback (set by shutdown to avoid
	// broadcasting into a partially drained registry).
	suppressCallback atomic.Bool

	// ioMu serializes reads and writes on the socket across the worker
	// and any Façade callers.
	ioMu sync.Mutex
}

func newClient(conn net.Conn) (*Client, error) {
	fd, err := connFD(conn)
	if err != nil {
		return nil, err
	}

	addr := strings.Split(conn.RemoteAddr().String(), ":")
	c := &Client{
		conn:   conn,
		fd:     fd,
		ipAddr: addr[0],
		reader: bufio.NewReader(conn),
		wake:   make(chan struct{}),
	}
	if len(addr) > 1 {
		c.port = addr[1]
	}
	return c, nil
}

// connFD resolves the socket file descriptor backing conn. The value is
// only used as a registry key; the descriptor is not duplicated.
func connFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, ErrInvalidArgument
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}

	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return 0, err
	}
	return fd, nil
}

// FD returns the socket descriptor value identifying this client.
func (c *Client) FD() int { return c.fd }

// IPAddr returns the peer's IP address without the port.
func (c *Client) IPAddr() string { return c.ipAddr }

// signalWake requests the worker to run the forced-disconnect path. The
// read deadline aborts a peek that is already blocked on the socket.
func (c *Client) signalWake() {
	c.wakeOnce.Do(func() {
		close(c.wake)
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
}

func (c *Client) wakeSignalled() bool {
	select {
	case <-c.wake:
		return true
	default:
		return false
	}
}
