// Package server implements a concurrent line-oriented TCP command
// server. A Server owns one listener goroutine and one worker goroutine
// per connected client; the application observes connection events
// through a set of callbacks and performs I/O through the Server's
// Read/Write/Broadcast/Disconnect operations, all of which are safe for
// use from any goroutine.
package server

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Callbacks are the four mandatory hooks through which the application
// layer observes server events. OnClientConnect and OnServerFailure are
// invoked from the listener goroutine; OnDataReceived and
// OnClientDisconnect from the owning client's worker goroutine.
type Callbacks struct {
	// OnClientConnect fires after the new client has been inserted into
	// the registry, so the callback may write to or broadcast including
	// this client.
	OnClientConnect func(c *Client)

	// OnDataReceived fires when the client's socket holds readable
	// data. The callback is expected to consume it via Read; data left
	// unread triggers the callback again.
	OnDataReceived func(c *Client)

	// OnClientDisconnect fires as the last observable effect for a
	// client. It is always invoked for client-initiated disconnects and
	// skipped for forced disconnects requested with callback
	// suppression.
	OnClientDisconnect func(c *Client)

	// OnServerFailure reports an unrecoverable background-task error.
	// The receiving application may restart the server from a fresh
	// goroutine; the failing task terminates after the callback
	// returns.
	OnServerFailure func(err error)
}

// Config holds the immutable server options.
type Config struct {
	// Hostname is the IPv4 address the listening socket binds to. An
	// empty value binds all interfaces.
	Hostname string

	// Port is the decimal TCP port to listen on ("0" binds an
	// ephemeral port, which Addr can report back).
	Port string

	// MaxClients is the hard limit on concurrently accepted clients;
	// excess connections are closed immediately after accept.
	MaxClients int

	// MaxPending is the backlog passed to listen(2).
	MaxPending int

	Callbacks Callbacks
}

// Server is a multi-client TCP command server instance.
//
// Lifecycle: New binds the listening socket without accepting,
// Run starts the listener, Shutdown disconnects every client and joins
// all background goroutines, and Deinit releases the remaining
// resources of a quiesced instance.
type Server struct {
	cfg Config

	// mu guards lifecycle transitions and the fields below.
	mu       sync.Mutex
	running  bool
	fd       int // bound socket, owned until Run hands it to the listener
	ln       *net.TCPListener
	shutdown chan struct{}

	listenerDone chan struct{}
	workers      sync.WaitGroup

	clients *clientList
	dropped uint64
}

// New validates cfg, creates and binds the listening socket (without
// listening yet) and returns an initialized, non-running instance.
func New(cfg Config) (*Server, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	fd, err := newListenSocket(cfg.Hostname, cfg.Port)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:     cfg,
		fd:      fd,
		clients: newClientList(),
	}, nil
}

func validateConfig(cfg *Config) error {
	cb := cfg.Callbacks
	if cb.OnClientConnect == nil || cb.OnDataReceived == nil ||
		cb.OnClientDisconnect == nil || cb.OnServerFailure == nil {
		return fmt.Errorf("%w: all four callbacks are required", ErrInvalidArgument)
	}
	if cfg.MaxClients <= 0 || cfg.MaxPending <= 0 {
		return fmt.Errorf("%w: max clients and max pending must be positive", ErrInvalidArgument)
	}
	if _, err := parsePort(cfg.Port); err != nil {
		return err
	}
	if _, err := parseBindAddr(cfg.Hostname); err != nil {
		return err
	}
	return nil
}

func parsePort(port string) (int, error) {
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return 0, fmt.Errorf("%w: invalid port %q", ErrInvalidArgument, port)
	}
	return p, nil
}

// parseBindAddr resolves the configured hostname to the four address
// bytes used for binding. An empty hostname selects all interfaces.
func parseBindAddr(hostname string) ([4]byte, error) {
	var addr [4]byte
	if hostname == "" {
		return addr, nil
	}

	ip := net.ParseIP(hostname)
	if ip == nil || ip.To4() == nil {
		return addr, fmt.Errorf("%w: invalid hostname %q", ErrInvalidArgument, hostname)
	}
	copy(addr[:], ip.To4())
	return addr, nil
}

// newListenSocket creates an IPv4 TCP socket with address reuse enabled
// and binds it to hostname:port. The caller owns the returned
// descriptor. net.Listen cannot express the deferred-listen lifecycle
// or the configured backlog, hence the raw socket.
func newListenSocket(hostname, port string) (int, error) {
	p, err := parsePort(port)
	if err != nil {
		return -1, err
	}
	addr, err := parseBindAddr(hostname)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("%w: socket: %v", ErrNetworkFailure, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: setsockopt: %v", ErrNetworkFailure, err)
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: p, Addr: addr}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: bind %s:%s: %v", ErrNetworkFailure, hostname, port, err)
	}

	return fd, nil
}

// Run begins listening with the configured backlog and starts the
// listener goroutine, then returns. Calling Run on a running instance
// fails with ErrAlreadyRunning.
func (s *Server) Run() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if s.fd < 0 {
		return ErrServerClosed
	}

	if err := unix.Listen(s.fd, s.cfg.MaxPending); err != nil {
		return fmt.Errorf("%w: listen: %v", ErrNetworkFailure, err)
	}

	// Hand the descriptor to the runtime poller. FileListener duplicates
	// the descriptor, so the original is closed alongside the File.
	f := os.NewFile(uintptr(s.fd), "pihub-listener")
	ln, err := net.FileListener(f)
	f.Close()
	s.fd = -1
	if err != nil {
		return fmt.Errorf("%w: file listener: %v", ErrNetworkFailure, err)
	}

	s.ln = ln.(*net.TCPListener)
	s.shutdown = make(chan struct{})
	s.listenerDone = make(chan struct{})
	s.running = true

	go s.listen()
	return nil
}

// Addr returns the listener's bound address, or nil when not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Read receives up to len(buf) bytes that the worker's peek has already
// buffered for the client, under its I/O lock. A length of zero with a nil
// error means no data is pending (would-block). Read does not detect
// end-of-stream itself: the worker observes it while waiting for data and
// runs the disconnect path, and a Read on a client whose stream has ended
// returns zero bytes with a nil error. A failed buffered read is reported
// as ErrClientDisconnected. Returning from Read never closes the client.
func (s *Server) Read(c *Client, buf []byte) (int, error) {
	if c == nil || len(buf) == 0 {
		return 0, ErrInvalidArgument
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if c.reader.Buffered() == 0 {
		return 0, nil
	}

	n, err := c.reader.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrClientDisconnected, err)
	}
	return n, nil
}

// Write sends all of data to the client under its I/O lock, looping on
// partial sends until the full length is written or an error occurs.
func (s *Server) Write(c *Client, data []byte) error {
	if c == nil {
		return ErrInvalidArgument
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	sent := 0
	for sent < len(data) {
		n, err := c.conn.Write(data[sent:])
		if err != nil {
			return fmt.Errorf("%w: send to %s: %v", ErrNetworkFailure, c.IPAddr(), err)
		}
		sent += n
	}
	return nil
}

// Broadcast writes data to every client in the registry in insertion
// order. The traversal walks a snapshot, so no lock is held across the
// per-client writes; a client connected mid-broadcast may or may not
// receive the message. An error on any client terminates the broadcast.
//
// TODO: continuing past failed clients would suit a hub better; the
// abort-on-first policy is kept until the protocol picks one.
func (s *Server) Broadcast(data []byte) error {
	if data == nil {
		return ErrInvalidArgument
	}

	for _, c := range s.clients.snapshot() {
		if err := s.Write(c, data); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect signals the client's worker to tear the connection down
// and returns without waiting for it to finish. With suppressCallback
// set the disconnect callback is skipped, which shutdown relies on to
// avoid re-entrant broadcasts into a draining registry.
func (s *Server) Disconnect(c *Client, suppressCallback bool) error {
	if c == nil {
		return ErrInvalidArgument
	}
	if suppressCallback {
		c.suppressCallback.Store(true)
	}
	c.signalWake()
	return nil
}

// ClientAddress resolves the peer endpoint of the client's socket and
// formats it as a dotted IPv4 address.
func (s *Server) ClientAddress(c *Client) (string, error) {
	if c == nil {
		return "", ErrInvalidArgument
	}

	addr, ok := c.conn.RemoteAddr().(*net.TCPAddr)
	if !ok || addr == nil {
		return "", fmt.Errorf("%w: peer address unavailable", ErrNetworkFailure)
	}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return "", fmt.Errorf("%w: peer %s is not IPv4", ErrNetworkFailure, addr)
	}
	return ip4.String(), nil
}

// Clients returns a snapshot of the registry in insertion order, safe
// to walk without any lock.
func (s *Server) Clients() []*Client {
	return s.clients.snapshot()
}

// ClientCount returns the number of currently registered clients.
func (s *Server) ClientCount() int {
	return s.clients.len()
}

// DroppedConnections returns how many connections were closed at accept
// time because the client limit was reached.
func (s *Server) DroppedConnections() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Shutdown forces a disconnect of every client with callback
// suppression, stops the listener, and joins all background goroutines.
// When it returns the instance is quiesced: the registry is empty and
// no descriptors owned by the instance remain open.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotStarted
	}

	_ = s.clients.forEach(func(c *Client) error {
		c.suppressCallback.Store(true)
		c.signalWake()
		return nil
	})

	close(s.shutdown)
	s.ln.Close()
	s.mu.Unlock()

	<-s.listenerDone

	// A connection accepted while the snapshot above was taken gets its
	// worker signalled here; after the listener has exited no further
	// workers can appear.
	for _, c := range s.clients.snapshot() {
		c.suppressCallback.Store(true)
		c.signalWake()
	}
	s.workers.Wait()

	s.mu.Lock()
	s.running = false
	s.ln = nil
	s.mu.Unlock()

	return nil
}

// Deinit releases the resources of a quiesced instance. Calling it on a
// running instance fails with ErrAlreadyRunning.
func (s *Server) Deinit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
	s.clients = newClientList()
	return nil
}
