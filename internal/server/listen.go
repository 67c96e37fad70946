package server

import (
	"fmt"
	"sync/atomic"

	"github.com/pihub-dev/pihub"
)

// listen accepts connections until the shutdown channel is signalled,
// applying the client limit before a new worker is spawned. An accept
// failure outside of shutdown fires the failure callback and terminates
// the listener.
func (s *Server) listen() {
	defer close(s.listenerDone)

	for {
		conn, err := s.ln.AcceptTCP()
		if err != nil {
			select {
			case <-s.shutdown:
				pihub.Log.Info("listener exiting")
				return
			default:
			}
			pihub.Log.Errorf("failed to accept connection: %v", err)
			s.cfg.Callbacks.OnServerFailure(fmt.Errorf("%w: accept: %v", ErrNetworkFailure, err))
			return
		}

		// Admission control: over the limit the connection is dropped,
		// not treated as an error.
		if s.clients.len() >= s.cfg.MaxClients {
			pihub.Log.Infof("rejected connection from %s: client limit reached", conn.RemoteAddr())
			atomic.AddUint64(&s.dropped, 1)
			_ = conn.Close()
			continue
		}

		c, err := newClient(conn)
		if err != nil {
			pihub.Log.Warnf("failed to initialize client handle: %v", err)
			_ = conn.Close()
			continue
		}

		// The handle must be registered before both the connect
		// callback and the worker's first iteration, so the callback
		// can broadcast or write to this client.
		s.clients.add(c)
		s.workers.Add(1)
		go s.serveClient(c)

		pihub.Log.Infof("accepted connection from %s (fd: %d)", c.IPAddr(), c.FD())
		s.cfg.Callbacks.OnClientConnect(c)
	}
}

// serveClient serves a single client until it disconnects or a forced
// disconnect is signalled on its wake channel.
func (s *Server) serveClient(c *Client) {
	defer s.workers.Done()

	for {
		// Wait for readable data without consuming it; the data-received
		// callback performs the actual Read.
		_, err := c.reader.Peek(1)

		if c.wakeSignalled() {
			s.teardownClient(c, false)
			return
		}
		if err != nil {
			// Zero-byte read or a non-retryable error: the client hung up.
			s.teardownClient(c, true)
			return
		}

		s.cfg.Callbacks.OnDataReceived(c)
	}
}

// teardownClient closes the connection, removes the handle from the
// registry and, unless suppressed on a forced disconnect, invokes the
// disconnect callback as the client's last observable effect.
func (s *Server) teardownClient(c *Client, clientInitiated bool) {
	_ = c.conn.Close()
	s.clients.remove(c)

	if clientInitiated || !c.suppressCallback.Load() {
		s.cfg.Callbacks.OnClientDisconnect(c)
	}

	pihub.Log.Infof("disconnected client %s (fd: %d)", c.IPAddr(), c.FD())
}
