package server

import (
	"container/list"
	"sync"
)

// A concurrency-safe wrapper around container/list for maintaining the
// collection of connected clients in insertion order. Entries are keyed
// by the client's socket descriptor; at most one entry exists per key.
type clientList struct {
	clients *list.List
	sync.Mutex
}

func newClientList() *clientList {
	return &clientList{clients: list.New()}
}

func (cl *clientList) add(c *Client) {
	cl.Lock()
	cl.clients.PushBack(c)
	cl.Unlock()
}

// remove deletes the first entry whose descriptor matches c. Removing a
// client that is no longer present is a no-op.
func (cl *clientList) remove(c *Client) {
	cl.Lock()
	for elem := cl.clients.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*Client).FD() == c.FD() {
			cl.clients.Remove(elem)
			break
		}
	}
	cl.Unlock()
}

// snapshot copies the current entries so that callers can walk them
// without holding the registry lock. A client removed after the snapshot
// was taken may still appear in the copy; per-client operations on such
// an entry fail with a network error rather than misbehaving.
func (cl *clientList) snapshot() []*Client {
	cl.Lock()
	defer cl.Unlock()

	out := make([]*Client, 0, cl.clients.Len())
	for elem := cl.clients.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(*Client))
	}
	return out
}

// forEach applies fn to each stored client under the lock, stopping at
// the first error.
func (cl *clientList) forEach(fn func(*Client) error) error {
	cl.Lock()
	defer cl.Unlock()

	for elem := cl.clients.Front(); elem != nil; elem = elem.Next() {
		if err := fn(elem.Value.(*Client)); err != nil {
			return err
		}
	}
	return nil
}

func (cl *clientList) len() int {
	cl.Lock()
	defer cl.Unlock()
	return cl.clients.Len()
}
