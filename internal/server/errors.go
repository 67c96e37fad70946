package server

import "errors"

// Error kinds surfaced by the server API and the failure callback.
// Errors returned from Façade operations may wrap these; match with
// errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAlreadyRunning  = errors.New("server is already running")
	ErrNotStarted      = errors.New("server has not been started")
	ErrNetworkFailure  = errors.New("network failure")

	// ErrClientDisconnected reports a failed read on a client socket.
	// End-of-stream itself is observed by the client's worker, which
	// runs the disconnect path.
	ErrClientDisconnected = errors.New("client disconnected")

	// ErrServerClosed reports an operation on an instance whose
	// listening socket has already been released by shutdown or
	// deinit.
	ErrServerClosed = errors.New("server is closed")
)
