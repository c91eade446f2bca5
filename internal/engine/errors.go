package engine

import "errors"

var (
	// ErrNotReady is returned when a request arrives before the engine has
	// announced that it accepts input.
	ErrNotReady = errors.New("engine not ready")

	// ErrEngineDown is returned once the engine subprocess has exited or its
	// output stream has closed. The condition is permanent.
	ErrEngineDown = errors.New("engine is down")

	// ErrBusy is returned when a request could not be admitted before the
	// admission timeout elapsed.
	ErrBusy = errors.New("engine busy")

	// ErrTimeout is returned when the engine stops producing output for a
	// request for longer than the request timeout.
	ErrTimeout = errors.New("engine output timeout")

	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnrecognizedLine wraps engine output that matches no protocol prefix.
	ErrUnrecognizedLine = errors.New("unrecognized protocol line")

	// ErrQueueClosed is returned when pushing to a closed input queue.
	ErrQueueClosed = errors.New("input queue closed")
)
