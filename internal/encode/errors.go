// Package encode implements hardware encode sessions: a fixed pool of
// device frame buffers, a state-machined session wrapping one device
// encoder, and a drain that lands encoded packets on disk in submission
// order.
package encode

import "errors"

var (
	// ErrInvalidResolution indicates dimensions outside what the device
	// can encode, or dimensions the pixel format cannot represent.
	ErrInvalidResolution = errors.New("invalid resolution")
	// ErrInvalidState indicates an operation called in a session state
	// that does not allow it.
	ErrInvalidState = errors.New("invalid session state")
	// ErrIO indicates a failure reading or writing bitstream files.
	ErrIO = errors.New("i/o failure")
)
