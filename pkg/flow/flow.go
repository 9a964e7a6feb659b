// Package flow holds the plumbing shared by peerdex workers: an unbounded
// FIFO handing values from one goroutine to another, and a length-prefixed
// framing codec for stream transports.
package flow

import "errors"

var (
	ErrFlowClosed    = errors.New("flow closed")
	ErrFrameTooLarge = errors.New("flow: frame exceeds the maximum size")
	ErrFrameInvalid  = errors.New("flow: invalid frame prefix")
)
