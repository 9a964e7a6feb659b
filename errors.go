package peerdex

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg     = errors.New("peerdex: invalid options")
	ErrInvalidPeerID  = errors.New("peerdex: peer id must be 32 hexadecimal characters")
	ErrInvalidAddress = errors.New("peerdex: address must be a host:port pair")

	ErrProtocol      = errors.New("index: protocol error")
	ErrNotFound      = errors.New("index: unknown peer")
	ErrBusy          = errors.New("index: server is busy")
	ErrServerClosed  = errors.New("index: server closed")
	ErrIDExhausted   = errors.New("index: could not allocate a unique peer id")
	ErrTransport     = errors.New("transport: network failure")
	ErrTransportDown = errors.New("transport: closed")
	ErrTooLarge      = errors.New("transport: message too large")

	ErrDecode    = errors.New("message: malformed message")
	ErrTimestamp = errors.New("message: invalid created_at timestamp")
	ErrMisrouted = errors.New("message: destination is not this node")

	ErrNodeClosed     = errors.New("node: closed")
	ErrAlreadyRunning = errors.New("node: already running")
	ErrNotRegistered  = errors.New("node: not registered")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var (
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// TransportError reports a network failure between this process and a
// remote one. It matches [ErrTransport] with [errors.Is].
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (terr *TransportError) Error() string {
	if terr.Addr == "" {
		return fmt.Sprintf("transport: %s: %s", terr.Op, terr.Err)
	}
	return fmt.Sprintf("transport: %s %s: %s", terr.Op, terr.Addr, terr.Err)
}

func (terr *TransportError) Unwrap() []error {
	return []error{ErrTransport, terr.Err}
}

// Temporary tells whether retrying the same operation later may succeed.
func (terr *TransportError) Temporary() bool {
	if errors.Is(terr.Err, ErrBusy) || errors.Is(terr.Err, os.ErrDeadlineExceeded) {
		return true
	}
	if errors.Is(terr.Err, syscall.ECONNREFUSED) || errors.Is(terr.Err, syscall.ECONNRESET) {
		return true
	}
	var nerr net.Error
	if errors.As(terr.Err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(terr.Err, errTimeout)
}

// errTimeout is used when a context deadline interrupts a round-trip.
var errTimeout = errors.New("deadline exceeded")

func newTransportError(op, addr string, err error) error {
	if err == nil {
		return nil
	}
	var terr *TransportError
	if errors.As(err, &terr) {
		return err
	}
	return &TransportError{Op: op, Addr: addr, Err: err}
}

// IsRetryable reports whether err is a [TransportError] worth retrying.
func IsRetryable(err error) bool {
	var terr *TransportError
	if errors.As(err, &terr) {
		return terr.Temporary()
	}
	return false
}
