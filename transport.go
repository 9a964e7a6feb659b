package peerdex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hashicorp/go-metrics"
)

const defaultUDPBufferSize int = 1 << 21

// aLongTimeAgo is used as a deadline to interrupt blocked socket calls.
var aLongTimeAgo = time.Unix(1, 0)

// Datagram is one unit of data received from a peer.
type Datagram struct {
	From      string
	Buf       []byte
	Timestamp time.Time
}

// PeerTransport moves encoded messages between nodes.
//
// `Send` is safe for concurrent use, `Recv` MUST NOT be called concurrently
// with itself. `Close` interrupts any blocked call, which then returns an
// error matching [ErrTransportDown].
type PeerTransport interface {
	LocalAddr() net.Addr
	Send(ctx context.Context, addr string, buf []byte) error
	Recv(ctx context.Context) (Datagram, error)
	Close() error
}

// TransportConfig represents configuration for the peer transports.
type TransportConfig struct {
	// BindAddr is the host:port the transport listens on, port 0 picks one.
	BindAddr string

	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// DialTimeout bounds connection establishment, only used by QUIC.
	DialTimeout time.Duration

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

func (cfg *TransportConfig) logger() *slog.Logger {
	if cfg.LogHandler == nil {
		return slog.Default()
	}
	return slog.New(cfg.LogHandler)
}

func (cfg *TransportConfig) metricSink() metrics.MetricSink {
	if cfg.MetricSink == nil {
		return metrics.Default()
	}
	return cfg.MetricSink
}

func listenUDP(cfg *TransportConfig, logger *slog.Logger, msink metrics.MetricSink) (*net.UDPConn, error) {
	bind := cfg.BindAddr
	if bind == "" {
		bind = DefaultNodeAddr
	}
	udpAddr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := negotiateBufferSize(udpLn, requested, cfg.EnforceBufferSize, logger, msink, cfg.MetricLabels); err != nil {
		udpLn.Close()
		return nil, err
	}
	return udpLn, nil
}

func negotiateBufferSize(
	udpLn *net.UDPConn,
	requested int,
	enforce bool,
	logger *slog.Logger,
	msink metrics.MetricSink,
	labels []metrics.Label,
) error {
	size := requested
	for size > 0 {
		if err := udpLn.SetReadBuffer(size); err != nil {
			if enforce {
				return fmt.Errorf("transport: could not allocate udp buffer: %w", err)
			}
			size = size >> 1
			continue
		}
		if size != requested {
			logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		msink.SetGaugeWithLabels(MetricUDPBufferSizeBytes, float32(size), labels)
		return nil
	}
	return errors.New("transport: could not allocate udp buffer")
}

// UDPTransport sends one message per datagram from the socket it listens
// on, so the address peers observe is the one registered with the index.
type UDPTransport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink
	conn   *net.UDPConn
	buf    []byte
}

var _ PeerTransport = (*UDPTransport)(nil)

func NewUDPTransport(cfg *TransportConfig) (*UDPTransport, error) {
	t := &UDPTransport{
		cfg:    cfg,
		logger: cfg.logger(),
		msink:  cfg.metricSink(),
		buf:    make([]byte, MaxMessageSize+1),
	}
	conn, err := listenUDP(cfg, t.logger, t.msink)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	return t, nil
}

func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *UDPTransport) Send(ctx context.Context, addr string, buf []byte) error {
	if len(buf) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(buf))
	}
	dst, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return newTransportError("resolve", addr, err)
	}

	// Datagram writes never wait on the peer, ctx is only checked up front.
	if err := ctx.Err(); err != nil {
		return err
	}

	labels := withLabels(t.cfg.MetricLabels, LabelTransport.M(TransportUDP))
	if _, err := t.conn.WriteToUDP(buf, dst); err != nil {
		t.msink.IncrCounterWithLabels(MetricMessageOutErrorCount, 1.0, labels)
		if errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("%w: %w", ErrTransportDown, err)
		}
		return newTransportError("send", addr, err)
	}
	t.msink.IncrCounterWithLabels(MetricMessageOutBytes, float32(len(buf)), labels)
	return nil
}

func (t *UDPTransport) Recv(ctx context.Context) (Datagram, error) {
	// The deadline is only ever moved by ctx so a timeout always leaves
	// ctx.Err() set.
	t.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		t.conn.SetReadDeadline(aLongTimeAgo)
	})
	defer stop()

	labels := withLabels(t.cfg.MetricLabels, LabelTransport.M(TransportUDP))
	for {
		n, from, err := t.conn.ReadFromUDP(t.buf)
		ts := time.Now()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return Datagram{}, fmt.Errorf("%w: %w", ErrTransportDown, err)
			}
			if ctx.Err() != nil {
				return Datagram{}, ctx.Err()
			}
			return Datagram{}, newTransportError("recv", "", err)
		}

		if n > MaxMessageSize {
			t.msink.IncrCounterWithLabels(
				MetricMessageInErrorCount,
				1.0,
				withLabels(labels, LabelError.M("too_large")),
			)
			t.logger.Warn("dropping oversized datagram", LabelPeerAddr.L(from.String()), "bytes", n)
			continue
		}
		if n < 1 {
			continue
		}

		t.msink.IncrCounterWithLabels(MetricMessageInBytes, float32(n), labels)
		buf := make([]byte, n)
		copy(buf, t.buf[:n])
		return Datagram{From: from.String(), Buf: buf, Timestamp: ts}, nil
	}
}

func (t *UDPTransport) Close() error {
	err := t.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
