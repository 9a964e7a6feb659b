package peerdex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
)

// Index is what a node needs from the index server.
type Index interface {
	Register(ctx context.Context, addr string) (PeerID, error)
	Query(ctx context.Context, id PeerID) (string, error)
	Close() error
}

// IndexClientConfig represents configuration for an [IndexClient].
type IndexClientConfig struct {
	// Addr of the index server.
	Addr string

	// Network is either [NetworkUDP] or [NetworkTCP].
	Network string

	// Timeout bounds every round-trip, it is combined with the deadline of
	// the context passed by callers.
	Timeout time.Duration

	// MetricsLabels to add to every metrics emitted by the client.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// IndexClient talks to an index server over a dedicated connection, so
// index responses are never mixed up with messages from peers.
//
// Round-trips are serialized. The connection is dialed lazily and dropped
// after any network failure so the next call starts clean.
type IndexClient struct {
	cfg    IndexClientConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	lk     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	closed bool

	seq atomic.Uint64
}

var _ Index = (*IndexClient)(nil)

func NewIndexClient(cfg IndexClientConfig) (*IndexClient, error) {
	if err := ValidateAddress(cfg.Addr); err != nil {
		return nil, err
	}
	if cfg.Network == "" {
		cfg.Network = NetworkUDP
	}
	if cfg.Network != NetworkUDP && cfg.Network != NetworkTCP {
		return nil, fmt.Errorf("%w: index network must be udp or tcp", ErrInvalidCfg)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultQueryTimeout
	}

	c := &IndexClient{cfg: cfg}
	if cfg.LogHandler == nil {
		c.logger = slog.Default()
	} else {
		c.logger = slog.New(cfg.LogHandler)
	}
	if cfg.MetricSink == nil {
		c.msink = metrics.Default()
	} else {
		c.msink = cfg.MetricSink
	}
	c.logger = c.logger.With(LabelNetwork.L(cfg.Network), "index", cfg.Addr)
	return c, nil
}

// Register asks the index server for a fresh identifier bound to addr.
func (c *IndexClient) Register(ctx context.Context, addr string) (PeerID, error) {
	resp, err := c.roundTrip(ctx, Request{Type: RequestRegister, Address: addr})
	if err != nil {
		return PeerID{}, err
	}
	id, err := ParsePeerID(resp.UUID)
	if err != nil {
		return PeerID{}, fmt.Errorf("%w: register response: %w", ErrProtocol, err)
	}
	return id, nil
}

// Query resolves the address of id. An unknown peer yields [ErrNotFound].
func (c *IndexClient) Query(ctx context.Context, id PeerID) (string, error) {
	resp, err := c.roundTrip(ctx, Request{Type: RequestQuery, UUID: id.String()})
	if err != nil {
		return "", err
	}
	// Older servers answer a miss with a successful "nil" address.
	if resp.Address == "" || resp.Address == "nil" {
		return "", ErrNotFound
	}
	if err := ValidateAddress(resp.Address); err != nil {
		return "", fmt.Errorf("%w: query response: %w", ErrProtocol, err)
	}
	return resp.Address, nil
}

// Unregister removes id from the index server.
func (c *IndexClient) Unregister(ctx context.Context, id PeerID) error {
	_, err := c.roundTrip(ctx, Request{Type: RequestUnregister, UUID: id.String()})
	return err
}

func (c *IndexClient) Close() error {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.closed = true
	return c.resetLocked()
}

func (c *IndexClient) roundTrip(ctx context.Context, req Request) (resp Response, err error) {
	labels := withLabels(c.cfg.MetricLabels, LabelRequestType.M(string(req.Type)))
	c.msink.IncrCounterWithLabels(MetricQueryCount, 1.0, labels)
	defer func() {
		if err != nil {
			c.msink.IncrCounterWithLabels(MetricQueryErrorCount, 1.0, labels)
			c.logger.Debug("index round-trip failed", LabelRequestType.L(req.Type), LabelError.L(err))
		}
	}()

	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closed {
		return resp, fmt.Errorf("%w: index client closed", ErrTransportDown)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	conn, err := c.dialLocked(ctx)
	if err != nil {
		return resp, newTransportError("dial", c.cfg.Addr, c.timeoutCause(ctx, err))
	}

	req.ReqID = strconv.FormatUint(c.seq.Add(1), 10)
	buf, err := json.Marshal(req)
	if err != nil {
		return resp, err
	}
	if c.cfg.Network == NetworkTCP {
		buf = append(buf, '\n')
	}

	dl, _ := ctx.Deadline()
	conn.SetDeadline(dl)
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	if _, err := conn.Write(buf); err != nil {
		c.resetLocked()
		return resp, newTransportError("write", c.cfg.Addr, c.timeoutCause(ctx, err))
	}

	for {
		raw, err := c.readLocked(conn)
		if err != nil {
			c.resetLocked()
			return resp, newTransportError("read", c.cfg.Addr, c.timeoutCause(ctx, err))
		}

		resp, err = DecodeResponse(raw)
		if err != nil {
			if c.cfg.Network == NetworkTCP {
				c.resetLocked()
				return resp, err
			}
			c.logger.Warn("discarding malformed index response", "error", err)
			continue
		}

		// A response to a request we already gave up on.
		if resp.ReqID != "" && resp.ReqID != req.ReqID {
			c.logger.Debug("discarding stale index response", "req_id", resp.ReqID)
			continue
		}

		if err := resp.Err(); err != nil {
			if errors.Is(err, ErrBusy) {
				return resp, &TransportError{Op: string(req.Type), Addr: c.cfg.Addr, Err: err}
			}
			return resp, err
		}
		return resp, nil
	}
}

func (c *IndexClient) dialLocked(ctx context.Context) (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, c.cfg.Network, c.cfg.Addr)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	if c.cfg.Network == NetworkTCP {
		c.reader = bufio.NewReaderSize(conn, MaxRequestSize+1)
	}
	return conn, nil
}

func (c *IndexClient) readLocked(conn net.Conn) ([]byte, error) {
	if c.cfg.Network == NetworkTCP {
		line, err := c.reader.ReadSlice('\n')
		if err != nil {
			return nil, err
		}
		return line, nil
	}

	buf := make([]byte, MaxRequestSize+1)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *IndexClient) resetLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// timeoutCause replaces the error of an interrupted socket call by
// [errTimeout] when it is our deadline that interrupted it.
func (c *IndexClient) timeoutCause(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errTimeout
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return err
}
