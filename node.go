package peerdex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/peerdex/pkg/flow"
	"golang.org/x/sync/errgroup"
)

type State int32

const (
	StateUnregistered State = iota
	StateRegistering
	StateActive
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// errUserQuit is returned by the sender when the user asked to stop.
var errUserQuit = errors.New("node: quit requested")

// Node is a peer: it registers with the index server, then sends, receives
// and displays messages concurrently until it is closed.
type Node struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink
	clock  clock.Clock

	id      atomic.Pointer[PeerID]
	state   atomic.Int32
	running atomic.Bool

	index   Index
	tr      PeerTransport
	cache   *PeerCache
	inbound *flow.Queue[Message]
	out     *lineWriter

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}
}

// NewNode binds the peer transport and prepares the index client. Nothing
// is sent until `Node.Run` is called.
func NewNode(opts ...Option) (n *Node, err error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if cfg.listenAddr == "" {
		cfg.listenAddr = DefaultNodeAddr
	}

	n = &Node{
		cfg:     cfg,
		logger:  cfg.logger(),
		msink:   cfg.metricSink(),
		clock:   cfg.clock,
		inbound: flow.NewQueue[Message](),
		out:     &lineWriter{w: cfg.output},
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	n.cache, err = NewPeerCache(cfg.cacheSize)
	if err != nil {
		return nil, err
	}

	n.tr = cfg.peerTransport
	if n.tr == nil {
		tcfg := &TransportConfig{
			BindAddr:     cfg.listenAddr,
			BufferSize:   cfg.udpBufferSize,
			DialTimeout:  cfg.dialTimeout,
			MetricLabels: cfg.metricLabels,
			MetricSink:   n.msink,
			LogHandler:   cfg.logHandler,
		}
		switch cfg.transport {
		case TransportQUIC:
			n.tr, err = NewQUICTransport(tcfg)
		default:
			n.tr, err = NewUDPTransport(tcfg)
		}
		if err != nil {
			return nil, err
		}
	}

	n.index = cfg.index
	if n.index == nil {
		n.index, err = NewIndexClient(IndexClientConfig{
			Addr:         cfg.indexAddr,
			Network:      cfg.indexNetwork,
			Timeout:      cfg.queryTimeout,
			MetricLabels: cfg.metricLabels,
			MetricSink:   n.msink,
			LogHandler:   cfg.logHandler,
		})
		if err != nil {
			n.tr.Close()
			return nil, err
		}
	}

	n.logger = n.logger.With(LabelTransport.L(cfg.transport), "listen", n.tr.LocalAddr().String())
	return n, nil
}

// ID is the identifier the index server assigned us, the zero value until
// registration succeeded.
func (n *Node) ID() PeerID {
	if id := n.id.Load(); id != nil {
		return *id
	}
	return PeerID{}
}

func (n *Node) State() State {
	return State(n.state.Load())
}

// Addr is the address registered with the index server.
func (n *Node) Addr() net.Addr {
	return n.tr.LocalAddr()
}

// Cache exposes the peer address cache of the node.
func (n *Node) Cache() *PeerCache {
	return n.cache
}

// Run registers the node and runs its workers until ctx is done, `Node.Close`
// is called, the user quits, or a worker fails. A normal shutdown returns nil.
//
// Run can only be called once.
func (n *Node) Run(ctx context.Context) error {
	if n.State() == StateTerminated {
		return ErrNodeClosed
	}
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(n.doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-n.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	n.setState(StateRegistering)
	id, err := n.register(ctx)
	if err != nil {
		n.terminate()
		n.index.Close()
		n.setState(StateTerminated)
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrNotRegistered, err)
	}
	n.id.Store(&id)
	if !n.state.CompareAndSwap(int32(StateRegistering), int32(StateActive)) {
		// Closed while the registration was in flight.
		n.index.Close()
		n.setState(StateTerminated)
		return nil
	}
	n.logger.Info("node registered", LabelPeerID.L(id), "addr", n.tr.LocalAddr().String())
	n.out.Printf("id: %s", id)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		n.terminate()
		return nil
	})
	g.Go(func() error {
		return n.runReceiver(gctx)
	})
	g.Go(func() error {
		return n.runDisplay()
	})
	g.Go(func() error {
		return n.runSender(gctx)
	})

	err = g.Wait()
	n.terminate()
	n.index.Close()
	n.setState(StateTerminated)
	n.logger.Info("node terminated")

	if errors.Is(err, errUserQuit) {
		return nil
	}
	return err
}

// Close terminates the node and waits for its workers to return. It must
// not be called from a display hook.
func (n *Node) Close() error {
	if n.running.CompareAndSwap(false, true) {
		n.terminate()
		n.setState(StateTerminated)
		return n.index.Close()
	}
	n.terminate()
	<-n.doneCh
	return nil
}

// Send resolves dst, through the cache first then the index server, and
// transmits payload to it.
func (n *Node) Send(ctx context.Context, dst PeerID, payload string) (Message, error) {
	switch n.State() {
	case StateActive:
	case StateTerminating, StateTerminated:
		return Message{}, ErrNodeClosed
	default:
		return Message{}, ErrNotRegistered
	}

	record, cached, err := n.resolve(ctx, dst)
	if err != nil {
		return Message{}, err
	}

	msg := NewMessage(n.ID(), dst, payload, n.clock.Now())
	buf, err := msg.Encode()
	if err != nil {
		return Message{}, err
	}

	labels := withLabels(n.cfg.metricLabels, LabelTransport.M(n.cfg.transport))
	if err := n.tr.Send(ctx, record.Addr, buf); err != nil {
		n.msink.IncrCounterWithLabels(MetricMessageOutErrorCount, 1.0, labels)
		if cached {
			// The peer may have moved, ask the index server next time.
			n.cache.Invalidate(dst)
			n.logger.Debug("invalidated cached address", LabelPeerID.L(dst), LabelPeerAddr.L(record.Addr))
		}
		return Message{}, err
	}
	n.msink.IncrCounterWithLabels(MetricMessageOutCount, 1.0, labels)
	return msg, nil
}

func (n *Node) resolve(ctx context.Context, dst PeerID) (AddressRecord, bool, error) {
	if record, hit := n.cache.Get(dst); hit {
		n.msink.IncrCounterWithLabels(MetricCacheHitCount, 1.0, n.cfg.metricLabels)
		return record, true, nil
	}
	n.msink.IncrCounterWithLabels(MetricCacheMissCount, 1.0, n.cfg.metricLabels)

	qctx, cancel := context.WithTimeout(ctx, n.cfg.queryTimeout)
	defer cancel()
	addr, err := n.index.Query(qctx, dst)
	if err != nil {
		return AddressRecord{}, false, err
	}
	record := AddressRecord{
		ID:           dst,
		Addr:         addr,
		RegisteredAt: n.clock.Now().UTC(),
	}
	n.cache.Add(record)
	return record, false, nil
}

func (n *Node) register(ctx context.Context) (PeerID, error) {
	addr := n.tr.LocalAddr().String()
	var err error
	for attempt := 1; attempt <= n.cfg.registerAttempts; attempt++ {
		var id PeerID
		rctx, cancel := context.WithTimeout(ctx, n.cfg.queryTimeout)
		id, err = n.index.Register(rctx, addr)
		cancel()
		if err == nil {
			return id, nil
		}
		if !IsRetryable(err) || attempt == n.cfg.registerAttempts {
			break
		}

		n.logger.Warn("registration failed, retrying", "attempt", attempt, LabelError.L(err))
		select {
		case <-ctx.Done():
			return PeerID{}, ctx.Err()
		case <-time.After(n.cfg.registerBackoff):
		}
	}
	return PeerID{}, err
}

func (n *Node) setState(s State) {
	n.state.Store(int32(s))
	n.logger.Debug("node state changed", LabelState.L(s.String()))
}

func (n *Node) terminating() bool {
	return n.State() >= StateTerminating
}

// terminate interrupts every worker: blocked reads on the transport fail,
// the display drains the inbound queue and the sender stops reading input.
func (n *Node) terminate() {
	n.closeOnce.Do(func() {
		if n.State() < StateTerminating {
			n.setState(StateTerminating)
		}
		close(n.closeCh)
		if err := n.tr.Close(); err != nil {
			n.logger.Warn("could not close transport", LabelError.L(err))
		}
		n.inbound.Close()
	})
}

// lineWriter keeps lines written by concurrent workers from interleaving.
type lineWriter struct {
	lk sync.Mutex
	w  io.Writer
}

func (lw *lineWriter) Printf(format string, args ...any) {
	lw.lk.Lock()
	defer lw.lk.Unlock()
	fmt.Fprintf(lw.w, format+"\n", args...)
}
