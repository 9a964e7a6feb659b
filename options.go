package peerdex

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"
)

const (
	DefaultIndexAddr    = "127.0.0.1:50000"
	DefaultNodeAddr     = "127.0.0.1:0"
	DefaultQueryTimeout = 2 * time.Second
	DefaultDialTimeout  = 5 * time.Second
	DefaultCacheSize    = 1024
)

const (
	NetworkUDP  = "udp"
	NetworkTCP  = "tcp"
	NetworkBoth = "both"

	TransportUDP  = "udp"
	TransportQUIC = "quic"
)

// config is shared by `NewIndexServer` and `NewNode`, each reads the
// fields relevant to it.
type config struct {
	listenAddr    string
	logHandler    slog.Handler
	msink         metrics.MetricSink
	metricLabels  []metrics.Label
	clock         clock.Clock
	udpBufferSize int

	// index server
	network     string
	limiter     *rate.Limiter
	registry    *Registry
	idleTimeout time.Duration

	// node
	indexAddr        string
	indexNetwork     string
	index            Index
	transport        string
	peerTransport    PeerTransport
	queryTimeout     time.Duration
	dialTimeout      time.Duration
	registerAttempts int
	registerBackoff  time.Duration
	cacheSize        int
	learnFromInbound bool
	input            io.Reader
	output           io.Writer
	displayHook      func(Message)
}

func defaultConfig() config {
	return config{
		clock:            clock.New(),
		network:          NetworkBoth,
		idleTimeout:      5 * time.Minute,
		indexAddr:        DefaultIndexAddr,
		indexNetwork:     NetworkUDP,
		transport:        TransportUDP,
		queryTimeout:     DefaultQueryTimeout,
		registerAttempts: 3,
		registerBackoff:  500 * time.Millisecond,
		cacheSize:        DefaultCacheSize,
		output:           io.Discard,
	}
}

func (c *config) logger() *slog.Logger {
	if c.logHandler == nil {
		return slog.Default()
	}
	return slog.New(c.logHandler)
}

func (c *config) metricSink() metrics.MetricSink {
	if c.msink == nil {
		return metrics.Default()
	}
	return c.msink
}

// Option to pass to `NewIndexServer` or `NewNode`.
type Option func(*config) error

// WithListenOn specifies the host:port to bind. For a node, this is also the
// address registered with the index server so it must be reachable by
// other peers.
func WithListenOn(addr string) Option {
	return func(c *config) error {
		if err := validateBindAddress(addr); err != nil {
			return err
		}
		c.listenAddr = addr
		return nil
	}
}

// validateBindAddress is looser than `ValidateAddress`: the host may be
// empty and port 0 lets the kernel pick one.
func validateBindAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("%w: bad port in %q", ErrInvalidAddress, addr)
	}
	return nil
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithClock overrides the clock used to stamp messages and registrations.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		if clk == nil {
			return errors.New("clock must not be nil")
		}
		c.clock = clk
		return nil
	}
}

// WithUDPBufferSize requests a kernel read buffer of the given size. We
// halve the request until the kernel accepts it.
func WithUDPBufferSize(size int) Option {
	return func(c *config) error {
		if size < 0 {
			return errors.New("udp buffer size must be positive")
		}
		c.udpBufferSize = size
		return nil
	}
}

// WithNetwork controls which listeners the index server opens:
// [NetworkUDP], [NetworkTCP] or [NetworkBoth] on the same port.
func WithNetwork(network string) Option {
	return func(c *config) error {
		switch network {
		case NetworkUDP, NetworkTCP, NetworkBoth:
			c.network = network
			return nil
		}
		return errors.New("network must be one of udp, tcp or both")
	}
}

// WithRateLimit caps the index server at perSecond requests with the given
// burst. Requests above the limit get a busy response. A zero rate disables
// limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *config) error {
		if perSecond < 0 || burst < 0 {
			return errors.New("rate limit must be positive")
		}
		if perSecond == 0 {
			c.limiter = nil
			return nil
		}
		if burst == 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		return nil
	}
}

// WithRegistry makes the index server serve an existing registry, for
// instance one restored with `Registry.Load`.
func WithRegistry(reg *Registry) Option {
	return func(c *config) error {
		if reg == nil {
			return errors.New("registry must not be nil")
		}
		c.registry = reg
		return nil
	}
}

// WithIdleTimeout controls how long the index server keeps an idle TCP
// connection open.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 5 * time.Minute
		}
		c.idleTimeout = timeout
		return nil
	}
}

// WithIndex is the address of the index server a node registers with.
func WithIndex(addr string) Option {
	return func(c *config) error {
		if err := ValidateAddress(addr); err != nil {
			return err
		}
		c.indexAddr = addr
		return nil
	}
}

// WithIndexNetwork selects how a node talks to the index server,
// [NetworkUDP] or [NetworkTCP].
func WithIndexNetwork(network string) Option {
	return func(c *config) error {
		if network != NetworkUDP && network != NetworkTCP {
			return errors.New("index network must be udp or tcp")
		}
		c.indexNetwork = network
		return nil
	}
}

// WithIndexClient replaces the index client of a node.
func WithIndexClient(index Index) Option {
	return func(c *config) error {
		if index == nil {
			return errors.New("index client must not be nil")
		}
		c.index = index
		return nil
	}
}

// WithTransport selects the peer-to-peer transport, [TransportUDP] or
// [TransportQUIC]. Both peers of a conversation must use the same one.
func WithTransport(kind string) Option {
	return func(c *config) error {
		if kind != TransportUDP && kind != TransportQUIC {
			return errors.New("transport must be udp or quic")
		}
		c.transport = kind
		return nil
	}
}

// WithPeerTransport replaces the peer-to-peer transport of a node. The
// node takes ownership and closes it on termination.
func WithPeerTransport(tr PeerTransport) Option {
	return func(c *config) error {
		if tr == nil {
			return errors.New("peer transport must not be nil")
		}
		c.peerTransport = tr
		return nil
	}
}

// WithQueryTimeout bounds every round-trip to the index server.
func WithQueryTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = DefaultQueryTimeout
		}
		c.queryTimeout = timeout
		return nil
	}
}

// WithDialTimeout bounds connection establishment with another peer, only
// the QUIC transport connects.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return errors.New("dial timeout must not be negative")
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithRegisterRetries controls how many times a node tries to register
// before giving up, waiting backoff between retryable failures.
func WithRegisterRetries(attempts int, backoff time.Duration) Option {
	return func(c *config) error {
		if attempts < 1 {
			return errors.New("at least one registration attempt is required")
		}
		c.registerAttempts = attempts
		c.registerBackoff = backoff
		return nil
	}
}

// WithCacheSize bounds the number of peer addresses a node remembers.
func WithCacheSize(size int) Option {
	return func(c *config) error {
		if size < 1 {
			return errors.New("cache size must be at least 1")
		}
		c.cacheSize = size
		return nil
	}
}

// WithLearnFromInbound makes the receiver cache the source address of
// every valid inbound message, saving a query when replying.
func WithLearnFromInbound(enabled bool) Option {
	return func(c *config) error {
		c.learnFromInbound = enabled
		return nil
	}
}

// WithInput is where the sender reads `<peer id> <text>` lines from. Without
// it, the node only sends through `Node.Send`.
func WithInput(r io.Reader) Option {
	return func(c *config) error {
		c.input = r
		return nil
	}
}

// WithOutput is where received messages and send failures are rendered.
func WithOutput(w io.Writer) Option {
	return func(c *config) error {
		if w == nil {
			w = io.Discard
		}
		c.output = w
		return nil
	}
}

// WithDisplayHook is invoked by the display worker for every message, in
// arrival order, after it has been rendered.
func WithDisplayHook(hook func(Message)) Option {
	return func(c *config) error {
		c.displayHook = hook
		return nil
	}
}
