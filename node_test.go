package peerdex

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockIndex struct {
	m mock.Mock
}

func (idx *MockIndex) Register(ctx context.Context, addr string) (PeerID, error) {
	args := idx.m.Called(addr)
	return args.Get(0).(PeerID), args.Error(1)
}

func (idx *MockIndex) Query(ctx context.Context, id PeerID) (string, error) {
	args := idx.m.Called(id)
	return args.String(0), args.Error(1)
}

func (idx *MockIndex) Close() error {
	return idx.m.Called().Error(0)
}

func newMockIndex(t *testing.T) (*MockIndex, PeerID) {
	t.Helper()
	id, err := NewPeerID()
	require.NoError(t, err)
	idx := &MockIndex{}
	idx.m.On("Register", mock.Anything).Return(id, nil)
	idx.m.On("Close").Return(nil)
	return idx, id
}

// flakyTransport fails every send while fail is set.
type flakyTransport struct {
	*UDPTransport
	fail atomic.Bool
}

func (f *flakyTransport) Send(ctx context.Context, addr string, buf []byte) error {
	if f.fail.Load() {
		return &TransportError{Op: "send", Addr: addr, Err: syscall.ECONNREFUSED}
	}
	return f.UDPTransport.Send(ctx, addr, buf)
}

type safeBuffer struct {
	lk  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.lk.Lock()
	defer b.lk.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.lk.Lock()
	defer b.lk.Unlock()
	return b.buf.String()
}

func inbox() (func(Message), chan Message) {
	ch := make(chan Message, 64)
	return func(msg Message) {
		ch <- msg
	}, ch
}

func nextMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for a message")
		return Message{}
	}
}

func testNodeOptions(emitter string, opts ...Option) []Option {
	return append([]Option{
		WithListenOn("127.0.0.1:0"),
		WithLog(testLogHandler(emitter)),
		WithMetricSink(&metrics.BlackholeSink{}),
	}, opts...)
}

// startNode runs a node in the background until the test ends and waits for
// it to be registered.
func startNode(t *testing.T, opts ...Option) (*Node, <-chan error) {
	t.Helper()
	n, err := NewNode(opts...)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- n.Run(context.Background())
	}()
	t.Cleanup(func() {
		n.Close()
	})

	require.Eventually(t, func() bool {
		return n.State() == StateActive
	}, 10*time.Second, 10*time.Millisecond, "node never became active")
	return n, done
}

func requireReturns(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("node did not stop")
		return nil
	}
}

func TestNode_EndToEnd(t *testing.T) {
	for _, kind := range []string{TransportUDP, TransportQUIC} {
		t.Run(kind, func(t *testing.T) {
			srv := startIndexServer(t)
			hook, received := inbox()
			bobOut := &safeBuffer{}

			bob, bobDone := startNode(t, testNodeOptions("bob",
				WithIndex(srv.UDPAddr().String()),
				WithTransport(kind),
				WithDisplayHook(hook),
				WithOutput(bobOut),
				WithLearnFromInbound(true),
			)...)
			aliceHook, replies := inbox()
			alice, aliceDone := startNode(t, testNodeOptions("alice",
				WithIndex(srv.TCPAddr().String()),
				WithIndexNetwork(NetworkTCP),
				WithTransport(kind),
				WithDisplayHook(aliceHook),
			)...)
			require.NotEqual(t, alice.ID(), bob.ID())
			require.Equal(t, 2, srv.Registry().Len())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			const count = 10
			for i := range count {
				sent, err := alice.Send(ctx, bob.ID(), fmt.Sprintf("hello #%d", i))
				require.NoError(t, err)
				require.Equal(t, alice.ID(), sent.Src)
				require.Equal(t, bob.ID(), sent.Dst)
			}

			// QUIC streams are read concurrently so only delivery is checked.
			var want, got []string
			for i := range count {
				want = append(want, fmt.Sprintf("hello #%d", i))
				msg := nextMessage(t, received)
				got = append(got, msg.Payload)
				require.Equal(t, alice.ID(), msg.Src)
				require.Equal(t, bob.ID(), msg.Dst)
			}
			require.ElementsMatch(t, want, got)
			require.Contains(t, bobOut.String(), "id: "+bob.ID().String())
			require.Contains(t, bobOut.String(), alice.ID().String()+": hello #9")

			record, hit := bob.Cache().Get(alice.ID())
			require.True(t, hit, "bob learnt the address of alice")
			require.Equal(t, alice.Addr().String(), record.Addr)

			// Replying goes through the learnt address.
			reply, err := bob.Send(ctx, alice.ID(), "hi alice")
			require.NoError(t, err)
			msg := nextMessage(t, replies)
			require.Equal(t, reply.Payload, msg.Payload)
			require.Equal(t, bob.ID(), msg.Src)

			require.NoError(t, alice.Close())
			require.NoError(t, bob.Close())
			require.NoError(t, requireReturns(t, aliceDone))
			require.NoError(t, requireReturns(t, bobDone))
			require.Equal(t, StateTerminated, alice.State())
			require.Equal(t, StateTerminated, bob.State())
		})
	}
}

func TestNode_SenderReadsInput(t *testing.T) {
	srv := startIndexServer(t)
	hook, received := inbox()
	bob, _ := startNode(t, testNodeOptions("bob",
		WithIndex(srv.UDPAddr().String()),
		WithDisplayHook(hook),
	)...)

	pr, pw := io.Pipe()
	defer pw.Close()
	aliceOut := &safeBuffer{}
	alice, aliceDone := startNode(t, testNodeOptions("alice",
		WithIndex(srv.UDPAddr().String()),
		WithInput(pr),
		WithOutput(aliceOut),
	)...)

	write := func(line string) {
		t.Helper()
		_, err := io.WriteString(pw, line+"\n")
		require.NoError(t, err)
	}
	eventuallyPrints := func(s string, times int) {
		t.Helper()
		require.Eventually(t, func() bool {
			return strings.Count(aliceOut.String(), s) >= times
		}, 5*time.Second, 10*time.Millisecond, "never printed %q", s)
	}

	write("/id")
	eventuallyPrints("id: "+alice.ID().String(), 2)

	write("hello")
	eventuallyPrints("usage: <peer id> <message>", 1)
	write("not-an-id hello")
	eventuallyPrints("usage: <peer id> <message>", 2)

	unknown, err := NewPeerID()
	require.NoError(t, err)
	write(unknown.String() + " anyone there?")
	eventuallyPrints("unknown peer "+unknown.String(), 1)

	write(bob.ID().String() + "   hello over stdin  ")
	msg := nextMessage(t, received)
	require.Equal(t, "hello over stdin", msg.Payload)

	write("/quit")
	require.NoError(t, requireReturns(t, aliceDone), "quitting is a normal shutdown")
	require.Equal(t, StateTerminated, alice.State())
	require.Equal(t, StateActive, bob.State(), "other peers are not affected")
}

func TestNode_OversizedInputLine(t *testing.T) {
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	idx, _ := newMockIndex(t)
	dst, err := NewPeerID()
	require.NoError(t, err)
	idx.m.On("Query", dst).Return(peer.LocalAddr().String(), nil)

	pr, pw := io.Pipe()
	defer pw.Close()
	out := &safeBuffer{}
	n, done := startNode(t, testNodeOptions("oversized",
		WithIndexClient(idx),
		WithInput(pr),
		WithOutput(out),
	)...)

	_, err = io.WriteString(pw, strings.Repeat("a", 70*1024)+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "message too large")
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, StateActive, n.State(), "a long line does not stop the node")

	_, err = io.WriteString(pw, dst.String()+" still here\n")
	require.NoError(t, err)

	buf := make([]byte, MaxMessageSize)
	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	nr, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)
	msg, err := DecodeMessage(buf[:nr])
	require.NoError(t, err)
	require.Equal(t, "still here", msg.Payload)

	require.NoError(t, pw.Close())
	require.NoError(t, requireReturns(t, done))
}

func TestNode_QUICBindFailure(t *testing.T) {
	taken, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	idx, _ := newMockIndex(t)
	require.NotPanics(t, func() {
		_, err = NewNode(testNodeOptions("taken",
			WithIndexClient(idx),
			WithTransport(TransportQUIC),
			WithListenOn(taken.LocalAddr().String()),
		)...)
	})
	require.Error(t, err)
}

func TestNode_EndOfInputQuits(t *testing.T) {
	idx, _ := newMockIndex(t)
	n, err := NewNode(testNodeOptions("eof",
		WithIndexClient(idx),
		WithInput(strings.NewReader("")),
	)...)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- n.Run(context.Background())
	}()
	require.NoError(t, requireReturns(t, done))
	idx.m.AssertCalled(t, "Close")
}

func TestNode_ContextCancellation(t *testing.T) {
	idx, _ := newMockIndex(t)
	n, err := NewNode(testNodeOptions("ctx", WithIndexClient(idx))...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return n.State() == StateActive
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, requireReturns(t, done))
	require.Equal(t, StateTerminated, n.State())
}

func TestNode_CacheAvoidsRequery(t *testing.T) {
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	idx, _ := newMockIndex(t)
	dst, err := NewPeerID()
	require.NoError(t, err)
	idx.m.On("Query", dst).Return(peer.LocalAddr().String(), nil)

	n, _ := startNode(t, testNodeOptions("cache", WithIndexClient(idx), WithClock(clk))...)

	ctx := context.Background()
	for i := range 2 {
		_, err := n.Send(ctx, dst, fmt.Sprintf("ping %d", i))
		require.NoError(t, err)
	}
	idx.m.AssertNumberOfCalls(t, "Query", 1)

	buf := make([]byte, MaxMessageSize)
	for i := range 2 {
		peer.SetReadDeadline(time.Now().Add(5 * time.Second))
		nr, from, err := peer.ReadFromUDP(buf)
		require.NoError(t, err)
		require.Equal(t, n.Addr().String(), from.String())

		msg, err := DecodeMessage(buf[:nr])
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("ping %d", i), msg.Payload)
		require.Equal(t, n.ID(), msg.Src)
		require.True(t, clk.Now().Equal(msg.CreatedAt), "messages are stamped with the node clock")
	}
}

func TestNode_SendFailureInvalidatesCache(t *testing.T) {
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	udp, err := NewUDPTransport(&TransportConfig{
		BindAddr:   "127.0.0.1:0",
		MetricSink: &metrics.BlackholeSink{},
		LogHandler: testLogHandler("flaky"),
	})
	require.NoError(t, err)
	tr := &flakyTransport{UDPTransport: udp}

	idx, _ := newMockIndex(t)
	dst, err := NewPeerID()
	require.NoError(t, err)
	idx.m.On("Query", dst).Return(peer.LocalAddr().String(), nil)

	n, _ := startNode(t, testNodeOptions("flaky", WithIndexClient(idx), WithPeerTransport(tr))...)
	ctx := context.Background()

	_, err = n.Send(ctx, dst, "first")
	require.NoError(t, err)

	tr.fail.Store(true)
	_, err = n.Send(ctx, dst, "second")
	require.ErrorIs(t, err, ErrTransport)
	require.True(t, IsRetryable(err))
	_, hit := n.Cache().Get(dst)
	require.False(t, hit, "a failed send forgets the cached address")

	tr.fail.Store(false)
	_, err = n.Send(ctx, dst, "third")
	require.NoError(t, err)
	idx.m.AssertNumberOfCalls(t, "Query", 2)
}

func TestNode_UnknownPeer(t *testing.T) {
	idx, _ := newMockIndex(t)
	dst, err := NewPeerID()
	require.NoError(t, err)
	idx.m.On("Query", dst).Return("", ErrNotFound)

	n, _ := startNode(t, testNodeOptions("unknown", WithIndexClient(idx))...)
	_, err = n.Send(context.Background(), dst, "hello?")
	require.ErrorIs(t, err, ErrNotFound)
	_, hit := n.Cache().Get(dst)
	require.False(t, hit, "misses are not cached")
	require.Equal(t, StateActive, n.State())
}

func TestNode_ReceiverDiscardsBadUnits(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	idx, _ := newMockIndex(t)
	hook, received := inbox()
	n, _ := startNode(t, testNodeOptions("receiver",
		WithIndexClient(idx),
		WithDisplayHook(hook),
		WithMetricSink(sink),
	)...)

	conn, err := net.Dial("udp", n.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	src := mustParsePeerID(t, testSrc)
	other := mustParsePeerID(t, testDst)
	misrouted, err := NewMessage(src, other, "not for you", time.Now()).Encode()
	require.NoError(t, err)
	valid, err := NewMessage(src, n.ID(), "for you", time.Now()).Encode()
	require.NoError(t, err)

	for _, unit := range [][]byte{
		[]byte("definitely not json"),
		[]byte(`{"src":"` + testSrc + `","dst":"` + n.ID().String() + `","payload":"x","created_at":"yesterday"}`),
		misrouted,
		valid,
	} {
		_, err := conn.Write(unit)
		require.NoError(t, err)
	}

	msg := nextMessage(t, received)
	require.Equal(t, "for you", msg.Payload, "bad units are dropped and the receiver keeps going")
	require.Equal(t, StateActive, n.State())

	var discarded int
	for _, interval := range sink.Data() {
		for _, counter := range interval.Counters {
			if counter.Name == "peerdex.message.in.error.count" {
				discarded += counter.Count
			}
		}
	}
	require.Equal(t, 3, discarded)
}

func TestNode_RegistrationFailure(t *testing.T) {
	t.Run("retryable errors are retried", func(t *testing.T) {
		idx := &MockIndex{}
		idx.m.On("Register", mock.Anything).Return(PeerID{}, &TransportError{Op: "register", Err: ErrBusy})
		idx.m.On("Close").Return(nil)

		n, err := NewNode(testNodeOptions("unregistered",
			WithIndexClient(idx),
			WithRegisterRetries(3, 10*time.Millisecond),
		)...)
		require.NoError(t, err)

		err = n.Run(context.Background())
		require.ErrorIs(t, err, ErrNotRegistered)
		require.ErrorIs(t, err, ErrBusy)
		require.Equal(t, StateTerminated, n.State())
		idx.m.AssertNumberOfCalls(t, "Register", 3)
		idx.m.AssertCalled(t, "Close")
	})

	t.Run("other errors are not", func(t *testing.T) {
		idx := &MockIndex{}
		idx.m.On("Register", mock.Anything).Return(PeerID{}, ErrProtocol)
		idx.m.On("Close").Return(nil)

		n, err := NewNode(testNodeOptions("unregistered",
			WithIndexClient(idx),
			WithRegisterRetries(3, 10*time.Millisecond),
		)...)
		require.NoError(t, err)

		err = n.Run(context.Background())
		require.ErrorIs(t, err, ErrNotRegistered)
		idx.m.AssertNumberOfCalls(t, "Register", 1)
	})

	t.Run("no index server at all", func(t *testing.T) {
		silent := fakeIndex(t, func(Request) []Response { return nil })
		n, err := NewNode(testNodeOptions("unregistered",
			WithIndex(silent),
			WithQueryTimeout(50*time.Millisecond),
			WithRegisterRetries(2, 10*time.Millisecond),
		)...)
		require.NoError(t, err)

		err = n.Run(context.Background())
		require.ErrorIs(t, err, ErrNotRegistered)
		require.ErrorIs(t, err, ErrTransport)
	})
}

func TestNode_Lifecycle(t *testing.T) {
	t.Run("send before registration", func(t *testing.T) {
		idx, _ := newMockIndex(t)
		n, err := NewNode(testNodeOptions("lifecycle", WithIndexClient(idx))...)
		require.NoError(t, err)
		require.Equal(t, StateUnregistered, n.State())
		require.True(t, n.ID().IsZero())

		_, err = n.Send(context.Background(), mustParsePeerID(t, testDst), "too early")
		require.ErrorIs(t, err, ErrNotRegistered)
		require.NoError(t, n.Close())
	})

	t.Run("close before run", func(t *testing.T) {
		idx, _ := newMockIndex(t)
		n, err := NewNode(testNodeOptions("lifecycle", WithIndexClient(idx))...)
		require.NoError(t, err)

		require.NoError(t, n.Close())
		require.Equal(t, StateTerminated, n.State())
		require.ErrorIs(t, n.Run(context.Background()), ErrNodeClosed)
		idx.m.AssertNotCalled(t, "Register", mock.Anything)

		_, err = n.Send(context.Background(), mustParsePeerID(t, testDst), "too late")
		require.ErrorIs(t, err, ErrNodeClosed)
	})

	t.Run("run twice", func(t *testing.T) {
		idx, _ := newMockIndex(t)
		n, _ := startNode(t, testNodeOptions("lifecycle", WithIndexClient(idx))...)
		require.ErrorIs(t, n.Run(context.Background()), ErrAlreadyRunning)
	})

	t.Run("send after close", func(t *testing.T) {
		idx, _ := newMockIndex(t)
		n, done := startNode(t, testNodeOptions("lifecycle", WithIndexClient(idx))...)
		require.NoError(t, n.Close())
		require.NoError(t, requireReturns(t, done))
		require.NoError(t, n.Close(), "close is idempotent")

		_, err := n.Send(context.Background(), mustParsePeerID(t, testDst), "too late")
		require.ErrorIs(t, err, ErrNodeClosed)
	})
}

func TestNewNode_InvalidOptions(t *testing.T) {
	for name, opt := range map[string]Option{
		"listen":    WithListenOn("nope"),
		"index":     WithIndex("127.0.0.1"),
		"network":   WithIndexNetwork("sctp"),
		"transport": WithTransport("carrier-pigeon"),
		"cache":     WithCacheSize(0),
		"retries":   WithRegisterRetries(0, 0),
		"clock":     WithClock(nil),
		"dial":      WithDialTimeout(-time.Second),
	} {
		_, err := NewNode(opt)
		require.ErrorIs(t, err, ErrInvalidCfg, name)
	}
}
