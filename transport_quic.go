package peerdex

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/peerdex/pkg/flow"
)

const (
	quicALPN           = "peerdex"
	quicStreamDeadline = 10 * time.Second
)

// QUICTransport carries every message on its own unidirectional stream of a
// QUIC connection shared by both peers. The listener and the dialer share
// one UDP socket so the source address observed by peers is the listening
// one.
//
// Peers authenticate each other with nothing but the index server: the
// certificate is self-signed and never verified, QUIC only buys us ordered,
// acknowledged delivery of large messages.
type QUICTransport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	tlsConf *tls.Config
	udpLn   *net.UDPConn
	tr      *quic.Transport
	ln      *quic.Listener

	cxs     map[string]quic.Connection
	cxsLock sync.Mutex

	inbound *flow.Queue[Datagram]
	wg      sync.WaitGroup
}

var _ PeerTransport = (*QUICTransport)(nil)

func NewQUICTransport(cfg *TransportConfig) (_ *QUICTransport, err error) {
	t := &QUICTransport{
		cfg:     cfg,
		logger:  cfg.logger(),
		msink:   cfg.metricSink(),
		cxs:     make(map[string]quic.Connection),
		inbound: flow.NewQueue[Datagram](),
	}

	defer func() {
		if err != nil {
			t.Close()
		}
	}()

	cert, err := selfSignedCertificate()
	if err != nil {
		return nil, fmt.Errorf("transport: failed to generate certificate: %w", err)
	}
	t.tlsConf = &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{quicALPN},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
	}

	udpLn, err := listenUDP(cfg, t.logger, t.msink)
	if err != nil {
		return nil, err
	}
	t.udpLn = udpLn
	t.tr = &quic.Transport{Conn: udpLn}

	ln, err := t.tr.Listen(t.tlsConf, t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	t.wg.Add(1)
	go t.acceptCx()
	return t, nil
}

func (t *QUICTransport) quicConfig() *quic.Config {
	return &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		MaxIncomingStreams:    -1,
		MaxIncomingUniStreams: 1000,
		MaxIdleTimeout:        1 * time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	}
}

func (t *QUICTransport) LocalAddr() net.Addr {
	return t.udpLn.LocalAddr()
}

func (t *QUICTransport) Send(ctx context.Context, addr string, buf []byte) error {
	if len(buf) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(buf))
	}
	if t.gracefulTerm.Load() {
		return ErrTransportDown
	}

	labels := withLabels(t.cfg.MetricLabels, LabelTransport.M(TransportQUIC))
	err := t.send(ctx, addr, buf)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricMessageOutErrorCount, 1.0, labels)
		if t.gracefulTerm.Load() {
			return fmt.Errorf("%w: %w", ErrTransportDown, err)
		}
		return newTransportError("send", addr, err)
	}
	t.msink.IncrCounterWithLabels(MetricMessageOutBytes, float32(len(buf)), labels)
	return nil
}

func (t *QUICTransport) send(ctx context.Context, addr string, buf []byte) error {
	cx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		return err
	}

	stream, err := cx.OpenUniStreamSync(ctx)
	if err != nil {
		t.forgetCx(addr, cx)
		return err
	}
	if dl, hasDl := ctx.Deadline(); hasDl {
		stream.SetWriteDeadline(dl)
	}
	if err := flow.WriteFrame(stream, buf, MaxMessageSize); err != nil {
		stream.CancelWrite(QErrStreamProtocolViolation)
		t.forgetCx(addr, cx)
		return err
	}
	return stream.Close()
}

func (t *QUICTransport) Recv(ctx context.Context) (Datagram, error) {
	dgram, err := t.inbound.Pop(ctx)
	if errors.Is(err, flow.ErrFlowClosed) {
		return dgram, fmt.Errorf("%w: %w", ErrTransportDown, err)
	}
	return dgram, err
}

func (t *QUICTransport) Close() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}

	t.cxsLock.Lock()
	for addr, cx := range t.cxs {
		QErrShutdown.Close(cx, "we are shutting down! bye!")
		delete(t.cxs, addr)
	}
	t.cxsLock.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}
	if t.tr != nil {
		t.tr.Close()
	}
	if t.udpLn != nil {
		t.udpLn.Close()
	}
	t.inbound.Close()
	t.wg.Wait()
	return nil
}

func (t *QUICTransport) acceptCx() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				t.logger.Warn("unexpected QUIC listener closure", "error", err)
			}
			return
		}
		t.handleConn(conn)
	}
}

func (t *QUICTransport) getActiveCx(ctx context.Context, addr string) (quic.Connection, error) {
	t.cxsLock.Lock()
	cx, hasCx := t.cxs[addr]
	t.cxsLock.Unlock()
	if hasCx && cx.Context().Err() == nil {
		return cx, nil
	}
	return t.dial(ctx, addr)
}

func (t *QUICTransport) dial(ctx context.Context, target string) (quic.Connection, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}

	timeout := t.cfg.DialTimeout
	if timeout == 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cx, err := t.tr.Dial(ctx, addr, t.tlsConf, t.quicConfig())
	if t.gracefulTerm.Load() {
		if cx != nil {
			QErrShutdown.Close(cx, "shutting down")
		}
		return nil, ErrTransportDown
	}
	if err != nil {
		return nil, err
	}
	t.handleConn(cx)
	return cx, nil
}

// handleConn makes cx the connection used for its remote address and starts
// receiving streams on it. Dialed and accepted connections are treated the
// same so a peer can answer on the connection we opened.
func (t *QUICTransport) handleConn(cx quic.Connection) {
	peer := cx.RemoteAddr().String()

	t.cxsLock.Lock()
	if t.gracefulTerm.Load() {
		t.cxsLock.Unlock()
		QErrShutdown.Close(cx, "shutting down")
		return
	}
	previous, hasPrevious := t.cxs[peer]
	t.cxs[peer] = cx
	t.wg.Add(1)
	t.cxsLock.Unlock()

	if hasPrevious && previous != cx {
		t.logger.Debug("replacing connection", LabelPeerAddr.L(peer))
	}
	go t.handleStreams(cx)
}

func (t *QUICTransport) forgetCx(addr string, cx quic.Connection) {
	t.cxsLock.Lock()
	defer t.cxsLock.Unlock()
	if current, has := t.cxs[addr]; has && current == cx {
		delete(t.cxs, addr)
	}
}

func (t *QUICTransport) handleStreams(cx quic.Connection) {
	defer t.wg.Done()
	remoteAddr := cx.RemoteAddr().String()
	ctx := cx.Context()
	logger := t.logger.With(LabelPeerAddr.L(remoteAddr))

	for {
		stream, err := cx.AcceptUniStream(ctx)
		if t.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("connection closed", "error", context.Cause(ctx))
				t.forgetCx(remoteAddr, cx)
				return
			}
			logger.Warn("error accepting stream", "error", err)
			continue
		}

		t.wg.Add(1)
		go t.readStream(stream, remoteAddr, logger)
	}
}

// readStream pushes the single frame carried by stream. A stalled stream
// only holds its own goroutine until the deadline.
func (t *QUICTransport) readStream(stream quic.ReceiveStream, remoteAddr string, logger *slog.Logger) {
	defer t.wg.Done()
	mLabels := withLabels(t.cfg.MetricLabels, LabelTransport.M(TransportQUIC))

	stream.SetReadDeadline(time.Now().Add(quicStreamDeadline))
	buf, err := flow.ReadFrame(stream, MaxMessageSize)
	if err != nil {
		stream.CancelRead(QErrStreamProtocolViolation)
		if t.gracefulTerm.Load() {
			return
		}
		t.msink.IncrCounterWithLabels(
			MetricMessageInErrorCount,
			1.0,
			withLabels(mLabels, LabelError.M("bad_frame")),
		)
		logger.Warn("could not read message frame", "error", err)
		return
	}
	ts := time.Now()

	t.msink.IncrCounterWithLabels(MetricMessageInBytes, float32(len(buf)), mLabels)
	if err := t.inbound.Push(Datagram{From: remoteAddr, Buf: buf, Timestamp: ts}); err != nil {
		logger.Debug("dropping message received while closing")
	}
}

func selfSignedCertificate() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: quicALPN,
		},
		NotBefore:             time.Now().Add(-1 * time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}
