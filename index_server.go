package peerdex

import (
	"bufio"
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

// IndexServer answers register and query requests against a [Registry].
// It may listen on UDP, TCP or both, sharing the same port number.
type IndexServer struct {
	cfg      config
	logger   *slog.Logger
	msink    metrics.MetricSink
	registry *Registry

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	udpConn *net.UDPConn
	tcpLn   *net.TCPListener

	connsLock sync.Mutex
	conns     map[net.Conn]struct{}

	wg sync.WaitGroup
}

// NewIndexServer binds the listeners and starts serving immediately.
func NewIndexServer(opts ...Option) (_ *IndexServer, err error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if cfg.listenAddr == "" {
		cfg.listenAddr = DefaultIndexAddr
	}

	srv := &IndexServer{
		cfg:      cfg,
		logger:   cfg.logger(),
		msink:    cfg.metricSink(),
		registry: cfg.registry,
		conns:    make(map[net.Conn]struct{}),
	}
	if srv.registry == nil {
		srv.registry = NewRegistry(cfg.clock)
	}

	// Release whatever got bound if a later step fails.
	defer func() {
		if err != nil {
			srv.Shutdown()
		}
	}()

	host, port, err := net.SplitHostPort(cfg.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}

	if cfg.network == NetworkUDP || cfg.network == NetworkBoth {
		udpAddr, err := net.ResolveUDPAddr("udp", cfg.listenAddr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
		}
		srv.udpConn, err = net.ListenUDP("udp", udpAddr)
		if err != nil {
			return nil, fmt.Errorf("index: failed to allocate UDP listener: %w", err)
		}
		if cfg.udpBufferSize > 0 {
			err := negotiateBufferSize(srv.udpConn, cfg.udpBufferSize, false, srv.logger, srv.msink, cfg.metricLabels)
			if err != nil {
				return nil, err
			}
		}
		// Both listeners share the port the kernel picked for UDP.
		port = strconv.Itoa(srv.udpConn.LocalAddr().(*net.UDPAddr).Port)
	}

	if cfg.network == NetworkTCP || cfg.network == NetworkBoth {
		tcpAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, port))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
		}
		srv.tcpLn, err = net.ListenTCP("tcp", tcpAddr)
		if err != nil {
			return nil, fmt.Errorf("index: failed to allocate TCP listener: %w", err)
		}
	}

	srv.msink.SetGaugeWithLabels(MetricIndexRegisteredPeers, float32(srv.registry.Len()), cfg.metricLabels)

	if srv.udpConn != nil {
		srv.wg.Add(1)
		go srv.serveUDP()
		srv.logger.Info("index server listening", LabelNetwork.L(NetworkUDP), "addr", srv.udpConn.LocalAddr().String())
	}
	if srv.tcpLn != nil {
		srv.wg.Add(1)
		go srv.serveTCP()
		srv.logger.Info("index server listening", LabelNetwork.L(NetworkTCP), "addr", srv.tcpLn.Addr().String())
	}
	return srv, nil
}

// Registry served by this server.
func (srv *IndexServer) Registry() *Registry {
	return srv.registry
}

// UDPAddr is nil unless the server listens on UDP.
func (srv *IndexServer) UDPAddr() net.Addr {
	if srv.udpConn == nil {
		return nil
	}
	return srv.udpConn.LocalAddr()
}

// TCPAddr is nil unless the server listens on TCP.
func (srv *IndexServer) TCPAddr() net.Addr {
	if srv.tcpLn == nil {
		return nil
	}
	return srv.tcpLn.Addr()
}

// Shutdown stops the listeners, closes open connections and waits for
// in-flight requests to be answered.
func (srv *IndexServer) Shutdown() error {
	if !srv.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if srv.udpConn != nil {
		errs = append(errs, srv.udpConn.Close())
	}
	if srv.tcpLn != nil {
		errs = append(errs, srv.tcpLn.Close())
	}

	srv.connsLock.Lock()
	for conn := range srv.conns {
		conn.Close()
	}
	srv.connsLock.Unlock()

	srv.wg.Wait()
	srv.logger.Info("index server stopped", "peers", srv.registry.Len())
	return errors.Join(errs...)
}

func (srv *IndexServer) serveUDP() {
	defer srv.wg.Done()
	buf := make([]byte, MaxRequestSize+1)
	for {
		n, from, err := srv.udpConn.ReadFromUDP(buf)
		if err != nil {
			if srv.gracefulTerm.Load() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				srv.logger.Warn("unexpected UDP listener closure", "error", err)
				return
			}
			srv.logger.Error("error reading UDP packet", "error", err)
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			resp := srv.handle(raw, NetworkUDP, from.String())
			out, err := json.Marshal(resp)
			if err != nil {
				srv.logger.Error("could not encode response", "error", err)
				return
			}
			if _, err := srv.udpConn.WriteToUDP(out, from); err != nil && !srv.gracefulTerm.Load() {
				srv.logger.Warn("could not send response", LabelPeerAddr.L(from.String()), "error", err)
			}
		}()
	}
}

func (srv *IndexServer) serveTCP() {
	defer srv.wg.Done()
	for {
		conn, err := srv.tcpLn.AcceptTCP()
		if err != nil {
			if srv.gracefulTerm.Load() {
				return
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			srv.logger.Warn("unexpected TCP listener closure", "error", err)
			return
		}

		srv.connsLock.Lock()
		if srv.gracefulTerm.Load() {
			srv.connsLock.Unlock()
			conn.Close()
			return
		}
		srv.conns[conn] = struct{}{}
		srv.wg.Add(1)
		srv.connsLock.Unlock()

		go srv.handleConn(conn)
	}
}

// handleConn serves newline-delimited requests until the peer hangs up,
// stays idle for too long, or sends an oversized line.
func (srv *IndexServer) handleConn(conn *net.TCPConn) {
	defer srv.wg.Done()
	defer func() {
		srv.connsLock.Lock()
		delete(srv.conns, conn)
		srv.connsLock.Unlock()
		conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	logger := srv.logger.With(LabelPeerAddr.L(remote))
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 512), MaxRequestSize+1)
	writer := bufio.NewWriter(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(srv.cfg.idleTimeout))
		if !scanner.Scan() {
			err := scanner.Err()
			switch {
			case errors.Is(err, bufio.ErrTooLong):
				// We lost track of where the next request starts.
				resp := errorResponse(Request{}, CodeProtocol, fmt.Errorf("%w: request too large", ErrProtocol))
				srv.writeLine(writer, resp)
				srv.msink.IncrCounterWithLabels(
					MetricIndexRequestErrorCount,
					1.0,
					withLabels(srv.cfg.metricLabels, LabelNetwork.M(NetworkTCP), LabelError.M("too_large")),
				)
			case err != nil && !srv.gracefulTerm.Load():
				logger.Debug("closing index connection", "error", err)
			}
			return
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := srv.handle(line, NetworkTCP, remote)
		conn.SetWriteDeadline(time.Now().Add(srv.cfg.idleTimeout))
		if err := srv.writeLine(writer, resp); err != nil {
			if !srv.gracefulTerm.Load() {
				logger.Warn("could not send response", "error", err)
			}
			return
		}
	}
}

func (srv *IndexServer) writeLine(w *bufio.Writer, resp Response) error {
	out, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	w.Write(out)
	w.WriteByte('\n')
	return w.Flush()
}

// handle turns one request document into its response. It never fails: a
// bad request gets an error response and the server keeps going.
func (srv *IndexServer) handle(raw []byte, network, from string) Response {
	start := time.Now()
	req, err := DecodeRequest(raw)

	reqType := string(req.Type)
	if err != nil {
		reqType = "invalid"
	}
	labels := withLabels(
		srv.cfg.metricLabels,
		LabelNetwork.M(network),
		LabelRequestType.M(reqType),
	)
	logger := srv.logger.With(LabelNetwork.L(network), LabelPeerAddr.L(from), LabelRequestType.L(reqType))

	srv.msink.IncrCounterWithLabels(MetricIndexRequestCount, 1.0, labels)
	defer func() {
		srv.msink.AddSampleWithLabels(
			MetricIndexRequestLatency,
			float32(time.Since(start).Seconds()*1000),
			labels,
		)
	}()

	fail := func(code ErrorCode, err error) Response {
		srv.msink.IncrCounterWithLabels(
			MetricIndexRequestErrorCount,
			1.0,
			withLabels(labels, LabelError.M(string(code))),
		)
		return errorResponse(req, code, err)
	}

	if err != nil {
		logger.Debug("rejecting malformed request", "error", err)
		return fail(CodeProtocol, err)
	}

	if srv.gracefulTerm.Load() {
		return fail(CodeBusy, ErrServerClosed)
	}

	if srv.cfg.limiter != nil && !srv.cfg.limiter.Allow() {
		logger.Debug("rate limit exceeded")
		return fail(CodeBusy, ErrBusy)
	}

	resp := okResponse(req)
	switch req.Type {
	case RequestRegister:
		record, err := srv.registry.Register(req.Address)
		if err != nil {
			logger.Error("could not register peer", "error", err)
			if errors.Is(err, ErrIDExhausted) {
				return fail(CodeBusy, err)
			}
			return fail(CodeProtocol, err)
		}
		srv.msink.SetGaugeWithLabels(MetricIndexRegisteredPeers, float32(srv.registry.Len()), srv.cfg.metricLabels)
		logger.Info("peer registered", LabelPeerID.L(record.ID), "address", record.Addr)
		resp.UUID = record.ID.String()

	case RequestQuery:
		// Already validated by DecodeRequest.
		id, _ := ParsePeerID(req.UUID)
		record, err := srv.registry.Lookup(id)
		if err != nil {
			logger.Debug("query for unknown peer", LabelPeerID.L(id))
			return fail(CodeNotFound, err)
		}
		resp.UUID = record.ID.String()
		resp.Address = record.Addr

	case RequestUnregister:
		id, _ := ParsePeerID(req.UUID)
		if err := srv.registry.Unregister(id); err != nil {
			return fail(CodeNotFound, err)
		}
		srv.msink.SetGaugeWithLabels(MetricIndexRegisteredPeers, float32(srv.registry.Len()), srv.cfg.metricLabels)
		logger.Info("peer unregistered", LabelPeerID.L(id))
		resp.UUID = id.String()
	}
	return resp
}
