package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-metrics/prometheus"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raskyld/peerdex"
)

const (
	exitOK       = 0
	exitUsage    = 1
	exitBind     = 2
	exitRegister = 3
)

const (
	envListen    = "PEERDEX_LISTEN"
	envIndex     = "PEERDEX_INDEX"
	envTransport = "PEERDEX_TRANSPORT"
	envLogLevel  = "PEERDEX_LOG_LEVEL"
	envFile      = "PEERDEX_ENV_FILE"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if err := loadDotenv(); err != nil {
		fmt.Fprintf(os.Stderr, "could not load env file: %s\n", err)
		return exitUsage
	}

	if len(args) < 1 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "server":
		return runServer(args[1:])
	case "client":
		return runClient(args[1:])
	case "-h", "-help", "--help", "help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: peerdex server [flags]")
	fmt.Fprintln(os.Stderr, "       peerdex client [flags] <index-addr>")
}

// loadDotenv fills the environment from a `.env` file when there is one.
// Variables already set take precedence.
func loadDotenv() error {
	path := os.Getenv(envFile)
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func setupLogger(level string) (slog.Handler, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
	return handler, nil
}

func runServer(args []string) int {
	fset := flag.NewFlagSet("server", flag.ContinueOnError)
	var (
		listen      = fset.String("listen", envOr(envListen, peerdex.DefaultIndexAddr), "host:port to bind")
		network     = fset.String("network", peerdex.NetworkBoth, "listeners to open: udp, tcp or both")
		rateLimit   = fset.Float64("rate", 0, "maximum requests per second, 0 disables limiting")
		burst       = fset.Int("burst", 0, "requests allowed above the rate in a burst")
		metricsAddr = fset.String("metrics-addr", "", "host:port to expose prometheus metrics on")
		snapshot    = fset.String("snapshot", "", "file to restore the registry from and save it to on shutdown")
		logLevel    = fset.String("log-level", envOr(envLogLevel, "info"), "debug, info, warn or error")
	)
	if err := fset.Parse(args); err != nil {
		return exitUsage
	}

	handler, err := setupLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %s\n", err)
		return exitUsage
	}

	msink, stopMetrics, err := setupMetrics(*metricsAddr)
	if err != nil {
		slog.Error("failed to expose metrics", "error", err)
		return exitBind
	}
	defer stopMetrics()

	reg := peerdex.NewRegistry(nil)
	if *snapshot != "" {
		n, err := reg.Load(*snapshot)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Info("no snapshot to restore", "path", *snapshot)
		case err != nil:
			slog.Error("failed to restore snapshot", "path", *snapshot, "error", err)
			return exitUsage
		default:
			slog.Info("restored snapshot", "path", *snapshot, "peers", n)
		}
	}

	srv, err := peerdex.NewIndexServer(
		peerdex.WithListenOn(*listen),
		peerdex.WithNetwork(*network),
		peerdex.WithRateLimit(*rateLimit, *burst),
		peerdex.WithRegistry(reg),
		peerdex.WithLog(handler),
		peerdex.WithMetricSink(msink),
	)
	if err != nil {
		slog.Error("failed to start index server", "error", err)
		if errors.Is(err, peerdex.ErrInvalidCfg) {
			return exitUsage
		}
		return exitBind
	}

	// This will gracefully shutdown the server when pressing CTRL+C.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	slog.Info("terminating...")

	if err := srv.Shutdown(); err != nil {
		slog.Warn("error during shutdown", "error", err)
	}
	if *snapshot != "" {
		if err := reg.Save(*snapshot); err != nil {
			slog.Error("failed to save snapshot", "path", *snapshot, "error", err)
		} else {
			slog.Info("saved snapshot", "path", *snapshot, "peers", reg.Len())
		}
	}
	return exitOK
}

func setupMetrics(addr string) (metrics.MetricSink, func(), error) {
	if addr == "" {
		return &metrics.BlackholeSink{}, func() {}, nil
	}

	sink, err := prometheus.NewPrometheusSink()
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics endpoint stopped", "error", err)
		}
	}()
	slog.Info("exposing metrics", "addr", addr)

	return sink, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		httpSrv.Shutdown(ctx)
	}, nil
}

func runClient(args []string) int {
	fset := flag.NewFlagSet("client", flag.ContinueOnError)
	var (
		listen       = fset.String("listen", envOr(envListen, peerdex.DefaultNodeAddr), "host:port to receive messages on, registered with the index")
		transport    = fset.String("transport", envOr(envTransport, peerdex.TransportUDP), "peer transport: udp or quic")
		indexNetwork = fset.String("index-network", peerdex.NetworkUDP, "how to reach the index: udp or tcp")
		queryTimeout = fset.Duration("query-timeout", peerdex.DefaultQueryTimeout, "bound on every index round-trip")
		dialTimeout  = fset.Duration("dial-timeout", peerdex.DefaultDialTimeout, "bound on connecting to a peer over quic")
		learn        = fset.Bool("learn", false, "cache the address of peers messaging us")
		logLevel     = fset.String("log-level", envOr(envLogLevel, "warn"), "debug, info, warn or error")
	)
	if err := fset.Parse(args); err != nil {
		return exitUsage
	}

	indexAddr := envOr(envIndex, "")
	if fset.NArg() > 0 {
		indexAddr = fset.Arg(0)
	}
	if indexAddr == "" || fset.NArg() > 1 {
		usage()
		return exitUsage
	}

	handler, err := setupLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %s\n", err)
		return exitUsage
	}

	node, err := peerdex.NewNode(
		peerdex.WithListenOn(*listen),
		peerdex.WithIndex(indexAddr),
		peerdex.WithIndexNetwork(*indexNetwork),
		peerdex.WithTransport(*transport),
		peerdex.WithQueryTimeout(*queryTimeout),
		peerdex.WithDialTimeout(*dialTimeout),
		peerdex.WithLearnFromInbound(*learn),
		peerdex.WithInput(os.Stdin),
		peerdex.WithOutput(os.Stdout),
		peerdex.WithLog(handler),
		peerdex.WithMetricSink(&metrics.BlackholeSink{}),
	)
	if err != nil {
		slog.Error("failed to create node", "error", err)
		if errors.Is(err, peerdex.ErrInvalidCfg) {
			return exitUsage
		}
		return exitBind
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = node.Run(ctx)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, peerdex.ErrNotRegistered):
		slog.Error("failed to register with the index", "index", indexAddr, "error", err)
		return exitRegister
	default:
		slog.Error("node failed", "error", err)
		return exitBind
	}
}
