package peerdex

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricIndexRequestCount      = []string{"peerdex", "index", "request", "count"}
	MetricIndexRequestErrorCount = []string{"peerdex", "index", "request", "error", "count"}
	MetricIndexRegisteredPeers   = []string{"peerdex", "index", "registered", "peers"}
	MetricIndexRequestLatency    = []string{"peerdex", "index", "request", "latency"}

	MetricQueryCount      = []string{"peerdex", "node", "query", "count"}
	MetricQueryErrorCount = []string{"peerdex", "node", "query", "error", "count"}
	MetricCacheHitCount   = []string{"peerdex", "node", "cache", "hit", "count"}
	MetricCacheMissCount  = []string{"peerdex", "node", "cache", "miss", "count"}

	MetricMessageOutCount      = []string{"peerdex", "message", "out", "count"}
	MetricMessageOutErrorCount = []string{"peerdex", "message", "out", "error", "count"}
	MetricMessageInCount       = []string{"peerdex", "message", "in", "count"}
	MetricMessageInErrorCount  = []string{"peerdex", "message", "in", "error", "count"}
	MetricMessageInBytes       = []string{"peerdex", "message", "in", "bytes"}
	MetricMessageOutBytes      = []string{"peerdex", "message", "out", "bytes"}
	MetricInboundQueueDepth    = []string{"peerdex", "inbound", "queue", "depth"}

	MetricUDPBufferSizeBytes = []string{"peerdex", "udp", "buffer", "size", "bytes"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelPeerID      TelemetryLabel = "peer_id"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelRequestType TelemetryLabel = "request_type"
	LabelNetwork     TelemetryLabel = "network"
	LabelState       TelemetryLabel = "state"
	LabelTransport   TelemetryLabel = "transport"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(base)+len(extra))
	labels = append(labels, base...)
	return append(labels, extra...)
}
