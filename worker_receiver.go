package peerdex

import (
	"context"
	"errors"
)

// runReceiver decodes inbound messages addressed to us into the inbound
// queue. Bad units are dropped, only a transport failing outside of
// termination stops it.
func (n *Node) runReceiver(ctx context.Context) error {
	labels := withLabels(n.cfg.metricLabels, LabelTransport.M(n.cfg.transport))
	self := n.ID()

	for {
		dgram, err := n.tr.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || n.terminating() {
				return nil
			}
			if errors.Is(err, ErrTransportDown) {
				return err
			}
			n.logger.Warn("error receiving message", LabelError.L(err))
			continue
		}

		msg, err := DecodeMessage(dgram.Buf)
		if err != nil {
			reason := "decode"
			if errors.Is(err, ErrTimestamp) {
				reason = "timestamp"
			}
			n.msink.IncrCounterWithLabels(MetricMessageInErrorCount, 1.0, withLabels(labels, LabelError.M(reason)))
			n.logger.Warn("discarding malformed message", LabelPeerAddr.L(dgram.From), LabelError.L(err))
			continue
		}

		if msg.Dst != self {
			n.msink.IncrCounterWithLabels(MetricMessageInErrorCount, 1.0, withLabels(labels, LabelError.M("misrouted")))
			n.logger.Warn(
				"discarding message for another peer",
				LabelPeerAddr.L(dgram.From),
				LabelPeerID.L(msg.Src),
				LabelError.L(ErrMisrouted),
				"dst", msg.Dst.String(),
			)
			continue
		}

		if n.cfg.learnFromInbound && ValidateAddress(dgram.From) == nil {
			n.cache.Add(AddressRecord{
				ID:           msg.Src,
				Addr:         dgram.From,
				RegisteredAt: dgram.Timestamp.UTC(),
			})
		}

		if err := n.inbound.Push(msg); err != nil {
			return nil
		}
		n.msink.IncrCounterWithLabels(MetricMessageInCount, 1.0, labels)
		n.msink.SetGaugeWithLabels(MetricInboundQueueDepth, float32(n.inbound.Len()), n.cfg.metricLabels)
	}
}
