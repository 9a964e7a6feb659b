package peerdex

import (
	"context"
	"errors"
	"time"

	"github.com/raskyld/peerdex/pkg/flow"
)

// runDisplay renders inbound messages in the order they were received. It
// ignores cancellation and keeps going until the inbound queue is closed and
// drained, so nothing the receiver accepted is lost.
func (n *Node) runDisplay() error {
	for {
		msg, err := n.inbound.Pop(context.Background())
		if errors.Is(err, flow.ErrFlowClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		n.msink.SetGaugeWithLabels(MetricInboundQueueDepth, float32(n.inbound.Len()), n.cfg.metricLabels)

		n.out.Printf("%s", FormatMessage(msg))
		if n.cfg.displayHook != nil {
			n.cfg.displayHook(msg)
		}
	}
}

// FormatMessage renders msg the way the display shows it.
func FormatMessage(msg Message) string {
	return "[" + msg.CreatedAt.Format(time.RFC3339) + "] " + msg.Src.String() + ": " + msg.Payload
}
