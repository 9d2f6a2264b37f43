package metrics

import (
	"context"

	coremetrics "github.com/kilianp07/qgdispatch/core/metrics"
	"github.com/kilianp07/qgdispatch/internal/eventbus"
)

// StartEventCollector listens on the hub and records every notification.
// It stops when the context is canceled or the hub disconnects it.
func StartEventCollector(ctx context.Context, hub *eventbus.Hub, sink coremetrics.MetricsSink) {
	if hub == nil || sink == nil {
		return
	}
	rec, ok := sink.(coremetrics.HubEventRecorder)
	if !ok {
		return
	}
	sub := hub.Subscribe()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				_ = rec.RecordHubEvent(coremetrics.HubEvent{Event: msg.Event, Time: msg.Timestamp})
			}
		}
	}()
}
