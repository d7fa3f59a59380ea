package application

import (
	"context"
	"time"

	"cleanroute-fleet/internal/eventing"
	"cleanroute-fleet/internal/observability/metrics"
)

// deliverLoop publishes queued messages so the dispatcher loop never waits
// on the network.
func (d *Dispatcher) deliverLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case dl := <-d.deliveries:
			d.deliver(ctx, dl)
			d.inflight.Add(-1)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, dl delivery) {
	if dl.live != nil && !dl.live.Load() {
		metrics.IncCommandPublish("dropped")
		d.logger.Printf("commands: stale publish dropped: id=%s", dl.commandID)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	err := d.sender.Send(pctx, dl.target, dl.msg)
	cancel()
	if err != nil {
		metrics.IncCommandPublish(metrics.ResultError)
		d.logger.Printf("commands: publish: id=%s target=%s err=%v", dl.msg.CommandID, dl.target, err)
		return
	}
	metrics.IncCommandPublish(metrics.ResultSuccess)
}

// publishLoop forwards command events. Events still queued at shutdown are
// flushed with a short deadline.
func (d *Dispatcher) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.flushOutbox()
			return
		case event := <-d.outbox:
			if err := d.publisher.Publish(ctx, event); err != nil {
				d.logger.Printf("commands: publish event: type=%s err=%v", eventing.EventType(event), err)
			}
		}
	}
}

func (d *Dispatcher) flushOutbox() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case event := <-d.outbox:
			if d.publisher != nil {
				_ = d.publisher.Publish(ctx, event)
			}
		default:
			return
		}
	}
}
