package application

import (
	"context"
	"time"

	commandsevents "cleanroute-fleet/internal/commands/application/events"
	commands "cleanroute-fleet/internal/commands/domain"
	"cleanroute-fleet/internal/eventing"
	"cleanroute-fleet/internal/observability/metrics"
	registry "cleanroute-fleet/internal/registry/domain"
)

func (d *Dispatcher) dispatchOne(req Request, deviceID string) Receipt {
	now := d.clock.Now().UTC()
	key := pendingKey{deviceID, req.Type}
	var receipt Receipt
	if prevID, ok := d.state.pending[key]; ok {
		prev := d.state.commands[prevID]
		if req.IdempotencyKey != "" && prev.cmd.IdempotencyKey == req.IdempotencyKey {
			return Receipt{CommandID: prevID, Joined: true}
		}
		receipt.Superseded = append(receipt.Superseded, prevID)
	}
	e := d.create(req, deviceID, "", now)
	receipt.CommandID = e.cmd.ID
	d.enqueue(delivery{commandID: e.cmd.ID, target: deviceID, msg: d.message(e.cmd.ID, e.cmd, now), live: e.live})
	return receipt
}

func (d *Dispatcher) broadcast(req Request, deviceIDs []string) Receipt {
	now := d.clock.Now().UTC()
	b := &broadcastState{id: newCommandID(), typ: req.Type, createdAt: now, children: make(map[string]string, len(deviceIDs))}
	d.state.broadcasts[b.id] = b
	receipt := Receipt{BroadcastID: b.id, Children: make(map[string]string, len(deviceIDs))}

	for _, deviceID := range deviceIDs {
		if prevID, ok := d.state.pending[pendingKey{deviceID, req.Type}]; ok {
			receipt.Superseded = append(receipt.Superseded, prevID)
		}
		e := d.create(req, deviceID, b.id, now)
		b.children[deviceID] = e.cmd.ID
		receipt.Children[deviceID] = e.cmd.ID
	}
	d.logger.Printf("commands: broadcast %s: id=%s devices=%d", req.Type, b.id, len(deviceIDs))
	if len(deviceIDs) == 0 {
		d.checkBroadcast(b.id)
		return receipt
	}
	// one publish reaches every device; retries go to each device topic
	d.enqueue(delivery{target: commands.BroadcastTarget, msg: d.message(b.id, commands.Command{Type: req.Type, Payload: req.Payload}, now)})
	return receipt
}

// create supersedes any pending command for the same device and type, then
// records and arms the new one.
func (d *Dispatcher) create(req Request, deviceID, broadcastID string, now time.Time) *entry {
	id := newCommandID()
	key := pendingKey{deviceID, req.Type}
	if prevID, ok := d.state.pending[key]; ok {
		prev := d.state.commands[prevID]
		prev.cmd.SupersededBy = id
		d.finish(prev, commands.StatusCancelled, now)
		d.logger.Printf("commands: superseded: id=%s by=%s device=%s type=%s", prevID, id, deviceID, req.Type)
	}
	e := d.state.add(commands.Command{
		ID:             id,
		DeviceID:       deviceID,
		BroadcastID:    broadcastID,
		Type:           req.Type,
		Payload:        append([]byte(nil), req.Payload...),
		IdempotencyKey: req.IdempotencyKey,
		Status:         commands.StatusPending,
		Attempts:       1,
		MaxAttempts:    req.Options.MaxAttempts,
		AckTimeout:     req.Options.AckTimeout,
		CreatedAt:      now,
		SentAt:         now,
	})
	d.state.pending[key] = id
	d.arm(e)
	metrics.IncCommandIssued(string(req.Type))
	metrics.SetCommandsPending(len(d.state.pending))
	d.emitChange(e, commandsevents.ChangeCreated, now)
	return e
}

func (d *Dispatcher) arm(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	timeout := e.cmd.AckTimeout
	if timeout <= 0 {
		timeout = d.policy.AckTimeout
	}
	next := expiry{commandID: e.cmd.ID, attempt: e.cmd.Attempts}
	e.timer = d.clock.AfterFunc(timeout, func() {
		d.inflight.Add(1)
		select {
		case d.expiries <- next:
		case <-d.stopped:
			d.inflight.Add(-1)
		}
	})
}

func (d *Dispatcher) expire(x expiry) {
	e, ok := d.state.commands[x.commandID]
	// a timer that fired after an ack, a supersession or a newer attempt is stale
	if !ok || e.cmd.Status.Terminal() || e.cmd.Attempts != x.attempt {
		return
	}
	now := d.clock.Now().UTC()
	if e.cmd.Attempts < e.cmd.MaxAttempts {
		e.cmd.Attempts++
		d.arm(e)
		d.enqueue(delivery{commandID: e.cmd.ID, target: e.cmd.DeviceID, msg: d.message(e.cmd.ID, e.cmd, now), live: e.live})
		metrics.IncCommandResult(metrics.CommandResultRetried)
		d.logger.Printf("commands: retry: id=%s device=%s type=%s attempt=%d/%d",
			e.cmd.ID, e.cmd.DeviceID, e.cmd.Type, e.cmd.Attempts, e.cmd.MaxAttempts)
		d.emitChange(e, commandsevents.ChangeRetried, now)
		return
	}

	failure := &commands.DeliveryFailure{CommandID: e.cmd.ID, DeviceID: e.cmd.DeviceID, Type: e.cmd.Type, Attempts: e.cmd.Attempts}
	e.cmd.Error = failure.Error()
	d.finish(e, commands.StatusFailed, now)
	d.logger.Printf("commands: delivery failed: %v", failure)
	d.emit(commandsevents.CommandFailed{
		EventID:    eventing.NewEventID(),
		CommandID:  e.cmd.ID,
		DeviceID:   e.cmd.DeviceID,
		Failure:    failure,
		OccurredAt: now,
	})
}

func (d *Dispatcher) acknowledge(ack commands.Ack) AckOutcome {
	e, ok := d.state.commands[ack.CommandID]
	if !ok && ack.DeviceID != "" {
		// first broadcast publish carries the broadcast id
		if b, isBroadcast := d.state.broadcasts[ack.CommandID]; isBroadcast {
			e, ok = d.state.commands[b.children[ack.DeviceID]]
		}
	}
	if !ok || (ack.DeviceID != "" && ack.DeviceID != e.cmd.DeviceID) {
		metrics.IncCommandResult(metrics.CommandResultUnknown)
		d.logger.Printf("commands: ack for unknown command: id=%s device=%s", ack.CommandID, ack.DeviceID)
		return AckUnknown
	}
	if e.cmd.Status.Terminal() {
		if e.cmd.Status == commands.StatusAcknowledged {
			return AckDuplicate
		}
		metrics.IncCommandResult(metrics.CommandResultLateAck)
		d.logger.Printf("commands: late ack ignored: id=%s device=%s status=%s", e.cmd.ID, e.cmd.DeviceID, e.cmd.Status)
		return AckLate
	}

	now := d.clock.Now().UTC()
	acked := now
	e.cmd.AckedAt = &acked
	e.cmd.Result = ack.Status
	e.cmd.Detail = ack.Detail
	d.finish(e, commands.StatusAcknowledged, now)
	if ack.Status == commands.AckOK {
		d.applySideEffect(e.cmd)
	} else {
		d.logger.Printf("commands: device reported error: id=%s device=%s detail=%q", e.cmd.ID, e.cmd.DeviceID, ack.Detail)
	}
	return AckApplied
}

func (d *Dispatcher) applySideEffect(cmd commands.Command) {
	var mode registry.Mode
	switch cmd.Type {
	case commands.TypeWakeUp:
		mode = registry.ModeAwake
	case commands.TypeSleep:
		mode = registry.ModeAsleep
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.publishTimeout)
	defer cancel()
	if _, err := d.devices.SetMode(ctx, cmd.DeviceID, mode); err != nil {
		d.logger.Printf("commands: set mode: device=%s mode=%s err=%v", cmd.DeviceID, mode, err)
	}
}

// finish moves a pending command to a terminal status.
func (d *Dispatcher) finish(e *entry, status commands.Status, now time.Time) {
	if e == nil || e.cmd.Status.Terminal() {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.live.Store(false)
	e.cmd.Status = status
	finished := now
	e.cmd.FinishedAt = &finished
	key := pendingKey{e.cmd.DeviceID, e.cmd.Type}
	if d.state.pending[key] == e.cmd.ID {
		delete(d.state.pending, key)
	}
	metrics.SetCommandsPending(len(d.state.pending))

	change := commandsevents.ChangeAcknowledged
	switch status {
	case commands.StatusAcknowledged:
		metrics.IncCommandResult(metrics.CommandResultAcked)
	case commands.StatusFailed:
		change = commandsevents.ChangeFailed
		metrics.IncCommandResult(metrics.CommandResultFailed)
	case commands.StatusCancelled:
		change = commandsevents.ChangeCancelled
		metrics.IncCommandResult(metrics.CommandResultCancelled)
	}
	d.emitChange(e, change, now)
	if e.cmd.BroadcastID != "" {
		d.checkBroadcast(e.cmd.BroadcastID)
	}
}

func (d *Dispatcher) checkBroadcast(id string) {
	b, ok := d.state.broadcasts[id]
	if !ok || b.settled {
		return
	}
	status := d.state.broadcastStatus(b)
	if !status.Settled {
		return
	}
	b.settled = true
	d.logger.Printf("commands: broadcast settled: id=%s type=%s acked=%d failed=%d cancelled=%d",
		id, b.typ, status.Acknowledged, status.Failed, status.Cancelled)
	d.emit(commandsevents.BroadcastSettled{
		EventID:      eventing.NewEventID(),
		BroadcastID:  id,
		Type:         b.typ,
		Acknowledged: status.Acknowledged,
		Failed:       status.Failed,
		Cancelled:    status.Cancelled,
		OccurredAt:   d.clock.Now().UTC(),
	})
}

// prune drops terminal commands finished before now-retention, and settled
// broadcasts with no remaining children.
func (d *Dispatcher) prune(now time.Time) int {
	if d.policy.Retention <= 0 {
		return 0
	}
	cutoff := now.Add(-d.policy.Retention)
	pruned := 0
	for id, e := range d.state.commands {
		if e.cmd.Status.Terminal() && e.cmd.FinishedAt != nil && e.cmd.FinishedAt.Before(cutoff) {
			delete(d.state.commands, id)
			pruned++
		}
	}
	for id, b := range d.state.broadcasts {
		if !b.settled || !b.createdAt.Before(cutoff) {
			continue
		}
		remaining := false
		for _, childID := range b.children {
			if _, ok := d.state.commands[childID]; ok {
				remaining = true
				break
			}
		}
		if !remaining {
			delete(d.state.broadcasts, id)
		}
	}
	return pruned
}

func (d *Dispatcher) message(id string, cmd commands.Command, now time.Time) commands.Message {
	return commands.Message{
		CommandID: id,
		Command:   cmd.Type,
		Timestamp: now,
		Params:    append([]byte(nil), cmd.Payload...),
	}
}

func (d *Dispatcher) enqueue(dl delivery) {
	d.inflight.Add(1)
	select {
	case d.deliveries <- dl:
	default:
		d.inflight.Add(-1)
		// the ack timer still runs, so the next attempt covers this one
		metrics.IncQueueDrop("command_delivery")
		d.logger.Printf("commands: delivery queue full: id=%s target=%s", dl.commandID, dl.target)
	}
}

func (d *Dispatcher) emitChange(e *entry, change commandsevents.Change, now time.Time) {
	d.emit(commandsevents.CommandChanged{
		EventID:    eventing.NewEventID(),
		CommandID:  e.cmd.ID,
		DeviceID:   e.cmd.DeviceID,
		Change:     change,
		Command:    e.cmd.Clone(),
		OccurredAt: now,
	})
}

func (d *Dispatcher) emit(event any) {
	if d.publisher == nil {
		return
	}
	select {
	case d.outbox <- event:
	default:
		metrics.IncQueueDrop("command_events")
		d.logger.Printf("commands: event queue full: type=%s", eventing.EventType(event))
	}
}
