package application

import (
	"sort"
	"sync/atomic"
	"time"

	"cleanroute-fleet/internal/clock"
	commands "cleanroute-fleet/internal/commands/domain"
)

type pendingKey struct {
	deviceID string
	typ      commands.Type
}

type entry struct {
	cmd   commands.Command
	timer clock.Timer
	// live is cleared when the command leaves pending so queued publishes
	// for it are dropped by the delivery worker.
	live *atomic.Bool
}

type broadcastState struct {
	id        string
	typ       commands.Type
	createdAt time.Time
	children  map[string]string
	settled   bool
}

// loopState is touched only by the dispatcher loop, or by Load before it starts.
type loopState struct {
	commands   map[string]*entry
	pending    map[pendingKey]string
	broadcasts map[string]*broadcastState
}

func newLoopState() *loopState {
	return &loopState{
		commands:   make(map[string]*entry),
		pending:    make(map[pendingKey]string),
		broadcasts: make(map[string]*broadcastState),
	}
}

func (s *loopState) add(cmd commands.Command) *entry {
	e := &entry{cmd: cmd, live: &atomic.Bool{}}
	e.live.Store(!cmd.Status.Terminal())
	s.commands[cmd.ID] = e
	return e
}

func (s *loopState) list(deviceID string) []commands.Command {
	out := make([]commands.Command, 0)
	for _, e := range s.commands {
		if deviceID == "" || e.cmd.DeviceID == deviceID {
			out = append(out, e.cmd.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *loopState) broadcastStatus(b *broadcastState) BroadcastStatus {
	status := BroadcastStatus{ID: b.id, Type: b.typ, CreatedAt: b.createdAt, Total: len(b.children)}
	for _, id := range b.children {
		e, ok := s.commands[id]
		if !ok {
			continue
		}
		switch e.cmd.Status {
		case commands.StatusPending:
			status.Pending++
		case commands.StatusAcknowledged:
			status.Acknowledged++
		case commands.StatusFailed:
			status.Failed++
		case commands.StatusCancelled:
			status.Cancelled++
		}
	}
	status.Settled = status.Pending == 0
	return status
}

func (s *loopState) stopTimers() {
	for _, e := range s.commands {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}
