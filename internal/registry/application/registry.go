package application

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cleanroute-fleet/internal/clock"
	"cleanroute-fleet/internal/eventing"
	registryevents "cleanroute-fleet/internal/registry/application/events"
	registry "cleanroute-fleet/internal/registry/domain"
)

// Mutation edits a working copy of a device. It may run more than once when
// writers race on the same device, so it must not have side effects beyond
// the copy and locals it resets itself. Return registry.ErrUnchanged to
// commit nothing.
type Mutation func(d *registry.Device, exists bool) error

// Registration is a device self-registration report.
type Registration struct {
	DeviceID string
	Firmware string
	Owner    *registry.Owner
	Position *registry.Position
	At       time.Time
}

// ListFilter narrows List results.
type ListFilter struct {
	IncludeArchived bool
	Mode            registry.Mode
	OwnedOnly       bool
}

type slot struct {
	current atomic.Pointer[registry.Device]
}

// Registry holds the latest state of every device. Each device lives in its
// own slot holding an immutable snapshot; writers swap snapshots with
// compare-and-swap, so devices never contend with each other and the map
// lock only guards slot membership.
type Registry struct {
	mu        sync.RWMutex
	slots     map[string]*slot
	publisher eventing.Publisher
	clock     clock.Clock
	logger    *log.Logger
}

// Option customizes the registry.
type Option func(*Registry)

// WithPublisher assigns the event publisher for DeviceChanged.
func WithPublisher(publisher eventing.Publisher) Option {
	return func(r *Registry) {
		r.publisher = publisher
	}
}

// WithClock assigns a clock.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		slots:  make(map[string]*slot),
		clock:  clock.System(),
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Update applies fn to the device atomically and returns the committed
// snapshot. changed is false when fn returned registry.ErrUnchanged.
func (r *Registry) Update(ctx context.Context, id, reason string, fn Mutation) (registry.Device, bool, error) {
	id = strings.TrimSpace(id)
	if !registry.ValidID(id) {
		return registry.Device{}, false, registry.ErrInvalidID
	}
	if fn == nil {
		return registry.Device{}, false, errors.New("registry: nil mutation")
	}
	s := r.slotFor(id)
	for {
		cur := s.current.Load()
		exists := cur != nil
		var next registry.Device
		if exists {
			next = cur.Clone()
		} else {
			next = registry.Device{ID: id, Mode: registry.ModeUnknown}
		}

		if err := fn(&next, exists); err != nil {
			if errors.Is(err, registry.ErrUnchanged) {
				if exists {
					return cur.Clone(), false, nil
				}
				return registry.Device{}, false, nil
			}
			return registry.Device{}, false, err
		}

		now := r.clock.Now().UTC()
		next.ID = id
		next.UpdatedAt = now
		if exists {
			next.Version = cur.Version + 1
			next.CreatedAt = cur.CreatedAt
		} else {
			next.Version = 1
			if next.CreatedAt.IsZero() {
				next.CreatedAt = now
			}
		}
		committed := next
		if s.current.CompareAndSwap(cur, &committed) {
			out := committed.Clone()
			r.publish(ctx, reason, out, now)
			return out, true, nil
		}
	}
}

// Register creates or refreshes a device from a registration report.
func (r *Registry) Register(ctx context.Context, reg Registration) (registry.Device, error) {
	device, _, err := r.Update(ctx, reg.DeviceID, registryevents.ReasonRegistration, func(d *registry.Device, exists bool) error {
		changed := !exists
		if reg.Firmware != "" && reg.Firmware != d.Firmware {
			d.Firmware = reg.Firmware
			changed = true
		}
		if reg.Owner != nil && (d.Owner == nil || *d.Owner != *reg.Owner) {
			owner := *reg.Owner
			d.Owner = &owner
			changed = true
		}
		if reg.Position != nil && (d.Position == nil || *d.Position != *reg.Position) {
			pos := *reg.Position
			d.Position = &pos
			changed = true
		}
		if d.Archived {
			d.Archived = false
			d.ArchivedAt = nil
			changed = true
		}
		if !changed {
			return registry.ErrUnchanged
		}
		return nil
	})
	if err != nil {
		return registry.Device{}, err
	}
	return device, nil
}

// SetMode records an acknowledged power mode. The ack also counts as
// contact, so LastAckAt advances even when the mode is unchanged.
func (r *Registry) SetMode(ctx context.Context, id string, mode registry.Mode) (registry.Device, error) {
	device, _, err := r.Update(ctx, id, registryevents.ReasonMode, func(d *registry.Device, exists bool) error {
		if !exists {
			return registry.ErrNotFound
		}
		at := r.clock.Now().UTC()
		if d.Mode == mode && !at.After(d.LastAckAt) {
			return registry.ErrUnchanged
		}
		d.Mode = mode
		if at.After(d.LastAckAt) {
			d.LastAckAt = at
		}
		return nil
	})
	return device, err
}

// Archive soft-deletes a device. Archived devices are skipped by sweeps and
// broadcasts but keep their history.
func (r *Registry) Archive(ctx context.Context, id string) (registry.Device, error) {
	device, _, err := r.Update(ctx, id, registryevents.ReasonArchive, func(d *registry.Device, exists bool) error {
		if !exists {
			return registry.ErrNotFound
		}
		if d.Archived {
			return registry.ErrUnchanged
		}
		at := r.clock.Now().UTC()
		d.Archived = true
		d.ArchivedAt = &at
		return nil
	})
	return device, err
}

// Get returns a snapshot of the device.
func (r *Registry) Get(id string) (registry.Device, bool) {
	r.mu.RLock()
	s := r.slots[id]
	r.mu.RUnlock()
	if s == nil {
		return registry.Device{}, false
	}
	cur := s.current.Load()
	if cur == nil {
		return registry.Device{}, false
	}
	return cur.Clone(), true
}

// Exists reports whether id is registered and not archived.
func (r *Registry) Exists(id string) bool {
	device, ok := r.Get(id)
	return ok && !device.Archived
}

// List returns device snapshots sorted by id.
func (r *Registry) List(filter ListFilter) []registry.Device {
	r.mu.RLock()
	slots := make([]*slot, 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, s)
	}
	r.mu.RUnlock()

	out := make([]registry.Device, 0, len(slots))
	for _, s := range slots {
		cur := s.current.Load()
		if cur == nil {
			continue
		}
		if cur.Archived && !filter.IncludeArchived {
			continue
		}
		if filter.Mode != "" && cur.Mode != filter.Mode {
			continue
		}
		if filter.OwnedOnly && !cur.HasOwner() {
			continue
		}
		out = append(out, cur.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveIDs returns ids of all non-archived devices.
func (r *Registry) ActiveIDs() []string {
	devices := r.List(ListFilter{})
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID)
	}
	return ids
}

// Load seeds the registry from persisted snapshots. A stored snapshot only
// replaces what is in memory when its version is newer.
func (r *Registry) Load(devices []registry.Device) int {
	loaded := 0
	for _, d := range devices {
		if d.ID == "" {
			continue
		}
		s := r.slotFor(d.ID)
		for {
			cur := s.current.Load()
			if cur != nil && cur.Version >= d.Version {
				break
			}
			snapshot := d.Clone()
			if s.current.CompareAndSwap(cur, &snapshot) {
				loaded++
				break
			}
		}
	}
	return loaded
}

func (r *Registry) slotFor(id string) *slot {
	r.mu.RLock()
	s := r.slots[id]
	r.mu.RUnlock()
	if s != nil {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s = r.slots[id]; s == nil {
		s = &slot{}
		r.slots[id] = s
	}
	return s
}

func (r *Registry) publish(ctx context.Context, reason string, device registry.Device, at time.Time) {
	if r.publisher == nil {
		return
	}
	evt := registryevents.DeviceChanged{
		EventID:    eventing.NewEventID(),
		DeviceID:   device.ID,
		Reason:     reason,
		Device:     device,
		OccurredAt: at,
	}
	if err := r.publisher.Publish(ctx, evt); err != nil {
		r.logger.Printf("registry: publish device changed: device=%s err=%v", device.ID, err)
	}
}
