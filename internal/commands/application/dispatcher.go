package application

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cleanroute-fleet/internal/clock"
	commands "cleanroute-fleet/internal/commands/domain"
	"cleanroute-fleet/internal/config"
	"cleanroute-fleet/internal/eventing"
	registryapp "cleanroute-fleet/internal/registry/application"
	registry "cleanroute-fleet/internal/registry/domain"
)

const (
	maxAttemptsCeiling = 10
	minAckTimeout      = time.Second
	queryTimeout       = 5 * time.Second
	pruneInterval      = time.Minute
)

// DeviceDirectory is the registry surface the dispatcher reads and writes.
type DeviceDirectory interface {
	Get(id string) (registry.Device, bool)
	List(filter registryapp.ListFilter) []registry.Device
	SetMode(ctx context.Context, id string, mode registry.Mode) (registry.Device, error)
}

// Sender publishes a message to one device, or to every device when target
// is commands.BroadcastTarget.
type Sender interface {
	Send(ctx context.Context, target string, msg commands.Message) error
}

// Options override the policy defaults for one request.
type Options struct {
	MaxAttempts int           `json:"max_attempts,omitempty"`
	AckTimeout  time.Duration `json:"ack_timeout,omitempty"`
}

// Request asks for a command to one device or to commands.BroadcastTarget.
// A request carrying the idempotency key of the pending command for the same
// device and type joins it instead of superseding it.
type Request struct {
	DeviceID       string          `json:"device_id"`
	Type           commands.Type   `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Options        Options         `json:"options"`
}

// Receipt identifies what a dispatch created.
type Receipt struct {
	CommandID   string            `json:"command_id,omitempty"`
	BroadcastID string            `json:"broadcast_id,omitempty"`
	Children    map[string]string `json:"children,omitempty"`
	Joined      bool              `json:"joined,omitempty"`
	Superseded  []string          `json:"superseded,omitempty"`
}

// BroadcastStatus counts the children of a broadcast by state.
type BroadcastStatus struct {
	ID           string        `json:"id"`
	Type         commands.Type `json:"type"`
	CreatedAt    time.Time     `json:"created_at"`
	Total        int           `json:"total"`
	Pending      int           `json:"pending"`
	Acknowledged int           `json:"acknowledged"`
	Failed       int           `json:"failed"`
	Cancelled    int           `json:"cancelled"`
	Settled      bool          `json:"settled"`
}

// AckOutcome reports what an acknowledgment did.
type AckOutcome string

const (
	AckApplied   AckOutcome = "applied"
	AckDuplicate AckOutcome = "duplicate"
	AckLate      AckOutcome = "late"
	AckUnknown   AckOutcome = "unknown"
)

type ackRequest struct {
	ack   commands.Ack
	reply chan AckOutcome
}

type expiry struct {
	commandID string
	attempt   int
}

type delivery struct {
	commandID string
	target    string
	msg       commands.Message
	live      *atomic.Bool
}

// Dispatcher delivers commands with acknowledgment tracking and retries.
// All command state is owned by the Run loop; the exported methods talk to
// it over channels.
type Dispatcher struct {
	devices        DeviceDirectory
	sender         Sender
	policy         config.CommandPolicy
	clock          clock.Clock
	logger         *log.Logger
	publisher      eventing.Publisher
	publishTimeout time.Duration

	ops        chan func()
	acks       chan ackRequest
	expiries   chan expiry
	deliveries chan delivery
	outbox     chan any
	stopped    chan struct{}
	running    atomic.Bool
	// inflight counts fired expiries and queued deliveries not yet handled
	inflight   atomic.Int64

	state *loopState
}

// Option customizes the dispatcher.
type Option func(*Dispatcher)

// WithPublisher assigns the event publisher.
func WithPublisher(publisher eventing.Publisher) Option {
	return func(d *Dispatcher) {
		d.publisher = publisher
	}
}

// WithClock assigns a clock.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithPublishTimeout bounds a single transport publish.
func WithPublishTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.publishTimeout = timeout
		}
	}
}

// NewDispatcher constructs a dispatcher. Call Run before dispatching.
func NewDispatcher(devices DeviceDirectory, sender Sender, policy config.CommandPolicy, opts ...Option) (*Dispatcher, error) {
	if devices == nil {
		return nil, errors.New("commands: nil device directory")
	}
	if sender == nil {
		return nil, errors.New("commands: nil sender")
	}
	if policy.MaxAttempts < 1 || policy.AckTimeout <= 0 {
		return nil, errors.New("commands: invalid policy")
	}
	queue := policy.QueueSize
	if queue <= 0 {
		queue = 1024
	}
	d := &Dispatcher{
		devices:        devices,
		sender:         sender,
		policy:         policy,
		clock:          clock.System(),
		logger:         log.Default(),
		publishTimeout: 10 * time.Second,
		ops:            make(chan func()),
		acks:           make(chan ackRequest, queue),
		expiries:       make(chan expiry, queue),
		deliveries:     make(chan delivery, queue),
		outbox:         make(chan any, queue),
		stopped:        make(chan struct{}),
		state:          newLoopState(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run owns command state until ctx is done. It also runs the delivery worker
// and the event publisher.
func (d *Dispatcher) Run(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		d.logger.Printf("commands: dispatcher already running")
		return
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.deliverLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.publishLoop(ctx)
	}()

	ticker := time.NewTicker(pruneInterval)
	defer func() {
		ticker.Stop()
		close(d.stopped)
		d.state.stopTimers()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case op := <-d.ops:
			op()
		case req := <-d.acks:
			req.reply <- d.acknowledge(req.ack)
		case e := <-d.expiries:
			d.expire(e)
			d.inflight.Add(-1)
		case <-ticker.C:
			if n := d.prune(d.clock.Now()); n > 0 {
				d.logger.Printf("commands: pruned %d terminal commands", n)
			}
		}
	}
}

// Dispatch validates req and hands it to the loop. It returns as soon as the
// command exists; delivery and acknowledgment happen later.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Receipt, error) {
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.DeviceID == "" {
		return Receipt{}, &commands.ValidationError{Field: "device_id", Reason: "required"}
	}
	if _, ok := commands.ParseType(string(req.Type)); !ok {
		return Receipt{}, &commands.ValidationError{Field: "type", Reason: "unknown command type " + string(req.Type)}
	}
	payload, err := commands.NormalizePayload(req.Type, req.Payload)
	if err != nil {
		return Receipt{}, err
	}
	req.Payload = payload
	if req.Options.MaxAttempts < 0 || req.Options.MaxAttempts > maxAttemptsCeiling {
		return Receipt{}, &commands.ValidationError{Field: "max_attempts", Reason: "must be within 1..10"}
	}
	if req.Options.AckTimeout != 0 && req.Options.AckTimeout < minAckTimeout {
		return Receipt{}, &commands.ValidationError{Field: "ack_timeout", Reason: "must be at least " + minAckTimeout.String()}
	}
	if req.Options.MaxAttempts == 0 {
		req.Options.MaxAttempts = d.policy.MaxAttempts
	}
	if req.Options.AckTimeout == 0 {
		req.Options.AckTimeout = d.policy.AckTimeout
	}

	var targets []string
	if req.DeviceID == commands.BroadcastTarget {
		for _, device := range d.devices.List(registryapp.ListFilter{}) {
			targets = append(targets, device.ID)
		}
	} else {
		device, ok := d.devices.Get(req.DeviceID)
		if !ok || device.Archived {
			return Receipt{}, commands.ErrUnknownDevice
		}
		targets = []string{device.ID}
	}

	var receipt Receipt
	err = d.do(ctx, func() {
		if req.DeviceID == commands.BroadcastTarget {
			receipt = d.broadcast(req, targets)
			return
		}
		receipt = d.dispatchOne(req, targets[0])
	})
	return receipt, err
}

// Acknowledge applies a device acknowledgment and reports its effect.
// Duplicate and late acks change nothing.
func (d *Dispatcher) Acknowledge(ctx context.Context, ack commands.Ack) (AckOutcome, error) {
	ack.CommandID = strings.TrimSpace(ack.CommandID)
	if ack.CommandID == "" {
		return "", &commands.ValidationError{Field: "command_id", Reason: "required"}
	}
	switch ack.Status {
	case "":
		ack.Status = commands.AckOK
	case commands.AckOK, commands.AckError:
	default:
		return "", &commands.ValidationError{Field: "status", Reason: "must be ok or error"}
	}
	req := ackRequest{ack: ack, reply: make(chan AckOutcome, 1)}
	select {
	case d.acks <- req:
	case <-d.stopped:
		return "", commands.ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case outcome := <-req.reply:
		return outcome, nil
	case <-d.stopped:
		return "", commands.ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Get returns a command by id.
func (d *Dispatcher) Get(id string) (commands.Command, error) {
	var (
		out   commands.Command
		found bool
	)
	err := d.query(func() {
		if e, ok := d.state.commands[id]; ok {
			out, found = e.cmd.Clone(), true
		}
	})
	if err != nil {
		return commands.Command{}, err
	}
	if !found {
		return commands.Command{}, commands.ErrNotFound
	}
	return out, nil
}

// List returns the commands for deviceID, or all retained commands when
// deviceID is empty, newest first.
func (d *Dispatcher) List(deviceID string) ([]commands.Command, error) {
	var out []commands.Command
	err := d.query(func() {
		out = d.state.list(deviceID)
	})
	return out, err
}

// BroadcastStatus returns the child counts of a broadcast.
func (d *Dispatcher) BroadcastStatus(id string) (BroadcastStatus, error) {
	var (
		out   BroadcastStatus
		found bool
	)
	err := d.query(func() {
		if b, ok := d.state.broadcasts[id]; ok {
			out, found = d.state.broadcastStatus(b), true
		}
	})
	if err != nil {
		return BroadcastStatus{}, err
	}
	if !found {
		return BroadcastStatus{}, commands.ErrNotFound
	}
	return out, nil
}

// Load seeds state from persisted commands. Pending commands get a fresh ack
// timer. It must be called before Run.
func (d *Dispatcher) Load(list []commands.Command) (int, error) {
	if d.running.Load() {
		return 0, errors.New("commands: load after run")
	}
	loaded := 0
	for _, cmd := range list {
		if cmd.ID == "" || cmd.DeviceID == "" {
			continue
		}
		if _, exists := d.state.commands[cmd.ID]; exists {
			continue
		}
		e := d.state.add(cmd.Clone())
		if cmd.BroadcastID != "" {
			b := d.state.broadcasts[cmd.BroadcastID]
			if b == nil {
				b = &broadcastState{id: cmd.BroadcastID, typ: cmd.Type, createdAt: cmd.CreatedAt, children: make(map[string]string)}
				d.state.broadcasts[cmd.BroadcastID] = b
			}
			b.children[cmd.DeviceID] = cmd.ID
		}
		if !cmd.Status.Terminal() {
			if prev, ok := d.state.pending[pendingKey{cmd.DeviceID, cmd.Type}]; ok && prev != cmd.ID {
				d.finish(d.state.commands[prev], commands.StatusCancelled, d.clock.Now().UTC())
			}
			d.state.pending[pendingKey{cmd.DeviceID, cmd.Type}] = cmd.ID
			d.arm(e)
		}
		loaded++
	}
	for _, b := range d.state.broadcasts {
		b.settled = d.state.broadcastStatus(b).Pending == 0
	}
	return loaded, nil
}

func (d *Dispatcher) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case d.ops <- op:
	case <-d.stopped:
		return commands.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// drained reports whether every fired retry timer and queued publish has
// been handled.
func (d *Dispatcher) drained() bool {
	return d.inflight.Load() == 0
}

func (d *Dispatcher) query(fn func()) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	return d.do(ctx, fn)
}

func newCommandID() string {
	return uuid.NewString()
}
