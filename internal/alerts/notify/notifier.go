package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	alertevents "cleanroute-fleet/internal/alerts/application/events"
	alerts "cleanroute-fleet/internal/alerts/domain"
	"cleanroute-fleet/internal/clock"
)

// Notifier receives alert changes after they were committed.
type Notifier interface {
	Notify(ctx context.Context, event alertevents.AlertChanged)
}

type sendRecord struct {
	at   time.Time
	hash string
}

// ChannelNotifier renders alert changes and delivers them over a Channel.
type ChannelNotifier struct {
	channel     Channel
	template    *Template
	clock       clock.Clock
	logger      *log.Logger
	minSeverity alerts.Severity
	cooldown    time.Duration
	timeout     time.Duration

	mu   sync.Mutex
	sent map[string]sendRecord
}

// Option configures the notifier.
type Option func(*ChannelNotifier)

// WithClock overrides the default clock.
func WithClock(c clock.Clock) Option {
	return func(n *ChannelNotifier) {
		if c != nil {
			n.clock = c
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) Option {
	return func(n *ChannelNotifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithMinSeverity drops changes below severity. Resolutions are always sent
// when the opening was.
func WithMinSeverity(severity alerts.Severity) Option {
	return func(n *ChannelNotifier) {
		n.minSeverity = severity
	}
}

// WithCooldown suppresses identical content for the same alert within interval.
func WithCooldown(interval time.Duration) Option {
	return func(n *ChannelNotifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithSendTimeout bounds a single delivery.
func WithSendTimeout(timeout time.Duration) Option {
	return func(n *ChannelNotifier) {
		if timeout > 0 {
			n.timeout = timeout
		}
	}
}

// NewChannelNotifier constructs a notifier. A nil template selects DefaultTemplate.
func NewChannelNotifier(channel Channel, template *Template, opts ...Option) (*ChannelNotifier, error) {
	if channel == nil {
		return nil, errors.New("alert notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &ChannelNotifier{
		channel:     channel,
		template:    template,
		clock:       clock.System(),
		logger:      log.Default(),
		minSeverity: alerts.SeverityInfo,
		timeout:     10 * time.Second,
		sent:        make(map[string]sendRecord),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify implements Notifier. Delivery errors are logged.
func (n *ChannelNotifier) Notify(ctx context.Context, event alertevents.AlertChanged) {
	if n == nil {
		return
	}
	if event.Alert.Severity.Rank() < n.minSeverity.Rank() {
		return
	}
	content, err := n.template.Render(buildTemplateData(event))
	if err != nil {
		n.logger.Printf("alert notifier: render: id=%s err=%v", event.Alert.ID, err)
		return
	}
	if !n.shouldSend(event.Alert.ID, content) {
		return
	}
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	if err := n.channel.Send(ctx, content); err != nil {
		n.logger.Printf("alert notifier: send: id=%s change=%s err=%v", event.Alert.ID, event.Change, err)
		return
	}
	n.markSent(event.Alert.ID, content)
}

func (n *ChannelNotifier) shouldSend(alertID, content string) bool {
	if n.cooldown <= 0 {
		return true
	}
	n.mu.Lock()
	record, ok := n.sent[alertID]
	n.mu.Unlock()
	if !ok {
		return true
	}
	return record.hash != hashContent(content) || n.clock.Now().Sub(record.at) >= n.cooldown
}

func (n *ChannelNotifier) markSent(alertID, content string) {
	n.mu.Lock()
	n.sent[alertID] = sendRecord{at: n.clock.Now(), hash: hashContent(content)}
	n.mu.Unlock()
}

func buildTemplateData(event alertevents.AlertChanged) TemplateData {
	a := event.Alert
	data := TemplateData{
		DeviceID:   a.DeviceID,
		Kind:       string(a.Kind),
		Severity:   string(a.Severity),
		Message:    a.Message,
		WindowID:   a.WindowID,
		OpenedAt:   a.CreatedAt.UTC().Format(time.RFC3339),
		Change:     string(event.Change),
		ChangeText: changeLabel(event.Change),
		Suggestion: suggestionFor(a.Kind),
	}
	if a.ResolvedAt != nil {
		data.ResolvedAt = a.ResolvedAt.UTC().Format(time.RFC3339)
		data.ResolvedBy = a.ResolvedBy
	}
	return data
}

func changeLabel(change alerts.ChangeType) string {
	switch change {
	case alerts.ChangeOpened:
		return "Opened"
	case alerts.ChangeEscalated:
		return "Escalated"
	case alerts.ChangeRefreshed:
		return "Updated"
	case alerts.ChangeResolved:
		return "Resolved"
	default:
		return string(change)
	}
}

func suggestionFor(kind alerts.Kind) string {
	switch kind {
	case alerts.KindBatteryLow:
		return "Schedule a battery swap on the next route."
	case alerts.KindOverflowRisk:
		return "Add the bin to the next collection route."
	case alerts.KindDeviceOffline:
		return "Check power and Wi-Fi at the bin."
	case alerts.KindCollectionReminder:
		return "Ask the owner to switch the bin device on."
	default:
		return fmt.Sprintf("Inspect %s.", kind)
	}
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}
