package notify

import (
	"context"

	alertevents "cleanroute-fleet/internal/alerts/application/events"
)

// MultiNotifier fans alert changes out to several notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier constructs a MultiNotifier. Nil entries are skipped.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	out := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return &MultiNotifier{notifiers: out}
}

// Notify forwards the event to every notifier in order.
func (m *MultiNotifier) Notify(ctx context.Context, event alertevents.AlertChanged) {
	if m == nil {
		return
	}
	for _, n := range m.notifiers {
		n.Notify(ctx, event)
	}
}
