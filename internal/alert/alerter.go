package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Event types raised by relgraph.
const (
	EventConsistencyViolation   = "consistency_violation"
	EventBackfillVerifyMismatch = "backfill_verify_mismatch"
	EventBackfillFailed         = "backfill_failed"
)

// Severities, most severe first.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Event represents an alert event sent to alerting backends.
type Event struct {
	Source    string            `json:"source"`
	EventType string            `json:"event_type"`
	Severity  string            `json:"severity"`
	Subject   string            `json:"subject"`
	Details   map[string]string `json:"details,omitempty"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
}

// Alerter defines the interface for sending alert events.
type Alerter interface {
	// Name returns the alerter identifier.
	Name() string

	// Send dispatches an event to the alerting backend.
	Send(ctx context.Context, event Event) error
}

// Multi sends events to multiple alerters.
type Multi struct {
	alerters []Alerter
}

// NewMulti creates a multi-alerter that dispatches to all backends.
func NewMulti(alerters ...Alerter) *Multi {
	return &Multi{alerters: alerters}
}

// Name returns "multi".
func (m *Multi) Name() string {
	return "multi"
}

// Len returns the number of configured alerters.
func (m *Multi) Len() int {
	return len(m.alerters)
}

// Send dispatches the event to every alerter, even after one fails, and
// returns the combined failures.
func (m *Multi) Send(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	var errs *multierror.Error
	for _, a := range m.alerters {
		if err := a.Send(ctx, event); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", a.Name(), err))
		}
	}
	return errs.ErrorOrNil()
}
