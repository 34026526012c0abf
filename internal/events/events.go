// Package events publishes edge change notifications for downstream
// consumers such as feed fan-out.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matijazezelj/relgraph/pkg/models"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Actions carried by an Event.
const (
	ActionCreated = "created"
	ActionDeleted = "deleted"
)

// DefaultSubjectPrefix is prepended to every subject.
const DefaultSubjectPrefix = "relgraph.edges"

// Event describes one committed edge mutation.
type Event struct {
	Type   models.EdgeType `json:"type"`
	FromID string          `json:"from_user_id"`
	ToID   string          `json:"to_user_id"`
	Action string          `json:"action"`
	At     time.Time       `json:"at"`
}

// Publisher sends change events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// msgConn is the subset of *nats.Conn used by NATSPublisher.
type msgConn interface {
	PublishMsg(m *nats.Msg) error
	Flush() error
	Close()
}

// NATSPublisher publishes events as JSON on <prefix>.<type>.<action>.
// The trace context of the caller travels in the message headers.
type NATSPublisher struct {
	nc     msgConn
	prefix string
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("relgraph"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return newNATSPublisher(nc, prefix), nil
}

func newNATSPublisher(nc msgConn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(ev Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, ev.Type, ev.Action)
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	msg := &nats.Msg{
		Subject: p.Subject(ev),
		Data:    data,
		Header:  nats.Header{},
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing %s: %w", msg.Subject, err)
	}
	return nil
}

// Close flushes buffered messages and closes the connection.
func (p *NATSPublisher) Close() error {
	err := p.nc.Flush()
	p.nc.Close()
	return err
}
