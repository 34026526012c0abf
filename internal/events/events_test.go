package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/matijazezelj/relgraph/pkg/models"
	"github.com/nats-io/nats.go"
)

type fakeConn struct {
	msgs    []*nats.Msg
	err     error
	flushed bool
	closed  bool
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) Flush() error { f.flushed = true; return nil }
func (f *fakeConn) Close()       { f.closed = true }

func TestNATSPublisher_Publish(t *testing.T) {
	conn := &fakeConn{}
	p := newNATSPublisher(conn, "")

	ev := Event{Type: models.EdgeFollow, FromID: "a", ToID: "b", Action: ActionCreated}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if len(conn.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(conn.msgs))
	}
	msg := conn.msgs[0]
	if msg.Subject != "relgraph.edges.follow.created" {
		t.Errorf("subject = %q", msg.Subject)
	}
	var got Event
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.FromID != "a" || got.ToID != "b" || got.At.IsZero() {
		t.Errorf("payload = %+v", got)
	}
}

func TestNATSPublisher_CustomPrefix(t *testing.T) {
	p := newNATSPublisher(&fakeConn{}, "social.graph")
	got := p.Subject(Event{Type: models.EdgeBlock, Action: ActionDeleted})
	if got != "social.graph.block.deleted" {
		t.Errorf("subject = %q", got)
	}
}

func TestNATSPublisher_Error(t *testing.T) {
	p := newNATSPublisher(&fakeConn{err: errors.New("nats: connection closed")}, "")
	if err := p.Publish(context.Background(), Event{Type: models.EdgeMute, Action: ActionCreated}); err == nil {
		t.Error("expected publish error")
	}
}

func TestNATSPublisher_Close(t *testing.T) {
	conn := &fakeConn{}
	if err := newNATSPublisher(conn, "").Close(); err != nil {
		t.Fatal(err)
	}
	if !conn.flushed || !conn.closed {
		t.Errorf("flushed=%v closed=%v", conn.flushed, conn.closed)
	}
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), Event{}); err != nil {
		t.Error(err)
	}
	if err := p.Close(); err != nil {
		t.Error(err)
	}
}
