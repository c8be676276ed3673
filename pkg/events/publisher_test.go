package events

import (
	"context"
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestPublishingFillsEnvelope(t *testing.T) {
	msg, err := publishing(Event{Type: QrCreated, QrID: "qr-1", LinkID: "link-1"})
	if err != nil {
		t.Fatalf("publishing: %v", err)
	}
	if msg.ContentType != "application/json" || msg.DeliveryMode != amqp.Persistent || msg.Type != QrCreated {
		t.Fatalf("unexpected publishing headers: %+v", msg)
	}
	var ev Event
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if ev.ID == "" || ev.ID != msg.MessageId || ev.OccurredAt.IsZero() || ev.QrID != "qr-1" {
		t.Fatalf("unexpected event body: %+v", ev)
	}
}

func TestPublishingRequiresType(t *testing.T) {
	if _, err := publishing(Event{}); err == nil {
		t.Fatalf("expected error for missing type")
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	_ = r.Publish(ctx, Event{Type: QrCreated})
	_ = r.Publish(ctx, Event{Type: QrDeleted})
	got := r.Types()
	if len(got) != 2 || got[0] != QrCreated || got[1] != QrDeleted {
		t.Fatalf("unexpected types %v", got)
	}
	if err := (Nop{}).Publish(ctx, Event{Type: QrCreated}); err != nil {
		t.Fatalf("nop publish: %v", err)
	}
}
