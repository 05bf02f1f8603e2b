package realtime

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tempohq/tempo/go/internal/models"
)

type captureDelivery struct {
	changes []models.TimerChange
}

func (c *captureDelivery) PublishTimerChange(change models.TimerChange) {
	c.changes = append(c.changes, change)
}

func testChange() models.TimerChange {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	return models.TimerChange{
		Kind:       models.TimerChangeStarted,
		UserID:     "u1",
		Entry:      &models.TimeEntry{ID: "e1", UserID: "u1", ProjectID: "p1", StartTime: start, IsRunning: true, Tags: []string{}},
		OccurredAt: start,
	}
}

func TestRelayDeliversForeignChanges(t *testing.T) {
	local := &captureDelivery{}
	r := NewRelay(nil, local, RelayConfig{InstanceID: "a"})

	data, err := encodeRelayMessage("b", testChange())
	if err != nil {
		t.Fatal(err)
	}
	r.handleMessage(&nats.Msg{Subject: "tempo.timer.u1", Data: data})

	if len(local.changes) != 1 {
		t.Fatalf("expected 1 delivered change, got %d", len(local.changes))
	}
	got := local.changes[0]
	if got.Kind != models.TimerChangeStarted || got.UserID != "u1" || got.Entry.ID != "e1" {
		t.Fatalf("unexpected change %+v", got)
	}
}

func TestRelayIgnoresOwnChanges(t *testing.T) {
	local := &captureDelivery{}
	r := NewRelay(nil, local, RelayConfig{InstanceID: "a"})

	data, err := encodeRelayMessage("a", testChange())
	if err != nil {
		t.Fatal(err)
	}
	r.handleMessage(&nats.Msg{Subject: "tempo.timer.u1", Data: data})
	if len(local.changes) != 0 {
		t.Fatalf("own change was delivered back: %+v", local.changes)
	}
}

func TestRelayDropsMalformedMessages(t *testing.T) {
	local := &captureDelivery{}
	r := NewRelay(nil, local, RelayConfig{InstanceID: "a"})

	r.handleMessage(&nats.Msg{Subject: "tempo.timer.u1", Data: []byte("{")})
	r.handleMessage(&nats.Msg{Subject: "tempo.timer.u1", Data: []byte(`{"origin":"b","change":{"kind":"started"}}`)})
	if len(local.changes) != 0 {
		t.Fatalf("malformed messages delivered: %+v", local.changes)
	}
}

func TestNewRelayDefaults(t *testing.T) {
	r := NewRelay(nil, &captureDelivery{}, RelayConfig{SubjectPrefix: "custom.timer."})
	if r.InstanceID() == "" {
		t.Error("expected generated instance id")
	}
	if got := r.subject("u1"); got != "custom.timer.u1" {
		t.Errorf("subject = %s", got)
	}
}
