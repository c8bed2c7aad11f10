package run

import (
	"testing"
	"time"

	"github.com/alderwick/relay/internal/envelope"
)

func TestBusPublishFanOut(t *testing.T) {
	b := NewBus()
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer sub1.Close()
	defer sub2.Close()

	b.Publish(envelope.New(envelope.TypeHostHeartbeat, nil))

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case env := <-sub.C():
			if env.Type != envelope.TypeHostHeartbeat {
				t.Fatalf("unexpected type %s", env.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected envelope on subscriber")
		}
	}
}

func TestBusLaggedSubscriberIsSkippedNotBlocked(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < busBufferSize+10; i++ {
		b.Publish(envelope.New(envelope.TypeHostHeartbeat, nil))
	}
	// Publish must not have blocked despite the slow/absent reader.
}

func TestBusCloseUnregisters(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe()
	sub.Close()

	b.Publish(envelope.New(envelope.TypeHostHeartbeat, nil))

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatalf("expected closed channel to yield no values")
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatalf("expected channel to be closed, not just empty")
	}
}
