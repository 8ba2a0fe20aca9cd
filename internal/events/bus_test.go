package events

import "testing"

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)

	bus.Publish(ConnectionOpened, map[string]interface{}{"id": "conn-1"})

	select {
	case ev := <-sub.Events():
		if ev.Type != ConnectionOpened {
			t.Errorf("type = %v, want ConnectionOpened", ev.Type)
		}
		if ev.Data["id"] != "conn-1" {
			t.Errorf("data[id] = %v, want conn-1", ev.Data["id"])
		}
	default:
		t.Fatal("expected an event on the subscriber channel")
	}
}

func TestPublishFansOutToEverySubscriber(t *testing.T) {
	bus := NewBus()
	subA := bus.Subscribe(1)
	subB := bus.Subscribe(1)

	bus.Publish(ServerDraining, nil)

	if len(subA.Events()) != 1 {
		t.Error("expected subscriber A to receive the event")
	}
	if len(subB.Events()) != 1 {
		t.Error("expected subscriber B to receive the event")
	}
}

func TestPublishDropsOnFullSubscriberChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)

	bus.Publish(RequestAccepted, nil)
	bus.Publish(RequestAccepted, nil) // channel already full, should be dropped

	if sub.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", sub.Dropped())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	bus.Unsubscribe(sub)

	bus.Publish(ConnectionClosed, nil)

	if _, ok := <-sub.Events(); ok {
		t.Error("expected the subscriber channel to be closed after Unsubscribe")
	}
}

func TestNilBusPublishIsNoOp(t *testing.T) {
	var bus *Bus
	bus.Publish(ConnectionOpened, nil) // must not panic
}
