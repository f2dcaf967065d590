package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New()
	received := make(chan DeviceAttachedEvent, 1)

	unsub := bus.Subscribe(func(e DeviceAttachedEvent) {
		received <- e
	})
	defer unsub()

	event := DeviceAttachedEvent{
		Device:     "msm_ba.0",
		Node:       "video35",
		Minor:      35,
		Generation: 1,
		Timestamp:  "2025-01-27T10:30:00Z",
	}
	bus.Publish(event)

	got := <-received
	if got.Node != event.Node {
		t.Errorf("Expected node %s, got %s", event.Node, got.Node)
	}
	if got.Generation != 1 {
		t.Errorf("Expected generation 1, got %d", got.Generation)
	}
}

func TestBus_MultipleSubscribers(_ *testing.T) {
	bus := New()
	received1 := make(chan SessionOpenedEvent, 1)
	received2 := make(chan SessionOpenedEvent, 1)

	unsub1 := bus.Subscribe(func(e SessionOpenedEvent) {
		received1 <- e
	})
	defer unsub1()

	unsub2 := bus.Subscribe(func(e SessionOpenedEvent) {
		received2 <- e
	})
	defer unsub2()

	bus.Publish(SessionOpenedEvent{Node: "video35", Session: "1.1"})

	<-received1
	<-received2
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New()
	received := make(chan SessionClosedEvent, 1)

	unsub := bus.Subscribe(func(e SessionClosedEvent) {
		received <- e
	})

	bus.Publish(SessionClosedEvent{Session: "1.1"})
	<-received

	unsub()

	bus.Publish(SessionClosedEvent{Session: "1.2"})
	select {
	case <-received:
		t.Fatal("Should not have received event after unsubscribe")
	case <-time.After(10 * time.Millisecond):
		// Expected - no event
	}
}

func TestBus_TypeSafety(t *testing.T) {
	bus := New()

	attachReceived := make(chan bool, 1)
	detachReceived := make(chan bool, 1)

	unsub1 := bus.Subscribe(func(_ DeviceAttachedEvent) {
		attachReceived <- true
	})
	defer unsub1()

	unsub2 := bus.Subscribe(func(_ DeviceDetachedEvent) {
		detachReceived <- true
	})
	defer unsub2()

	bus.Publish(DeviceAttachedEvent{Device: "msm_ba.0"})
	<-attachReceived

	select {
	case <-detachReceived:
		t.Fatal("Detach subscriber should NOT have received DeviceAttachedEvent")
	case <-time.After(10 * time.Millisecond):
		// Expected
	}

	bus.Publish(DeviceDetachedEvent{Device: "msm_ba.0"})
	<-detachReceived

	select {
	case <-attachReceived:
		t.Fatal("Attach subscriber should NOT have received DeviceDetachedEvent")
	case <-time.After(10 * time.Millisecond):
		// Expected
	}
}

func TestBus_UnknownHandler(t *testing.T) {
	bus := New()
	unsub := bus.Subscribe(func(string) {})
	if unsub == nil {
		t.Fatal("Expected no-op unsubscribe function")
	}
	unsub()
}

func TestBus_ThreadSafety(_ *testing.T) {
	bus := New()
	var wg sync.WaitGroup
	numGoroutines := 10
	eventsPerGoroutine := 100
	expected := numGoroutines * eventsPerGoroutine

	receivedCh := make(chan bool, expected)

	unsub := bus.Subscribe(func(_ DeviceNotificationEvent) {
		receivedCh <- true
	})
	defer unsub()

	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range eventsPerGoroutine {
				bus.Publish(DeviceNotificationEvent{
					Kind:      "source-change",
					Timestamp: time.Now().Format(time.RFC3339),
				})
			}
		}()
	}

	wg.Wait()

	for range expected {
		<-receivedCh
	}
}

func TestBus_AllEventTypes(t *testing.T) {
	bus := New()

	tests := []struct {
		name  string
		event Event
	}{
		{"DeviceAttached", DeviceAttachedEvent{Device: "msm_ba.0"}},
		{"DeviceDetached", DeviceDetachedEvent{Device: "msm_ba.0"}},
		{"DeviceDiscovery", DeviceDiscoveryEvent{Action: "added"}},
		{"SessionOpened", SessionOpenedEvent{Session: "1.1"}},
		{"SessionClosed", SessionClosedEvent{Session: "1.1"}},
		{"StreamStateChanged", StreamStateChangedEvent{Session: "1.1", To: "streaming"}},
		{"DeviceNotification", DeviceNotificationEvent{Kind: "signal-lost"}},
		{"LogEntry", LogEntryEvent{Message: "hello"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(_ *testing.T) {
			received := make(chan Event, 1)

			var unsub func()
			switch tt.event.(type) {
			case DeviceAttachedEvent:
				unsub = bus.Subscribe(func(e DeviceAttachedEvent) { received <- e })
			case DeviceDetachedEvent:
				unsub = bus.Subscribe(func(e DeviceDetachedEvent) { received <- e })
			case DeviceDiscoveryEvent:
				unsub = bus.Subscribe(func(e DeviceDiscoveryEvent) { received <- e })
			case SessionOpenedEvent:
				unsub = bus.Subscribe(func(e SessionOpenedEvent) { received <- e })
			case SessionClosedEvent:
				unsub = bus.Subscribe(func(e SessionClosedEvent) { received <- e })
			case StreamStateChangedEvent:
				unsub = bus.Subscribe(func(e StreamStateChangedEvent) { received <- e })
			case DeviceNotificationEvent:
				unsub = bus.Subscribe(func(e DeviceNotificationEvent) { received <- e })
			case LogEntryEvent:
				unsub = bus.Subscribe(func(e LogEntryEvent) { received <- e })
			}
			defer unsub()

			bus.Publish(tt.event)
			<-received
		})
	}
}

func TestEventJSONSerialization(t *testing.T) {
	tests := []struct {
		name  string
		event any
		key   string
	}{
		{
			"DeviceAttachedEvent",
			DeviceAttachedEvent{Device: "msm_ba.0", Node: "video35", Minor: 35},
			"node",
		},
		{
			"SessionClosedEvent",
			SessionClosedEvent{Node: "video35", Session: "1.2", Status: -5},
			"status",
		},
		{
			"StreamStateChangedEvent",
			StreamStateChangedEvent{Session: "1.2", From: "open", To: "streaming"},
			"to",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("Failed to marshal: %v", err)
			}

			var result map[string]any
			if unmarshalErr := json.Unmarshal(data, &result); unmarshalErr != nil {
				t.Fatalf("Failed to unmarshal: %v", unmarshalErr)
			}

			if _, ok := result[tt.key]; !ok {
				t.Fatalf("Expected key %q in %s", tt.key, data)
			}
		})
	}
}

func TestStreamStateChangedEvent_IsStreaming(t *testing.T) {
	on := StreamStateChangedEvent{From: "open", To: "streaming"}
	off := StreamStateChangedEvent{From: "streaming", To: "open"}

	if !on.IsStreaming() {
		t.Error("Expected IsStreaming to be true")
	}
	if off.IsStreaming() {
		t.Error("Expected IsStreaming to be false")
	}
}

func TestSubscribeToChannel(t *testing.T) {
	bus := New()
	ch := make(chan any, 10)

	unsub := SubscribeToChannel[DeviceAttachedEvent](bus, ch)
	defer unsub()

	event := DeviceAttachedEvent{Device: "msm_ba.0", Node: "video35"}
	bus.Publish(event)

	received := <-ch
	attached, ok := received.(DeviceAttachedEvent)
	if !ok {
		t.Fatalf("Expected DeviceAttachedEvent, got %T", received)
	}
	if attached.Device != event.Device {
		t.Errorf("Expected device %s, got %s", event.Device, attached.Device)
	}
}

func TestSubscribeToChannel_NonBlocking(_ *testing.T) {
	bus := New()
	ch := make(chan any) // No buffer

	unsub := SubscribeToChannel[SessionOpenedEvent](bus, ch)
	defer unsub()

	done := make(chan bool, 1)
	go func() {
		bus.Publish(SessionOpenedEvent{Session: "1.1"})
		done <- true
	}()

	<-done // Should complete without blocking
}

func TestSubscribeDeviceEvents(t *testing.T) {
	bus := New()
	ch := make(chan any, 16)

	unsub := SubscribeDeviceEvents(bus, ch)

	bus.Publish(SessionOpenedEvent{Session: "1.1"})
	bus.Publish(LogEntryEvent{Message: "not forwarded"})
	bus.Publish(DeviceNotificationEvent{Node: "video35", Kind: "source-change"})

	seen := map[string]bool{}
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case e := <-ch:
			switch e.(type) {
			case SessionOpenedEvent:
				seen["opened"] = true
			case DeviceNotificationEvent:
				seen["notification"] = true
			case LogEntryEvent:
				t.Fatal("log entries must not be forwarded")
			}
		case <-timeout:
			t.Fatalf("timed out, saw %v", seen)
		}
	}

	unsub()
	bus.Publish(SessionClosedEvent{Session: "1.1"})
	select {
	case e := <-ch:
		t.Errorf("received %T after unsubscribe", e)
	case <-time.After(50 * time.Millisecond):
	}
}
