package events

import "github.com/kelindar/event"

// SubscribeToChannel forwards events of type T to ch for select-loop
// consumers such as SSE handlers. Events are dropped while ch is full.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}

// SubscribeDeviceEvents forwards every device, discovery, session and
// notification event to ch. Log entries are not included. The returned
// function removes all subscriptions.
func SubscribeDeviceEvents(bus *Bus, ch chan<- any) func() {
	unsubs := []func(){
		SubscribeToChannel[DeviceAttachedEvent](bus, ch),
		SubscribeToChannel[DeviceDetachedEvent](bus, ch),
		SubscribeToChannel[DeviceDiscoveryEvent](bus, ch),
		SubscribeToChannel[SessionOpenedEvent](bus, ch),
		SubscribeToChannel[SessionClosedEvent](bus, ch),
		SubscribeToChannel[StreamStateChangedEvent](bus, ch),
		SubscribeToChannel[DeviceNotificationEvent](bus, ch),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
