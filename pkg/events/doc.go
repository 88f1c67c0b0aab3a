/*
Package events provides in-process pub/sub for engine and hub events.

The broker fans out flush results, WAL health transitions, document
change notifications, and opaque relay messages to any number of
subscribers over buffered channels. Delivery is best-effort and
unordered across subscribers: a slow consumer drops events rather than
blocking the publisher. Anything that must not be missed (the resync
protocol, durability) goes through the sync log and WAL, not this
broker.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&events.Event{
		Type:     events.EventDocChanged,
		Metadata: map[string]string{"collection": "notes", "doc_id": "d1"},
	})

The relay hook in pkg/hub uses EventRelayBroadcast events to carry
serialized broadcast frames between server instances; the broker itself
treats the payload as opaque bytes.
*/
package events
