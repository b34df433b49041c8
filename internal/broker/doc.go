// Package broker implements the platform's delivery engine: a priority ordered
// delivery queue, the topic subscription registry, and the dispatcher that
// fans every message out to the subscribers of its topic.
//
// Design decisions:
//   - Single dispatcher: one goroutine per broker pulls messages in
//     (priority desc, sequence asc) order, so ordering is global per broker
//   - Snapshot delivery: fan-out works on a copy of the subscriber set taken
//     when the message is dequeued; concurrent subscribe/unsubscribe never
//     corrupts an in-flight delivery
//   - Per-topic locking: mutations of one topic never block another topic or
//     the dispatcher's snapshot reads
//   - Soft failures: unknown topics, dead connections, failing or panicking
//     subscribers are logged and counted, never propagated to publishers or to
//     other subscribers of the same message
//   - Drain on stop: messages accepted before Stop are still dispatched,
//     publishes after Stop return ErrStopped
//
// Interface hierarchy:
//   - Subscriber: ID plus Deliver, implemented by task modules
//     └── Connection: adds Alive, implemented by gateway connections
//
// Example usage:
//
//	b := broker.New(broker.Name("control"))
//	if err := b.Start(); err != nil {
//	    return err
//	}
//	defer b.Stop(ctx)
//
//	if _, err := b.Subscribe("sensors/temp", module); err != nil {
//	    return err
//	}
//	if _, err := b.Publish("sensors/temp", "23.5", messages.Important); err != nil {
//	    return err
//	}
package broker
