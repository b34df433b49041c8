// Package messages defines the values that travel through the platform broker:
// the four-level Priority, the immutable Message, and the logical
// {topic, payload, priority} envelope that transports map their frames onto.
//
// Design decisions:
//   - Immutability: Message fields are unexported and only readable through
//     accessors, so one value can be shared by every subscriber of a fan-out
//   - Deterministic order: the broker stamps a sequence number at publish time
//     which breaks ties between messages of equal priority (FIFO per band)
//   - Visible coercion: priorities that arrive out of range at a boundary are
//     coerced to Normal and the message remembers that it was coerced
//   - JSON interop: envelopes are parsed with gjson and rendered with sjson,
//     so malformed frames are rejected before they reach the broker
//
// Example usage:
//
//	msg := messages.New("sensors/temp", "23.5", messages.Important)
//	fmt.Println(msg.Topic(), msg.Priority()) // sensors/temp IMPORTANT
//
//	env, err := messages.DecodeEnvelope([]byte(`{"topic":"x","payload":"y","priority":7}`))
//	if err != nil {
//	    return err
//	}
//	prio, ok := messages.ParsePriority(env.Priority) // Normal, false
package messages
