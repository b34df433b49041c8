package messages

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var messageJSON = []byte(`{}`)

// Message is the unit of delivery. Values are never mutated once built; the
// With* methods return modified copies.
type Message struct {
	topic       string
	payload     string
	priority    Priority
	sequence    uint64
	coerced     bool
	publishedAt strfmt.DateTime
}

// New creates a message stamped with the current time. The sequence is left at
// zero until the broker assigns one.
func New(topic, payload string, priority Priority) Message {
	return Message{
		topic:       topic,
		payload:     payload,
		priority:    priority,
		publishedAt: strfmt.DateTime(time.Now()),
	}
}

func (m Message) Topic() string {
	return m.topic
}

func (m Message) Payload() string {
	return m.payload
}

func (m Message) Priority() Priority {
	return m.priority
}

// Sequence is the publish order assigned by the broker. It only orders
// messages of equal priority.
func (m Message) Sequence() uint64 {
	return m.sequence
}

// Coerced reports whether the priority was substituted with Normal because the
// value received at a boundary was out of range.
func (m Message) Coerced() bool {
	return m.coerced
}

func (m Message) PublishedAt() strfmt.DateTime {
	return m.publishedAt
}

// WithSequence returns a copy of m carrying seq.
func (m Message) WithSequence(seq uint64) Message {
	m.sequence = seq
	return m
}

// WithCoerced returns a copy of m flagged as carrying a coerced priority.
func (m Message) WithCoerced() Message {
	m.coerced = true
	return m
}

func (m Message) String() string {
	return fmt.Sprintf("%s#%d[%s] %q", m.topic, m.sequence, m.priority, m.payload)
}

// MarshalJSON renders the message as an outbound frame.
func (m Message) MarshalJSON() ([]byte, error) {
	result := messageJSON

	var err error
	if result, err = sjson.SetBytes(result, "topic", m.topic); err != nil {
		return nil, err
	}
	if result, err = sjson.SetBytes(result, "payload", m.payload); err != nil {
		return nil, err
	}
	if result, err = sjson.SetBytes(result, "priority", m.priority.Rank()); err != nil {
		return nil, err
	}
	if result, err = sjson.SetBytes(result, "level", m.priority.String()); err != nil {
		return nil, err
	}
	if result, err = sjson.SetBytes(result, "sequence", m.sequence); err != nil {
		return nil, err
	}
	if result, err = sjson.SetBytes(result, "timestamp", m.publishedAt.String()); err != nil {
		return nil, err
	}
	if m.coerced {
		if result, err = sjson.SetBytes(result, "coerced", true); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// UnmarshalJSON reads a frame produced by MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json: %s", data)
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		return err
	}
	prio, ok := ParsePriority(env.Priority)
	if !ok {
		return fmt.Errorf("invalid priority %d", env.Priority)
	}

	m.topic = env.Topic
	m.payload = env.Payload
	m.priority = prio
	m.sequence = gjson.GetBytes(data, "sequence").Uint()
	m.coerced = gjson.GetBytes(data, "coerced").Bool()

	if ts := gjson.GetBytes(data, "timestamp"); ts.Exists() {
		dt, err := strfmt.ParseDateTime(ts.String())
		if err != nil {
			return fmt.Errorf("invalid timestamp: %w", err)
		}
		m.publishedAt = dt
	}
	return nil
}

// ErrMalformedEnvelope is returned for frames that cannot be mapped onto an
// envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the logical {topic, payload, priority} triple shared by every
// transport. Priority is kept raw so the caller decides how to coerce it.
type Envelope struct {
	Topic    string
	Payload  string
	Priority int64
}

// DecodeEnvelope parses a JSON envelope. The payload must be a string and the
// priority a number; topic may be empty when the transport supplies it.
// Non-integral priorities are returned as -1 so they are coerced downstream.
func DecodeEnvelope(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, fmt.Errorf("%w: invalid json", ErrMalformedEnvelope)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Envelope{}, fmt.Errorf("%w: expected an object", ErrMalformedEnvelope)
	}

	payload := root.Get("payload")
	if payload.Type != gjson.String {
		return Envelope{}, fmt.Errorf("%w: missing or non-string field 'payload'", ErrMalformedEnvelope)
	}

	priority := root.Get("priority")
	if priority.Type != gjson.Number {
		return Envelope{}, fmt.Errorf("%w: missing or non-numeric field 'priority'", ErrMalformedEnvelope)
	}
	raw := priority.Int()
	if float64(raw) != priority.Num {
		raw = -1
	}

	var topic string
	if t := root.Get("topic"); t.Exists() {
		if t.Type != gjson.String {
			return Envelope{}, fmt.Errorf("%w: non-string field 'topic'", ErrMalformedEnvelope)
		}
		topic = t.String()
	}

	return Envelope{
		Topic:    topic,
		Payload:  payload.String(),
		Priority: raw,
	}, nil
}
