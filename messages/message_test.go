package messages

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestPriority(t *testing.T) {
	t.Run("ranks are ordered", func(t *testing.T) {
		assert.Less(t, Unimportant.Rank(), Normal.Rank())
		assert.Less(t, Normal.Rank(), Important.Rank())
		assert.Less(t, Important.Rank(), Critical.Rank())
		assert.Equal(t, 1, Normal.Rank())
	})

	t.Run("names", func(t *testing.T) {
		assert.Equal(t, "UNIMPORTANT", Unimportant.String())
		assert.Equal(t, "CRITICAL", Critical.String())
		assert.Equal(t, "PRIORITY(9)", Priority(9).String())
		assert.False(t, Priority(9).Valid())
	})

	tests := []struct {
		raw  int64
		want Priority
		ok   bool
	}{
		{0, Unimportant, true},
		{1, Normal, true},
		{2, Important, true},
		{3, Critical, true},
		{7, Normal, false},
		{-1, Normal, false},
	}
	for _, tt := range tests {
		p, ok := ParsePriority(tt.raw)
		assert.Equal(t, tt.want, p, "raw %d", tt.raw)
		assert.Equal(t, tt.ok, ok, "raw %d", tt.raw)
	}
}

func TestMessage(t *testing.T) {
	t.Run("copies are independent", func(t *testing.T) {
		msg := New("sensors/temp", "23.5", Important)
		stamped := msg.WithSequence(4).WithCoerced()

		assert.Zero(t, msg.Sequence())
		assert.False(t, msg.Coerced())
		assert.Equal(t, uint64(4), stamped.Sequence())
		assert.True(t, stamped.Coerced())
		assert.Equal(t, msg.Topic(), stamped.Topic())
		assert.Equal(t, msg.PublishedAt(), stamped.PublishedAt())
	})

	t.Run("renders an outbound frame", func(t *testing.T) {
		msg := New("sensors/temp", "23.5", Important).WithSequence(12)
		b, err := json.Marshal(msg)
		require.NoError(t, err)

		assert.Equal(t, "sensors/temp", gjson.GetBytes(b, "topic").String())
		assert.Equal(t, "23.5", gjson.GetBytes(b, "payload").String())
		assert.Equal(t, int64(2), gjson.GetBytes(b, "priority").Int())
		assert.Equal(t, "IMPORTANT", gjson.GetBytes(b, "level").String())
		assert.Equal(t, uint64(12), gjson.GetBytes(b, "sequence").Uint())
		assert.True(t, gjson.GetBytes(b, "timestamp").Exists())
		assert.False(t, gjson.GetBytes(b, "coerced").Exists())
	})

	t.Run("reads its own frames", func(t *testing.T) {
		msg := New("a", "b", Critical).WithSequence(3).WithCoerced()
		b, err := json.Marshal(msg)
		require.NoError(t, err)

		var decoded Message
		require.NoError(t, json.Unmarshal(b, &decoded))
		assert.Equal(t, "a", decoded.Topic())
		assert.Equal(t, "b", decoded.Payload())
		assert.Equal(t, Critical, decoded.Priority())
		assert.Equal(t, uint64(3), decoded.Sequence())
		assert.True(t, decoded.Coerced())
	})
}

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    Envelope
		wantErr bool
	}{
		{name: "full", frame: `{"topic":"t","payload":"p","priority":3}`, want: Envelope{Topic: "t", Payload: "p", Priority: 3}},
		{name: "topic supplied by transport", frame: `{"payload":"p","priority":0}`, want: Envelope{Payload: "p", Priority: 0}},
		{name: "out of range kept raw", frame: `{"payload":"p","priority":7}`, want: Envelope{Payload: "p", Priority: 7}},
		{name: "fractional priority", frame: `{"payload":"p","priority":1.5}`, want: Envelope{Payload: "p", Priority: -1}},
		{name: "not json", frame: `{"payload":`, wantErr: true},
		{name: "not an object", frame: `[1,2]`, wantErr: true},
		{name: "missing payload", frame: `{"priority":1}`, wantErr: true},
		{name: "numeric payload", frame: `{"payload":1,"priority":1}`, wantErr: true},
		{name: "missing priority", frame: `{"payload":"p"}`, wantErr: true},
		{name: "string priority", frame: `{"payload":"p","priority":"high"}`, wantErr: true},
		{name: "numeric topic", frame: `{"topic":5,"payload":"p","priority":1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.frame))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedEnvelope)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, env)
		})
	}
}
