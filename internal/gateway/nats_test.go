package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/casualjim/mals/internal/broker"
	"github.com/casualjim/mals/messages"
	"github.com/casualjim/mals/pkg/natsx"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func setupNATS(t *testing.T) *nats.Conn {
	t.Helper()
	nc, err := natsx.NewClient("")
	if err != nil {
		t.Skipf("nats server not reachable: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func startedBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b := broker.New()
	require.NoError(t, b.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

func TestBridgeSubjects(t *testing.T) {
	br := NewBridge(nil, startedBroker(t), Prefix("plant1"))
	assert.Equal(t, "plant1.publish", br.PublishSubject())
	assert.Equal(t, "plant1.topics.sensors/temp", br.TopicSubject("sensors/temp"))
}

func TestBridgeDecodesEnvelopes(t *testing.T) {
	b := startedBroker(t)
	br := NewBridge(nil, b)

	msg, err := br.publish([]byte(`{"topic":"sensors/temp","payload":"23.5","priority":-4}`))
	require.NoError(t, err)
	assert.Equal(t, messages.Normal, msg.Priority())
	assert.True(t, msg.Coerced())

	_, err = br.publish([]byte(`{"topic":"sensors/temp","payload":"23.5"}`))
	require.ErrorIs(t, err, messages.ErrMalformedEnvelope)
	_, err = br.publish([]byte(`{"payload":"23.5","priority":1}`))
	require.ErrorIs(t, err, broker.ErrEmptyTopic)
}

func TestBridgeInbound(t *testing.T) {
	nc := setupNATS(t)
	b := startedBroker(t)
	br := NewBridge(nc, b, Prefix("mals-test-in"))
	require.NoError(t, br.Start())
	require.NoError(t, br.Start())
	t.Cleanup(func() { _ = br.Close() })

	got := make(chan messages.Message, 1)
	_, err := b.Subscribe("sensors/temp", broker.SubscriberFunc("observer", func(m messages.Message) error {
		got <- m
		return nil
	}))
	require.NoError(t, err)

	reply, err := nc.Request(br.PublishSubject(), []byte(`{"topic":"sensors/temp","payload":"23.5","priority":2}`), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "23.5", gjson.GetBytes(reply.Data, "payload").String())
	assert.Positive(t, gjson.GetBytes(reply.Data, "sequence").Int())

	select {
	case m := <-got:
		assert.Equal(t, messages.Important, m.Priority())
	case <-time.After(2 * time.Second):
		t.Fatal("message did not reach the broker")
	}

	bad, err := nc.Request(br.PublishSubject(), []byte(`not json`), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "malformed_frame", gjson.GetBytes(bad.Data, "code").String())
}

func TestBridgeExport(t *testing.T) {
	nc := setupNATS(t)
	b := startedBroker(t)
	br := NewBridge(nc, b, Prefix("mals-test-out"))
	t.Cleanup(func() { _ = br.Close() })

	sub, err := nc.SubscribeSync(br.TopicSubject("alarms"))
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.NoError(t, br.Export("alarms"))
	require.NoError(t, br.Export("alarms"))
	assert.Len(t, b.Subscribers("alarms"), 1)

	_, err = b.Publish("alarms", "door open", messages.Critical)
	require.NoError(t, err)

	out, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "door open", gjson.GetBytes(out.Data, "payload").String())
	assert.Equal(t, "CRITICAL", gjson.GetBytes(out.Data, "level").String())

	br.Unexport("alarms")
	assert.Empty(t, b.Subscribers("alarms"))
}

func TestBridgeConcurrentExport(t *testing.T) {
	b := broker.New()
	// no deliveries happen, the client is never touched
	br := NewBridge(nil, b)

	var wg sync.WaitGroup
	wg.Add(16)
	for range 16 {
		go func() {
			defer wg.Done()
			assert.NoError(t, br.Export("alarms"))
		}()
	}
	wg.Wait()

	assert.Len(t, b.Subscribers("alarms"), 1)
	assert.Equal(t, uintptr(1), br.exports.Len())

	br.Unexport("alarms")
	assert.Empty(t, b.Subscribers("alarms"))
	assert.Zero(t, br.exports.Len())
}
