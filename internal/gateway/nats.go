package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/mals/internal/broker"
	"github.com/casualjim/mals/messages"
	"github.com/casualjim/mals/pkg/slogx"
	"github.com/fogfish/opts"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// Bridge connects the broker to a NATS server. Envelopes published on
// <prefix>.publish enter the broker; exported topics are mirrored to
// <prefix>.topics.<topic>. A request on the publish subject is answered with
// the sequence of the accepted message or an error frame.
type Bridge struct {
	client *nats.Conn
	broker Broker
	prefix string
	log    *slog.Logger

	// mu guards inbound and serializes changes to exports.
	mu      sync.Mutex
	inbound *nats.Subscription
	exports *haxmap.Map[string, *natsTopic]
}

var (
	// Prefix sets the subject prefix of the bridge. Defaults to "mals".
	Prefix = opts.ForName[Bridge, string]("prefix")
	// BridgeLogger replaces the logger derived from slog.Default.
	BridgeLogger = opts.ForName[Bridge, *slog.Logger]("log")
)

func NewBridge(client *nats.Conn, b Broker, options ...opts.Option[Bridge]) *Bridge {
	br := &Bridge{
		client:  client,
		broker:  b,
		prefix:  "mals",
		exports: haxmap.New[string, *natsTopic](),
	}
	if err := opts.Apply(br, options); err != nil {
		panic(err)
	}
	if br.log == nil {
		br.log = slog.Default()
	}
	br.log = br.log.With(slogx.LoggerName("gateway.nats"))
	return br
}

// PublishSubject is the subject the bridge listens on.
func (b *Bridge) PublishSubject() string { return b.prefix + ".publish" }

// TopicSubject is the subject an exported topic is mirrored to.
func (b *Bridge) TopicSubject(topic string) string { return b.prefix + ".topics." + topic }

// Start subscribes to the publish subject. Calling it twice is a no-op.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inbound != nil {
		return nil
	}
	sub, err := b.client.Subscribe(b.PublishSubject(), b.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.PublishSubject(), err)
	}
	b.inbound = sub
	b.log.Info("nats bridge started", slog.String("subject", b.PublishSubject()))
	return nil
}

func (b *Bridge) handle(msg *nats.Msg) {
	published, err := b.publish(msg.Data)
	if err != nil {
		b.log.Warn("rejected nats envelope", slogx.Error(err), slog.String("subject", msg.Subject))
	}
	if msg.Reply == "" {
		return
	}

	var reply []byte
	if err != nil {
		reply = encodeError(err)
	} else if reply, err = published.MarshalJSON(); err != nil {
		reply = encodeError(err)
	}
	if rerr := msg.Respond(reply); rerr != nil {
		b.log.Error("failed to respond", slogx.Error(rerr))
	}
}

func (b *Bridge) publish(data []byte) (messages.Message, error) {
	env, err := messages.DecodeEnvelope(data)
	if err != nil {
		return messages.Message{}, err
	}
	return b.broker.PublishRaw(env.Topic, env.Payload, env.Priority)
}

// Export mirrors topic to NATS. Exporting a topic twice is a no-op.
func (b *Bridge) Export(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exports.Get(topic); ok {
		return nil
	}
	nt := &natsTopic{client: b.client, subject: b.TopicSubject(topic)}
	if _, err := b.broker.Subscribe(topic, nt); err != nil {
		return err
	}
	b.exports.Set(topic, nt)
	return nil
}

// Unexport stops mirroring topic.
func (b *Bridge) Unexport(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if nt, ok := b.exports.Get(topic); ok {
		_, _ = b.broker.Unsubscribe(topic, nt)
		b.exports.Del(topic)
	}
}

// Close stops the inbound subscription and every export. The NATS connection
// is left open.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var topics []string
	b.exports.ForEach(func(topic string, nt *natsTopic) bool {
		b.broker.UnsubscribeAll(nt)
		topics = append(topics, topic)
		return true
	})
	b.exports.Del(topics...)

	if b.inbound == nil {
		return nil
	}
	err := b.inbound.Unsubscribe()
	b.inbound = nil
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

var _ broker.Connection = (*natsTopic)(nil)

// natsTopic forwards deliveries to a NATS subject.
type natsTopic struct {
	client  *nats.Conn
	subject string
}

func (t *natsTopic) ID() string { return "nats:" + t.subject }

func (t *natsTopic) Alive() bool { return !t.client.IsClosed() }

func (t *natsTopic) Deliver(msg messages.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.client.Publish(t.subject, data)
}
