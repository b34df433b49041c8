package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/mals/internal/broker"
	"github.com/casualjim/mals/messages"
	"github.com/casualjim/mals/pkg/slogx"
	"github.com/fogfish/opts"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// Broker is the part of the broker the gateway drives.
type Broker interface {
	PublishRaw(topic, payload string, rawPriority int64) (messages.Message, error)
	Subscribe(topic string, sub broker.Subscriber) (bool, error)
	Unsubscribe(topic string, sub broker.Subscriber) (bool, error)
	UnsubscribeAll(sub broker.Subscriber) []string
	Stats() broker.Stats
}

// Inbox accepts messages injected directly into a task module.
type Inbox interface {
	AcceptMessage(messages.Message) error
}

// ModuleLookup resolves a module name to its inbox.
type ModuleLookup func(name string) (Inbox, bool)

type endpointKind int

const (
	genericEndpoint endpointKind = iota
	topicEndpoint
	moduleEndpoint
	unknownEndpoint
)

type endpoint struct {
	kind  endpointKind
	name  string
	topic string // module endpoints only, overrides the envelope topic
}

// Server is the websocket gateway. It implements http.Handler.
type Server struct {
	broker     Broker
	modules    ModuleLookup
	sendBuffer int
	log        *slog.Logger

	upgrader websocket.Upgrader
	conns    *haxmap.Map[string, *wsConn]
	mux      *http.ServeMux
}

var (
	// Modules enables the /modules endpoint.
	Modules = opts.ForName[Server, ModuleLookup]("modules")
	// SendBuffer is the number of outbound frames buffered per connection.
	SendBuffer = opts.ForName[Server, int]("sendBuffer")
	// Logger replaces the logger derived from slog.Default.
	Logger = opts.ForName[Server, *slog.Logger]("log")
)

func New(b Broker, options ...opts.Option[Server]) *Server {
	s := &Server{
		broker:     b,
		sendBuffer: 256,
		conns:      haxmap.New[string, *wsConn](),
		mux:        http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if err := opts.Apply(s, options); err != nil {
		panic(err)
	}
	if s.sendBuffer < 1 {
		s.sendBuffer = 1
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With(slogx.LoggerName("gateway"))

	s.mux.HandleFunc("GET /stats", s.serveStats)
	s.mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		s.serveWS(w, r, endpoint{kind: genericEndpoint})
	})
	s.mux.HandleFunc("GET /topics/{topic...}", func(w http.ResponseWriter, r *http.Request) {
		s.serveWS(w, r, endpoint{kind: topicEndpoint, name: r.PathValue("topic")})
	})
	s.mux.HandleFunc("GET /modules/{name}", func(w http.ResponseWriter, r *http.Request) {
		s.serveWS(w, r, endpoint{kind: moduleEndpoint, name: r.PathValue("name")})
	})
	s.mux.HandleFunc("GET /modules/{name}/{topic...}", func(w http.ResponseWriter, r *http.Request) {
		s.serveWS(w, r, endpoint{kind: moduleEndpoint, name: r.PathValue("name"), topic: r.PathValue("topic")})
	})
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			http.NotFound(w, r)
			return
		}
		s.serveWS(w, r, endpoint{kind: unknownEndpoint, name: r.URL.Path})
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Connections returns the number of open websocket connections.
func (s *Server) Connections() int {
	return int(s.conns.Len())
}

// ListenAndServe serves the gateway on addr until ctx is cancelled, then
// closes every open connection.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("gateway shutdown", slogx.Error(err))
		}
		s.CloseAll()
	}()

	s.log.Info("gateway listening", slog.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}

// CloseAll closes every open websocket connection.
func (s *Server) CloseAll() {
	s.conns.ForEach(func(_ string, c *wsConn) bool {
		c.shutdown()
		return true
	})
}

func (s *Server) serveStats(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		broker.Stats
		Connections int `json:"connections"`
	}{
		Stats:       s.broker.Stats(),
		Connections: s.Connections(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("failed to write stats", slogx.Error(err))
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, ep endpoint) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slogx.Error(err), slog.String("path", r.URL.Path))
		return
	}

	c := newConn(ws, s.sendBuffer, s.log)
	s.conns.Set(c.id, c)
	go c.writePump()
	defer s.release(c)

	c.log.Info("connection opened", slog.String("path", r.URL.Path))
	switch ep.kind {
	case unknownEndpoint:
		c.reject(fmt.Errorf("%w: %s", ErrUnknownEndpoint, ep.name))
		return
	case topicEndpoint:
		if _, err := s.broker.Subscribe(ep.name, c); err != nil {
			c.reject(err)
			return
		}
	}

	c.readPump(func(data []byte) { s.handleFrame(c, ep, data) })
}

func (s *Server) release(c *wsConn) {
	c.shutdown()
	topics := s.broker.UnsubscribeAll(c)
	s.conns.Del(c.id)
	<-c.writerDone
	_ = c.ws.Close()
	c.log.Info("connection closed", slog.Any("topics", topics))
}

func (s *Server) handleFrame(c *wsConn, ep endpoint, data []byte) {
	if isControl(data) {
		s.handleControl(c, data)
		return
	}

	env, err := messages.DecodeEnvelope(data)
	if err != nil {
		c.reject(err)
		return
	}

	if ep.kind == moduleEndpoint {
		if ep.topic != "" {
			env.Topic = ep.topic
		}
		if err := s.inject(ep.name, env); err != nil {
			c.reject(err)
		}
		return
	}

	if env.Topic == "" && ep.kind == topicEndpoint {
		env.Topic = ep.name
	}
	if _, err := s.broker.PublishRaw(env.Topic, env.Payload, env.Priority); err != nil {
		c.reject(err)
	}
}

func (s *Server) handleControl(c *wsConn, data []byte) {
	cf, err := decodeControl(data)
	if err != nil {
		c.reject(err)
		return
	}

	var changed bool
	switch cf.Op {
	case OpSubscribe:
		changed, err = s.broker.Subscribe(cf.Topic, c)
	case OpUnsubscribe:
		changed, err = s.broker.Unsubscribe(cf.Topic, c)
	}
	if err != nil {
		c.reject(err)
		return
	}

	ack, err := json.Marshal(ackFrame{Op: cf.Op, Topic: cf.Topic, Changed: changed})
	if err != nil {
		c.reject(err)
		return
	}
	c.reply(ack)
}

// inject bypasses the broker and puts the envelope straight into a module
// inbox. Without a topic the message is addressed to modules/<name>.
func (s *Server) inject(name string, env messages.Envelope) error {
	if s.modules == nil {
		return fmt.Errorf("%w: %q", ErrUnknownModule, name)
	}
	inbox, ok := s.modules(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModule, name)
	}

	topic := env.Topic
	if topic == "" {
		topic = "modules/" + name
	}
	priority, valid := messages.ParsePriority(env.Priority)
	msg := messages.New(topic, env.Payload, priority)
	if !valid {
		s.log.Warn("unexpected priority level, falling back to normal",
			slogx.Module(name), slog.Int64("raw_priority", env.Priority))
		msg = msg.WithCoerced()
	}
	return inbox.AcceptMessage(msg)
}
