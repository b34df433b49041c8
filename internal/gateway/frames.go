package gateway

import (
	"errors"
	"fmt"

	"github.com/casualjim/mals/internal/broker"
	"github.com/casualjim/mals/internal/taskmodule"
	"github.com/casualjim/mals/messages"
	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

var (
	// ErrMalformedFrame is returned for frames that are neither an envelope
	// nor a control frame.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownModule is reported when a frame targets a module that is not
	// registered.
	ErrUnknownModule = errors.New("unknown module")
	// ErrUnknownEndpoint is reported to clients connecting to a path the
	// gateway does not serve.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	// ErrUnknownOp is reported for control frames with an unsupported op.
	ErrUnknownOp = errors.New("unknown op")
	// ErrConnectionClosed is returned when delivering to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned when a connection cannot keep up.
	ErrSendBufferFull = errors.New("send buffer full")
)

const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

type controlFrame struct {
	Op    string `json:"op"`
	Topic string `json:"topic"`
}

type ackFrame struct {
	Op      string `json:"op"`
	Topic   string `json:"topic"`
	Changed bool   `json:"changed"`
}

type errorFrame struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// isControl reports whether data is a control frame rather than an envelope.
func isControl(data []byte) bool {
	return gjson.GetBytes(data, "op").Exists()
}

func decodeControl(data []byte) (controlFrame, error) {
	var cf controlFrame
	if err := json.Unmarshal(data, &cf); err != nil {
		return controlFrame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	switch cf.Op {
	case OpSubscribe, OpUnsubscribe:
		return cf, nil
	default:
		return controlFrame{}, fmt.Errorf("%w: %q", ErrUnknownOp, cf.Op)
	}
}

func encodeError(err error) []byte {
	data, merr := json.Marshal(errorFrame{Error: err.Error(), Code: errorCode(err)})
	if merr != nil {
		return []byte(`{"error":"internal error","code":"error"}`)
	}
	return data
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrMalformedFrame), errors.Is(err, messages.ErrMalformedEnvelope):
		return "malformed_frame"
	case errors.Is(err, ErrUnknownOp):
		return "unknown_op"
	case errors.Is(err, ErrUnknownModule):
		return "unknown_module"
	case errors.Is(err, ErrUnknownEndpoint):
		return "unknown_endpoint"
	case errors.Is(err, broker.ErrEmptyTopic):
		return "empty_topic"
	case errors.Is(err, broker.ErrStopped), errors.Is(err, taskmodule.ErrStopped):
		return "stopped"
	default:
		return "error"
	}
}
