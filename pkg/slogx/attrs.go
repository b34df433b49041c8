// Package slogx holds the slog attribute helpers shared by the platform
// packages so every log line names topics, priorities and subscribers the
// same way.
package slogx

import (
	"log/slog"

	"github.com/casualjim/mals/messages"
)

const (
	// KeyLoggerName is the key naming the component that emitted a record.
	KeyLoggerName = "logger"
	// KeyTopic is the key for a message topic.
	KeyTopic = "topic"
	// KeyPriority is the key for a message priority.
	KeyPriority = "priority"
	// KeySubscriber is the key for a subscriber id.
	KeySubscriber = "subscriber"
	// KeyModule is the key for a task module name.
	KeyModule = "module"
)

// Error returns an attribute with the key "error" holding err's message.
// A nil error renders as an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// LoggerName returns an attribute naming the component that logs.
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}

func Topic(topic string) slog.Attr {
	return slog.String(KeyTopic, topic)
}

func Priority(p messages.Priority) slog.Attr {
	return slog.String(KeyPriority, p.String())
}

func Subscriber(id string) slog.Attr {
	return slog.String(KeySubscriber, id)
}

func Module(name string) slog.Attr {
	return slog.String(KeyModule, name)
}

// Message groups the identifying fields of msg. The payload is omitted.
func Message(msg messages.Message) slog.Attr {
	return slog.Group("message",
		slog.String(KeyTopic, msg.Topic()),
		slog.String(KeyPriority, msg.Priority().String()),
		slog.Uint64("sequence", msg.Sequence()),
	)
}
