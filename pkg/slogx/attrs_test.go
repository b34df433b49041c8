package slogx

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/casualjim/mals/messages"
	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestAttrs(t *testing.T) {
	assert.Equal(t, "boom", Error(errors.New("boom")).Value.String())
	assert.Equal(t, "", Error(nil).Value.String())
	assert.Equal(t, KeyLoggerName, LoggerName("broker").Key)
	assert.Equal(t, "CRITICAL", Priority(messages.Critical).Value.String())
}

func TestMessageAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	msg := messages.New("sensors/temp", "secret", messages.Important).WithSequence(9)
	logger.Info("delivered", Message(msg))

	out := buf.Bytes()
	assert.Equal(t, "sensors/temp", gjson.GetBytes(out, "message.topic").String())
	assert.Equal(t, "IMPORTANT", gjson.GetBytes(out, "message.priority").String())
	assert.Equal(t, int64(9), gjson.GetBytes(out, "message.sequence").Int())
	assert.NotContains(t, buf.String(), "secret")
}
