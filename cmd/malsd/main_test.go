package main

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/casualjim/mals"
	"github.com/casualjim/mals/internal/config"
	"github.com/casualjim/mals/internal/taskmodule"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestSetupLogging(t *testing.T) {
	oldLogger := slog.Default()
	t.Cleanup(func() { slog.SetDefault(oldLogger) })

	var buf bytes.Buffer
	setupLogging(&buf, slog.LevelInfo)
	slog.Debug("hidden")
	slog.Info("visible", slog.String("topic", "sensors/temp"))

	out := buf.String()
	assert.Contains(t, out, "visible")
	assert.Contains(t, out, "sensors/temp")
	assert.NotContains(t, out, "hidden")
}

func TestRun(t *testing.T) {
	oldInterval := heartbeatInterval
	heartbeatInterval = 20 * time.Millisecond
	t.Cleanup(func() { heartbeatInterval = oldInterval })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := config.Config{MaxModules: 4, SendBuffer: 8}

	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, ln) }()

	url := "ws://" + ln.Addr().String() + "/topics/" + heartbeatTopic
	var ws *websocket.Conn
	require.Eventually(t, func() bool {
		var derr error
		ws, _, derr = websocket.DefaultDialer.Dial(url, nil)
		return derr == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	frame := gjson.ParseBytes(data)
	assert.Equal(t, heartbeatTopic, frame.Get("topic").String())
	assert.Equal(t, "UNIMPORTANT", frame.Get("level").String())
	assert.True(t, strings.HasPrefix(frame.Get("payload").String(), "{"))
	assert.True(t, gjson.Get(frame.Get("payload").String(), "published").Exists())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestHeartbeatStopsTickerOnError(t *testing.T) {
	h := &heartbeat{
		interval: 5 * time.Millisecond,
		stats:    func() mals.Stats { return mals.Stats{} },
	}
	// never attached, so every publish fails
	m, err := taskmodule.New("heartbeat", h)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.Setup(ctx, m))
	require.ErrorIs(t, h.Loop(ctx, m), taskmodule.ErrDetached)

	select {
	case <-h.ticker.C:
		t.Fatal("ticker still running after the loop failed")
	case <-time.After(50 * time.Millisecond):
	}
}
