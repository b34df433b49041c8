package main

import (
	"context"
	"time"

	"github.com/casualjim/mals"
	"github.com/casualjim/mals/messages"
	"github.com/goccy/go-json"
)

const heartbeatTopic = "platform/heartbeat"

var heartbeatInterval = 5 * time.Second

// heartbeat publishes the broker counters at a fixed interval.
type heartbeat struct {
	interval time.Duration
	stats    func() mals.Stats
	ticker   *time.Ticker
}

func (h *heartbeat) Setup(context.Context, *mals.Module) error {
	h.ticker = time.NewTicker(h.interval)
	return nil
}

// Loop ends the module on any error, so the ticker goes with it.
func (h *heartbeat) Loop(ctx context.Context, m *mals.Module) (err error) {
	defer func() {
		if err != nil {
			h.ticker.Stop()
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ticker.C:
	}

	payload, err := json.Marshal(h.stats())
	if err != nil {
		return err
	}
	return m.Publish(heartbeatTopic, string(payload), messages.Unimportant)
}
