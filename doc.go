/*
Package mals is the messaging core of a control platform: a topic based,
priority ordered, in-memory broker that connects task modules and external
clients.

A publisher hands the broker a topic, a payload and one of four priorities.
The broker keeps a single delivery queue ordered by priority, with publish
order breaking ties, and a dispatcher that hands every message to the
subscribers registered for its topic at that moment. Task modules receive
messages in their own priority ordered inbox and drain it from their own
goroutine.

# Basic Usage

	p := mals.New(mals.Name("greenhouse"))

	_, err := p.RegisterModule("climate", mals.Funcs(
		func(ctx context.Context, m *mals.Module) error {
			return m.Subscribe("sensors/temp")
		},
		func(ctx context.Context, m *mals.Module) error {
			msg, err := m.Receive(ctx)
			if err != nil {
				return err
			}
			slog.Info("temperature", "value", msg.Payload())
			return nil
		},
	))
	if err != nil {
		// duplicate or invalid module
	}

	if err := p.Start(ctx); err != nil {
		// handle error
	}
	defer p.Stop(context.Background())

	p.Publish("sensors/temp", "23.5", messages.Important)

# Architecture

 1. Broker (internal/broker)
    - Delivery queue ordered by priority, then sequence
    - Subscription registry with copy on write snapshots per topic
    - One dispatcher goroutine; delivery failures stay with their subscriber

 2. Task modules (internal/taskmodule)
    - Created, Running and Stopped states
    - Setup once, then Loop until stopped
    - Scheduled through a Runner, an ants pool in the platform

 3. Gateway (internal/gateway)
    - Websocket endpoints for topics, modules and control frames
    - NATS bridge for the same envelopes

Stopping follows two fixed policies. The broker drains what it accepted and
rejects later publishes with broker.ErrStopped. A module discards what is
left in its inbox and reports the count through Module.Discarded.
*/
package mals
