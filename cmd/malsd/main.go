// Command malsd runs a broker with the websocket gateway and, when NATS_URL is
// set, a NATS bridge. It publishes the broker counters on platform/heartbeat.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casualjim/mals"
	"github.com/casualjim/mals/internal/config"
	"github.com/casualjim/mals/internal/gateway"
	"github.com/casualjim/mals/pkg/natsx"
	"github.com/casualjim/mals/pkg/slogx"
	_ "github.com/joho/godotenv/autoload"
	"github.com/nats-io/nats.go"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var log zerolog.Logger

func setupLogging(w io.Writer, level slog.Level) {
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp}
	log = zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: level}),
	))
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		setupLogging(os.Stderr, slog.LevelInfo)
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogging(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("malsd failed", slogx.Error(err))
		os.Exit(1)
	}
}

// run serves until ctx is cancelled. A nil listener listens on cfg.Addr().
func run(ctx context.Context, cfg config.Config, ln net.Listener) (err error) {
	if ln == nil {
		if ln, err = net.Listen("tcp", cfg.Addr()); err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Addr(), err)
		}
	}

	p := mals.New(mals.Name("malsd"), mals.MaxModules(cfg.MaxModules))
	if _, err := p.RegisterModule("heartbeat", &heartbeat{
		interval: heartbeatInterval,
		stats:    p.Broker().Stats,
	}); err != nil {
		_ = ln.Close()
		return err
	}

	srv := gateway.New(p.Broker(),
		gateway.SendBuffer(cfg.SendBuffer),
		gateway.Modules(func(name string) (gateway.Inbox, bool) {
			m, ok := p.Module(name)
			if !ok {
				return nil, false
			}
			return m, true
		}),
	)

	if err := p.Start(ctx); err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		err = errors.Join(err, p.Stop(stopCtx))
	}()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.NATSEnabled() {
		bridge, err := startBridge(cfg, p)
		if err != nil {
			_ = ln.Close()
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			return bridge.Close()
		})
	}
	g.Go(func() error { return srv.Serve(gctx, ln) })

	slog.Info("malsd running", slog.String("addr", ln.Addr().String()), slog.Bool("nats", cfg.NATSEnabled()))
	return g.Wait()
}

type natsBridge struct {
	*gateway.Bridge
	client *nats.Conn
}

func (b natsBridge) Close() error {
	return errors.Join(b.Bridge.Close(), b.client.Drain())
}

func startBridge(cfg config.Config, p *mals.Platform) (natsBridge, error) {
	nc, err := natsx.NewClient(cfg.NATSURL)
	if err != nil {
		return natsBridge{}, fmt.Errorf("connect nats: %w", err)
	}
	bridge := gateway.NewBridge(nc, p.Broker(), gateway.Prefix(cfg.NATSPrefix))
	if err := bridge.Start(); err != nil {
		nc.Close()
		return natsBridge{}, err
	}
	if err := bridge.Export(heartbeatTopic); err != nil {
		_ = bridge.Close()
		nc.Close()
		return natsBridge{}, err
	}
	return natsBridge{Bridge: bridge, client: nc}, nil
}
