package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/itohio/enose/pkg/bridge"
	"github.com/itohio/enose/pkg/config"
	"github.com/itohio/enose/pkg/device"
	"github.com/itohio/enose/pkg/engine"
	"github.com/itohio/enose/pkg/filter"
	"github.com/itohio/enose/pkg/logging"
	"github.com/itohio/enose/pkg/metrics"
	"github.com/itohio/enose/pkg/stream"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Acquire from the device and stream to clients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			level, err := logging.ParseLevel(cfg.Log.Level)
			if err != nil {
				return err
			}
			logger, err := logging.New(os.Stderr, cfg.Log.Format, level)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m := metrics.New()
	clk := clockwork.NewRealClock()

	durations, err := cfg.Durations()
	if err != nil {
		return err
	}
	proc, err := filter.FromConfig(cfg, clk)
	if err != nil {
		return err
	}

	hub := stream.NewHub(stream.HubOptions{
		QueueSize:     cfg.Server.ClientQueue,
		HistoryWindow: cfg.Server.HistoryWindow,
		HistoryPoints: cfg.Server.HistoryPoints,
		Metrics:       m,
		Logger:        logger,
	})
	defer hub.Close()

	var dial device.Dialer
	if cfg.Mock.Enabled {
		logger.Info("using mock device")
		dial = device.MockDialer(&cfg.Mock)
	} else {
		dial = device.SerialDialer(cfg, m.DeviceHooks(), logger)
	}
	link := device.NewLink(dial, device.BackoffFromConfig(cfg.Device), cfg.Device.BufferSize, logger)

	eng, err := engine.New(engine.Options{
		Durations:        durations,
		Processor:        proc,
		Hub:              hub,
		Device:           link,
		EchoStage:        cfg.Device.EchoStage,
		SamplingCommands: cfg.Device.SamplingCommands,
		StatusInterval:   cfg.Server.StatusInterval,
		Clock:            clk,
		Metrics:          m,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	// Binding the listeners is the only process-fatal step.
	srv := stream.NewServer(net.JoinHostPort(cfg.Server.ListenAddress, strconv.Itoa(cfg.NetworkPort)), hub, eng, logger)
	if err := srv.Listen(); err != nil {
		return err
	}

	var httpSrv *http.Server
	var httpListener net.Listener
	if cfg.Server.HTTPAddr != "" {
		httpListener, err = net.Listen("tcp", cfg.Server.HTTPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.HTTPAddr, err)
		}
		httpSrv = &http.Server{
			Handler:           stream.NewHTTPHandler(hub, eng, m, cfg.Server.WebSocketPath, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		logger.Info("http server listening", "addr", httpListener.Addr().String(), "websocket", cfg.Server.WebSocketPath)
	}

	bridges, err := startBridges(ctx, cfg.Bridge, m, logger)
	if err != nil {
		if httpListener != nil {
			httpListener.Close()
		}
		return err
	}
	for _, b := range bridges {
		hub.AddSink(b)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := link.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return eng.Run(gctx, link.Events())
	})
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	for _, b := range bridges {
		b := b
		g.Go(func() error {
			return b.Run(gctx)
		})
	}
	if httpSrv != nil {
		g.Go(func() error {
			if err := httpSrv.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			// Closing the hub ends the websocket writers so Shutdown can finish.
			hub.Close()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(sctx)
		})
	}

	logger.Info("enose started", "network_port", cfg.NetworkPort, "mock", cfg.Mock.Enabled)
	err = g.Wait()
	logger.Info("enose stopped")
	return err
}

func startBridges(ctx context.Context, cfg config.BridgeConfig, m *metrics.Metrics, logger *slog.Logger) ([]*bridge.Bridge, error) {
	var out []*bridge.Bridge

	if cfg.MQTT.Enabled {
		pub, err := bridge.DialMQTT(ctx, cfg.MQTT, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, bridge.New("mqtt", pub, cfg.MQTT.Queue, m, logger))
		logger.Info("mqtt bridge enabled", "topic", cfg.MQTT.Topic)
	}

	if cfg.NATS.Enabled {
		pub, err := bridge.DialNATS(cfg.NATS, logger)
		if err != nil {
			for _, b := range out {
				b.Close()
			}
			return nil, err
		}
		out = append(out, bridge.New("nats", pub, cfg.NATS.Queue, m, logger))
		logger.Info("nats bridge enabled", "subject", cfg.NATS.Subject)
	}

	return out, nil
}
