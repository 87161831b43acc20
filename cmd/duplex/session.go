package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/satindergrewal/duplex/internal/device"
	"github.com/satindergrewal/duplex/internal/metrics"
	"github.com/satindergrewal/duplex/internal/monitor"
	"github.com/satindergrewal/duplex/internal/pipeline"
)

// runSession builds one pipeline from the loaded config and runs it until
// ctx is cancelled.
func runSession(ctx context.Context, a *app, network bool) error {
	cfg := a.cfg
	logger := a.logger
	f := cfg.Format()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var source device.Source
	if cfg.Audio.File != "" {
		source = device.NewFileSource(cfg.Audio.File, f, device.WithFileLogger(logger), device.WithFileMetrics(m))
	} else {
		source = device.NewCapture(f,
			device.WithDeviceName(cfg.Audio.Input), device.WithLogger(logger), device.WithMetrics(m))
	}
	sink := device.NewPlayback(f,
		device.WithDeviceName(cfg.Audio.Output), device.WithLogger(logger), device.WithMetrics(m))

	opts := []pipeline.Option{
		pipeline.WithSource(source),
		pipeline.WithSink(sink),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(m),
	}

	var (
		p   *pipeline.Pipeline
		mon *monitor.Server
	)
	if cfg.Monitor.Listen != "" {
		mon = monitor.New(f, func() pipeline.Status { return p.Status() }, reg, logger)
		opts = append(opts, pipeline.WithTap(mon.Tap))
	}

	p, err := pipeline.New(pipeline.Config{
		Format:     f,
		Codec:      cfg.CodecSettings(),
		Network:    network,
		LocalPort:  cfg.Net.LocalPort,
		RemoteHost: cfg.Net.RemoteHost,
		RemotePort: cfg.Net.RemotePort,
	}, opts...)
	if err != nil {
		return err
	}

	if mon != nil {
		if err := mon.Start(cfg.Monitor.Listen); err != nil {
			p.Stop()
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mon.Shutdown(shutdownCtx); err != nil {
				logger.Warn("monitor shutdown", "error", err)
			}
		}()
	}

	logger.Info("duplex running, press Ctrl-C to stop")
	if err := p.Run(ctx); err != nil {
		return err
	}

	st := p.Status()
	if st.Transport != nil {
		logger.Info("call ended", "stats", st.Transport.String())
	}
	return nil
}
