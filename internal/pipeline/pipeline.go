// Package pipeline wires capture, codec, transport and playback into one
// voice session and owns its startup and shutdown order.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/satindergrewal/duplex/internal/audio"
	"github.com/satindergrewal/duplex/internal/codec"
	"github.com/satindergrewal/duplex/internal/device"
	"github.com/satindergrewal/duplex/internal/metrics"
	"github.com/satindergrewal/duplex/internal/queue"
	"github.com/satindergrewal/duplex/internal/transport"
)

// State is the session lifecycle. A stopped session cannot be restarted.
type State int32

const (
	StateConstructed State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Config describes one session. With Network false, encoded packets are
// fed straight back into the decoder.
type Config struct {
	Format     audio.Format
	Codec      codec.Config
	Network    bool
	LocalPort  int
	RemoteHost string
	RemotePort int
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithSource replaces the default hardware capture device.
func WithSource(s device.Source) Option { return func(p *Pipeline) { p.source = s } }

// WithSink replaces the default hardware playback device.
func WithSink(s device.Sink) Option { return func(p *Pipeline) { p.sink = s } }

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// WithTap receives every decoded frame before it is queued for playback.
// fn runs on the decode goroutine and must not block.
func WithTap(fn func(audio.Frame)) Option { return func(p *Pipeline) { p.tap = fn } }

// Pipeline is one running voice session.
//
//	source -> captured -> encode -> encoded -> send -> transport
//	transport -> incoming -> decode -> decoded -> sink
//
// In loopback mode encode pushes into incoming directly.
type Pipeline struct {
	cfg     Config
	session string
	logger  *slog.Logger
	metrics *metrics.Metrics
	tap     func(audio.Frame)

	codec  *codec.Opus
	source device.Source
	sink   device.Sink

	captured *queue.Queue[audio.Frame]
	encoded  *queue.Queue[audio.Packet]
	incoming *queue.Queue[audio.Packet]
	decoded  *queue.Queue[audio.Frame]

	loop      *transport.Loop
	transport *transport.Transport

	workers errgroup.Group
	state   atomic.Int32

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex
	stopOnce  sync.Once
	started  atomic.Int64

	warn rate.Sometimes
}

// New builds a session and starts its worker goroutines, which idle until
// audio arrives. Call Stop to release them. On error nothing is left running.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		cfg:      cfg,
		session:  uuid.NewString(),
		logger:   slog.Default(),
		captured: queue.New[audio.Frame](),
		encoded:  queue.New[audio.Packet](),
		incoming: queue.New[audio.Packet](),
		decoded:  queue.New[audio.Frame](),
		warn:     rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	p.metrics = metrics.OrNop(p.metrics)
	p.logger = p.logger.With("session", p.session)

	c, err := codec.New(cfg.Format, cfg.Codec)
	if err != nil {
		return nil, &SetupError{Stage: StageCodec, Err: err}
	}
	p.codec = c

	if p.source == nil {
		p.source = device.NewCapture(cfg.Format, device.WithLogger(p.logger), device.WithMetrics(p.metrics))
	}
	if p.sink == nil {
		p.sink = device.NewPlayback(cfg.Format, device.WithLogger(p.logger), device.WithMetrics(p.metrics))
	}
	p.source.SetQueue(p.captured)
	p.sink.SetQueue(p.decoded)

	if cfg.Network {
		if err := p.setupTransport(); err != nil {
			return nil, err
		}
		p.workers.Go(func() error {
			p.loop.Run()
			return nil
		})
		p.workers.Go(p.sendLoop)
	}
	p.workers.Go(p.encodeLoop)
	p.workers.Go(p.decodeLoop)

	p.logger.Info("session created", "mode", p.mode(), "format", cfg.Format.String())
	return p, nil
}

func (p *Pipeline) setupTransport() error {
	p.loop = transport.NewLoop()
	t := transport.New(p.loop, transport.WithLogger(p.logger), transport.WithMetrics(p.metrics))
	if err := t.Bind(p.cfg.LocalPort); err != nil {
		return &SetupError{Stage: StageTransport, Err: err}
	}
	if err := t.SetRemote(p.cfg.RemoteHost, p.cfg.RemotePort); err != nil {
		t.Stop()
		return &SetupError{Stage: StageTransport, Err: err}
	}
	t.SetIncomingQueue(p.incoming)
	p.transport = t
	return nil
}

// Start opens the audio devices and begins receiving. If either device
// fails the session is stopped and the error returned.
func (p *Pipeline) Start() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if !p.state.CompareAndSwap(int32(StateConstructed), int32(StateRunning)) {
		if p.State() == StateStopped {
			return ErrStopped
		}
		return nil
	}

	if err := p.source.Start(); err != nil {
		p.stopOnce.Do(p.shutdown)
		return &SetupError{Stage: StageSource, Err: err}
	}
	if err := p.sink.Start(); err != nil {
		p.stopOnce.Do(p.shutdown)
		return &SetupError{Stage: StageSink, Err: err}
	}
	if p.transport != nil {
		p.transport.StartReceive()
	}
	p.started.Store(time.Now().UnixNano())
	p.logger.Info("session running")
	return nil
}

// Run starts the session and blocks until ctx is cancelled, then stops it.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	p.Stop()
	return nil
}

// Stop tears the session down: queues first so every worker wakes, then
// the devices, then the network, then it joins every goroutine. It may be
// called more than once and from any goroutine. A Stop racing Start waits
// for Start to finish and then undoes it.
func (p *Pipeline) Stop() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	p.stopOnce.Do(p.shutdown)
}

func (p *Pipeline) shutdown() {
	p.state.Store(int32(StateStopped))

	p.captured.Shutdown()
	p.encoded.Shutdown()
	p.incoming.Shutdown()
	p.decoded.Shutdown()

	if err := p.source.Stop(); err != nil {
		p.logger.Warn("stop source", "error", err)
	}
	if err := p.sink.Stop(); err != nil {
		p.logger.Warn("stop sink", "error", err)
	}

	if p.transport != nil {
		p.transport.Stop()
		p.loop.Release()
		p.loop.Stop()
	}

	if err := p.workers.Wait(); err != nil {
		p.logger.Error("worker failed", "error", err)
	}
	if p.transport != nil {
		p.transport.Wait()
	}
	p.logger.Info("session stopped")
}

func (p *Pipeline) encodeLoop() error {
	want := p.cfg.Format.FrameSamples()
	depth := p.metrics.QueueDepth.WithLabelValues("captured")
	for {
		frame, ok := p.captured.Pop()
		if !ok {
			return nil
		}
		depth.Set(float64(p.captured.Len()))

		if len(frame) != want {
			p.drop(metrics.DropFrameSize, "captured frame has wrong size", "samples", len(frame), "want", want)
			continue
		}

		start := time.Now()
		pkt, err := p.codec.Encode(frame)
		p.metrics.EncodeDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			p.drop(metrics.DropEncodeError, "encode failed", "error", err)
			continue
		}
		p.metrics.FramesEncoded.Inc()

		if p.cfg.Network {
			p.encoded.Push(pkt)
		} else {
			p.incoming.Push(pkt)
		}
	}
}

func (p *Pipeline) decodeLoop() error {
	depth := p.metrics.QueueDepth.WithLabelValues("incoming")
	for {
		pkt, ok := p.incoming.Pop()
		if !ok {
			return nil
		}
		depth.Set(float64(p.incoming.Len()))

		start := time.Now()
		frame, err := p.codec.Decode(pkt)
		p.metrics.DecodeDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			p.drop(metrics.DropDecodeError, "decode failed", "bytes", len(pkt), "error", err)
			continue
		}
		p.metrics.FramesDecoded.Inc()

		if p.tap != nil {
			p.tap(frame)
		}
		p.decoded.Push(frame)
		p.metrics.QueueDepth.WithLabelValues("decoded").Set(float64(p.decoded.Len()))
	}
}

func (p *Pipeline) sendLoop() error {
	depth := p.metrics.QueueDepth.WithLabelValues("encoded")
	for {
		pkt, ok := p.encoded.Pop()
		if !ok {
			return nil
		}
		depth.Set(float64(p.encoded.Len()))
		p.transport.Send(pkt)
	}
}

// drop counts a discarded unit and logs it, throttled.
func (p *Pipeline) drop(reason, msg string, args ...any) {
	p.metrics.FramesDropped.WithLabelValues(reason).Inc()
	p.warn.Do(func() { p.logger.Warn(msg, args...) })
}

func (p *Pipeline) State() State { return State(p.state.Load()) }

func (p *Pipeline) Session() string { return p.session }

func (p *Pipeline) Format() audio.Format { return p.cfg.Format }

// Captured is the queue the source fills.
func (p *Pipeline) Captured() *queue.Queue[audio.Frame] { return p.captured }

// Decoded is the queue the sink drains.
func (p *Pipeline) Decoded() *queue.Queue[audio.Frame] { return p.decoded }

// Transport is nil in loopback mode.
func (p *Pipeline) Transport() *transport.Transport { return p.transport }
