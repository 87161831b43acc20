package device

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"golang.org/x/time/rate"

	"github.com/satindergrewal/duplex/internal/audio"
	"github.com/satindergrewal/duplex/internal/metrics"
	"github.com/satindergrewal/duplex/internal/queue"
)

// Option configures a hardware device.
type Option func(*hw)

// WithDeviceName selects the first backend device whose name contains name.
func WithDeviceName(name string) Option {
	return func(h *hw) { h.name = name }
}

// WithLogger sets the device logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *hw) { h.logger = l }
}

// WithMetrics records callback activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *hw) { h.metrics = m }
}

// hw is the state shared by Capture and Playback.
type hw struct {
	kind    malgo.DeviceType
	format  audio.Format
	name    string
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue   atomic.Pointer[queue.Queue[audio.Frame]]
	running atomic.Bool
	warn    rate.Sometimes

	mu     sync.Mutex
	device *malgo.Device
}

func newHW(kind malgo.DeviceType, f audio.Format, opts []Option) *hw {
	h := &hw{
		kind:   kind,
		format: f,
		logger: slog.Default(),
		warn:   rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	for _, o := range opts {
		o(h)
	}
	h.metrics = metrics.OrNop(h.metrics)
	return h
}

func (h *hw) Format() audio.Format { return h.format }

func (h *hw) SetQueue(q *queue.Queue[audio.Frame]) { h.queue.Store(q) }

func (h *hw) start(data malgo.DataProc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running.Load() {
		return nil
	}
	if h.queue.Load() == nil {
		return ErrNoQueue
	}

	ctx, err := acquireContext(h.logger)
	if err != nil {
		return err
	}
	dev, err := h.open(ctx, data)
	if err != nil {
		releaseContext() //nolint:errcheck
		return err
	}
	h.running.Store(true)
	if err := dev.Start(); err != nil {
		h.running.Store(false)
		dev.Uninit()
		releaseContext() //nolint:errcheck
		return fmt.Errorf("start %s device: %w", h.kindName(), err)
	}
	h.device = dev
	h.logger.Info("audio device started", "format", h.format.String())
	return nil
}

func (h *hw) open(ctx *malgo.AllocatedContext, data malgo.DataProc) (*malgo.Device, error) {
	cfg := malgo.DefaultDeviceConfig(h.kind)
	cfg.SampleRate = uint32(h.format.SampleRate)
	cfg.PeriodSizeInFrames = uint32(h.format.FrameSize)
	cfg.Alsa.NoMMap = 1

	info, err := findDevice(ctx, h.kind, h.name)
	if err != nil {
		return nil, err
	}
	switch h.kind {
	case malgo.Capture:
		cfg.Capture.Format = malgo.FormatS16
		cfg.Capture.Channels = uint32(h.format.Channels)
		if info != nil {
			cfg.Capture.DeviceID = info.ID.Pointer()
		}
	default:
		cfg.Playback.Format = malgo.FormatS16
		cfg.Playback.Channels = uint32(h.format.Channels)
		if info != nil {
			cfg.Playback.DeviceID = info.ID.Pointer()
		}
	}

	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: data,
		Stop: h.onStop,
	})
	if err != nil {
		return nil, fmt.Errorf("init %s device: %w", h.kindName(), err)
	}
	return dev, nil
}

// onStop fires on the backend thread for both requested and unexpected stops.
func (h *hw) onStop() {
	if h.running.Load() {
		h.logger.Warn("audio device stopped unexpectedly")
	}
}

func (h *hw) stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running.CompareAndSwap(true, false) {
		return nil
	}
	dev := h.device
	h.device = nil

	var err error
	if dev != nil {
		if serr := dev.Stop(); serr != nil {
			err = fmt.Errorf("stop %s device: %w", h.kindName(), serr)
		}
		dev.Uninit()
	}
	if rerr := releaseContext(); rerr != nil && err == nil {
		err = rerr
	}
	h.logger.Info("audio device stopped")
	return err
}

func (h *hw) kindName() string {
	if h.kind == malgo.Capture {
		return "capture"
	}
	return "playback"
}

// Capture reads microphone input and pushes whole frames into its queue.
type Capture struct {
	*hw
	asm *frameAssembler
}

var _ Source = (*Capture)(nil)

// NewCapture creates an input device producing frames of f.
func NewCapture(f audio.Format, opts ...Option) *Capture {
	c := &Capture{hw: newHW(malgo.Capture, f, opts), asm: newFrameAssembler(f)}
	c.logger = c.logger.With("component", "capture")
	return c
}

// Start opens the input device. It is a no-op when already running.
func (c *Capture) Start() error { return c.start(c.onData) }

// Stop closes the input device and discards any partial frame.
func (c *Capture) Stop() error {
	err := c.stop()
	c.asm.reset()
	return err
}

func (c *Capture) onData(_, in []byte, _ uint32) {
	if !c.running.Load() {
		return
	}
	q := c.queue.Load()
	if q == nil {
		c.metrics.FramesDropped.WithLabelValues(metrics.DropNoQueue).Inc()
		c.warn.Do(func() { c.logger.Warn("capture has no queue, dropping input") })
		return
	}
	if q.IsShuttingDown() {
		return
	}
	c.asm.write(in, func(f audio.Frame) {
		if q.Push(f) {
			c.metrics.FramesCaptured.Inc()
		}
	})
}

// Playback drains its queue into the output device. A callback takes as many
// frames as its period needs and never waits for one.
type Playback struct {
	*hw
	drain     *frameDrainer
	underruns atomic.Uint64
}

var _ Sink = (*Playback)(nil)

// NewPlayback creates an output device consuming frames of f.
func NewPlayback(f audio.Format, opts ...Option) *Playback {
	p := &Playback{hw: newHW(malgo.Playback, f, opts), drain: newFrameDrainer(f)}
	p.logger = p.logger.With("component", "playback")
	return p
}

// Start opens the output device. It is a no-op when already running.
func (p *Playback) Start() error { return p.start(p.onData) }

// Stop closes the output device and discards any unplayed frame tail.
func (p *Playback) Stop() error {
	err := p.stop()
	p.drain.reset()
	return err
}

// Underruns counts callbacks that ran out of audio before filling their period.
func (p *Playback) Underruns() uint64 { return p.underruns.Load() }

func (p *Playback) onData(out, _ []byte, _ uint32) {
	if !p.running.Load() {
		clear(out)
		return
	}
	frames, short := p.drain.fill(out, p.queue.Load())
	if frames > 0 {
		p.metrics.FramesPlayed.Add(float64(frames))
	}
	if !short {
		return
	}
	p.underruns.Add(1)
	p.metrics.Underruns.Inc()
}
