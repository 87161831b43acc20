// Package device is the audio I/O boundary of the pipeline. A Source pushes
// fixed-size PCM frames into a queue from a driver callback; a Sink pulls
// them back out from another. Neither ever blocks inside a callback.
package device

import (
	"encoding/binary"
	"errors"

	"github.com/smallnest/ringbuffer"

	"github.com/satindergrewal/duplex/internal/audio"
	"github.com/satindergrewal/duplex/internal/queue"
)

// ErrNoQueue is returned by Start when no queue has been wired.
var ErrNoQueue = errors.New("device: queue not set")

// Device is the lifecycle shared by sources and sinks.
type Device interface {
	// Start begins delivering callbacks. It fails when the device is
	// unavailable or no queue has been set.
	Start() error
	// Stop halts callbacks. It is safe to call on a stopped device.
	Stop() error
	// Format is the PCM shape the device produces or consumes.
	Format() audio.Format
}

// Source produces frames of exactly Format().FrameSamples() samples.
type Source interface {
	Device
	SetQueue(q *queue.Queue[audio.Frame])
}

// Sink consumes frames, padding short ones with silence and truncating long ones.
type Sink interface {
	Device
	SetQueue(q *queue.Queue[audio.Frame])
}

// frameAssembler slices a stream of s16le bytes into whole frames. Drivers
// are free to deliver periods that are not a multiple of the frame size.
type frameAssembler struct {
	ring  *ringbuffer.RingBuffer
	frame []byte
}

func newFrameAssembler(f audio.Format) *frameAssembler {
	return &frameAssembler{
		ring:  ringbuffer.New(f.FrameBytes() * 4),
		frame: make([]byte, f.FrameBytes()),
	}
}

// write buffers raw and calls emit once per completed frame. The ring is
// drained below one frame after every write, so each write makes progress.
func (a *frameAssembler) write(raw []byte, emit func(audio.Frame)) {
	for len(raw) > 0 {
		n, _ := a.ring.Write(raw)
		raw = raw[n:]
		for a.ring.Length() >= len(a.frame) {
			if _, err := a.ring.Read(a.frame); err != nil {
				return
			}
			emit(audio.Frame(audio.BytesToSamples(a.frame)))
		}
	}
}

func (a *frameAssembler) reset() {
	a.ring.Reset()
}

// frameDrainer is the playback counterpart of frameAssembler. It spreads
// queued frames across driver periods of any length, carrying the unplayed
// tail of a frame into the next callback.
type frameDrainer struct {
	ring  *ringbuffer.RingBuffer
	frame []byte
}

func newFrameDrainer(f audio.Format) *frameDrainer {
	return &frameDrainer{
		ring:  ringbuffer.New(f.FrameBytes()),
		frame: make([]byte, f.FrameBytes()),
	}
}

// fill writes s16le audio into out, popping as many frames as it takes
// without waiting. Short frames are padded and long ones truncated to the
// frame size. Whatever the queue cannot supply is silence. It returns the
// number of frames popped and whether out ran short.
func (d *frameDrainer) fill(out []byte, q *queue.Queue[audio.Frame]) (frames int, underrun bool) {
	filled := 0
	for filled < len(out) {
		if d.ring.Length() == 0 {
			if q == nil {
				break
			}
			frame, ok := q.TryPop()
			if !ok {
				break
			}
			frames++
			d.load(frame)
		}
		n, err := d.ring.Read(out[filled:])
		if err != nil {
			break
		}
		filled += n
	}
	clear(out[filled:])
	return frames, filled < len(out)
}

// load stages one frame into the empty ring.
func (d *frameDrainer) load(frame audio.Frame) {
	n := min(len(frame), len(d.frame)/2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(d.frame[i*2:], uint16(frame[i]))
	}
	clear(d.frame[n*2:])
	_, _ = d.ring.Write(d.frame)
}

func (d *frameDrainer) reset() {
	d.ring.Reset()
}
