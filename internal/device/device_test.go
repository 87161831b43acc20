package device

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gen2brain/malgo"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/satindergrewal/duplex/internal/audio"
	"github.com/satindergrewal/duplex/internal/queue"
)

func TestMain(m *testing.M) {
	// No sound card is assumed; the null backend ticks like real hardware.
	backends = []malgo.Backend{malgo.BackendNull}
	goleak.VerifyTestMain(m)
}

var small = audio.Format{SampleRate: 8000, Channels: 1, FrameSize: 80}

func le(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestFrameAssemblerSplitsPeriods(t *testing.T) {
	a := newFrameAssembler(audio.Format{SampleRate: 8000, Channels: 1, FrameSize: 3})
	var got []audio.Frame
	emit := func(f audio.Frame) { got = append(got, f) }

	a.write(le(1, 2), emit)
	assert.Empty(t, got)
	a.write(le(3, 4, 5, 6, 7), emit)
	require.Len(t, got, 2)
	assert.Equal(t, audio.Frame{1, 2, 3}, got[0])
	assert.Equal(t, audio.Frame{4, 5, 6}, got[1])
	assert.Equal(t, 2, a.ring.Length(), "one sample left over")

	a.reset()
	a.write(le(8, 9, 10), emit)
	require.Len(t, got, 3)
	assert.Equal(t, audio.Frame{8, 9, 10}, got[2])
}

func TestFrameAssemblerLargePeriod(t *testing.T) {
	a := newFrameAssembler(small)
	count := 0
	// Ten frames in one callback, larger than the ring itself.
	a.write(make([]byte, small.FrameBytes()*10), func(f audio.Frame) {
		assert.Len(t, f, small.FrameSamples())
		count++
	})
	assert.Equal(t, 10, count)
	assert.Zero(t, a.ring.Length())
}

func TestFrameAssemblerFramesAreIndependent(t *testing.T) {
	a := newFrameAssembler(audio.Format{SampleRate: 8000, Channels: 2, FrameSize: 1})
	var got []audio.Frame
	a.write(le(1, 2, 3, 4), func(f audio.Frame) { got = append(got, f) })
	got[0][0] = 99
	assert.Equal(t, audio.Frame{3, 4}, got[1])
}

// tiny frames hold 4 samples in 8 bytes.
var tiny = audio.Format{SampleRate: 48000, Channels: 2, FrameSize: 2}

func TestFrameDrainerShapes(t *testing.T) {
	q := queue.New[audio.Frame]()
	d := newFrameDrainer(tiny)
	out := make([]byte, 8)

	// Empty queue gives silence.
	for i := range out {
		out[i] = 0xff
	}
	frames, short := d.fill(out, q)
	assert.Zero(t, frames)
	assert.True(t, short)
	assert.Equal(t, make([]byte, 8), out)

	// Short frame is padded to a whole frame.
	q.Push(audio.Frame{1, -1})
	frames, short = d.fill(out, q)
	assert.Equal(t, 1, frames)
	assert.False(t, short)
	assert.Equal(t, le(1, -1, 0, 0), out)

	// Long frame is truncated.
	q.Push(audio.Frame{5, 6, 7, 8, 9, 10})
	_, short = d.fill(out, q)
	assert.False(t, short)
	assert.Equal(t, le(5, 6, 7, 8), out)
	assert.Zero(t, d.ring.Length())

	frames, short = d.fill(out, nil)
	assert.Zero(t, frames)
	assert.True(t, short)
	assert.Equal(t, make([]byte, 8), out)
}

func TestFrameDrainerDoublePeriod(t *testing.T) {
	q := queue.New[audio.Frame]()
	d := newFrameDrainer(tiny)
	q.Push(audio.Frame{1000, 1000, 1000, 1000})
	q.Push(audio.Frame{2000, 2000, 2000, 2000})

	out := make([]byte, 16)
	frames, short := d.fill(out, q)
	assert.Equal(t, 2, frames)
	assert.False(t, short)
	assert.Equal(t, le(1000, 1000, 1000, 1000, 2000, 2000, 2000, 2000), out)
	assert.Zero(t, q.Len())
}

func TestFrameDrainerHalfPeriod(t *testing.T) {
	q := queue.New[audio.Frame]()
	d := newFrameDrainer(tiny)
	q.Push(audio.Frame{1, 2, 3, 4})

	out := make([]byte, 4)
	frames, short := d.fill(out, q)
	assert.Equal(t, 1, frames)
	assert.False(t, short)
	assert.Equal(t, le(1, 2), out)

	// The tail of the frame plays on the next callback.
	frames, short = d.fill(out, q)
	assert.Zero(t, frames)
	assert.False(t, short)
	assert.Equal(t, le(3, 4), out)

	_, short = d.fill(out, q)
	assert.True(t, short)
	assert.Equal(t, make([]byte, 4), out)
}

func TestFrameDrainerUnevenPeriod(t *testing.T) {
	q := queue.New[audio.Frame]()
	d := newFrameDrainer(tiny)
	q.Push(audio.Frame{1, 2, 3, 4})
	q.Push(audio.Frame{5, 6, 7, 8})

	out := make([]byte, 12)
	frames, short := d.fill(out, q)
	assert.Equal(t, 2, frames)
	assert.False(t, short)
	assert.Equal(t, le(1, 2, 3, 4, 5, 6), out)

	// Leftover plays first, then silence pads the underrun.
	frames, short = d.fill(out, q)
	assert.Zero(t, frames)
	assert.True(t, short)
	assert.Equal(t, le(7, 8, 0, 0, 0, 0), out)
}

func TestFrameDrainerPlaysTailAfterShutdown(t *testing.T) {
	q := queue.New[audio.Frame]()
	d := newFrameDrainer(tiny)
	q.Push(audio.Frame{1, 2, 3, 4})

	out := make([]byte, 4)
	d.fill(out, q)
	q.Shutdown()
	_, short := d.fill(out, q)
	assert.False(t, short)
	assert.Equal(t, le(3, 4), out)
}

func TestFrameDrainerResetDropsTail(t *testing.T) {
	q := queue.New[audio.Frame]()
	d := newFrameDrainer(tiny)
	q.Push(audio.Frame{1, 2, 3, 4})

	out := make([]byte, 4)
	d.fill(out, q)
	d.reset()
	_, short := d.fill(out, q)
	assert.True(t, short)
	assert.Equal(t, make([]byte, 4), out)
}

func TestFrameReaderPadsWithoutLoop(t *testing.T) {
	r := frameReader{samples: []int16{1, 2, 3, 4, 5}, n: 2, channels: 1}
	var got []audio.Frame
	for {
		f, ok := r.next()
		if !ok {
			break
		}
		got = append(got, f)
	}
	assert.Equal(t, []audio.Frame{{1, 2}, {3, 4}, {5, 0}}, got)
}

func TestFrameReaderLoops(t *testing.T) {
	r := frameReader{samples: []int16{1000, 2000, 3000, 4000, 5000, 6000}, n: 4, channels: 1, loop: true}

	f, ok := r.next()
	require.True(t, ok)
	assert.Equal(t, audio.Frame{1000, 2000, 3000, 4000}, f)

	// The seam starts on the tail and ends on the head.
	seam, ok := r.next()
	require.True(t, ok)
	require.Len(t, seam, 4)
	assert.Equal(t, int16(5000), seam[0])
	assert.Equal(t, int16(4000), seam[3])
	assert.Equal(t, 4, r.pos)

	f, ok = r.next()
	require.True(t, ok)
	assert.Equal(t, int16(5000), f[0])
}

func TestFrameReaderLoopsShortFile(t *testing.T) {
	r := frameReader{samples: []int16{7, 7}, n: 4, channels: 1, loop: true}
	for range 5 {
		f, ok := r.next()
		require.True(t, ok)
		assert.Len(t, f, 4)
		assert.Equal(t, 0, r.pos)
	}
}

func TestFileSourceRaw(t *testing.T) {
	samples := make([]int16, small.FrameSamples()*3)
	for i := range samples {
		samples[i] = int16(i)
	}
	path := filepath.Join(t.TempDir(), "tone.raw")
	require.NoError(t, os.WriteFile(path, audio.SamplesToBytes(samples), 0o644))

	src := NewFileSource(path, small, WithoutLoop())
	require.ErrorIs(t, src.Start(), ErrNoQueue)

	q := queue.New[audio.Frame]()
	src.SetQueue(q)
	require.NoError(t, src.Start())
	defer src.Stop()

	for i := range 3 {
		f, status := q.PopTimeout(time.Second)
		require.Equal(t, queue.Popped, status)
		require.Len(t, f, small.FrameSamples())
		assert.Equal(t, int16(i*small.FrameSamples()), f[0])
	}
	_, status := q.PopTimeout(3 * small.FrameDuration())
	assert.Equal(t, queue.TimedOut, status)
}

func TestFileSourceStopsOnQueueShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.pcm")
	require.NoError(t, os.WriteFile(path, make([]byte, small.FrameBytes()), 0o644))

	q := queue.New[audio.Frame]()
	src := NewFileSource(path, small)
	src.SetQueue(q)
	require.NoError(t, src.Start())

	_, status := q.PopTimeout(time.Second)
	require.Equal(t, queue.Popped, status)
	q.Shutdown()
	require.NoError(t, src.Stop())
	require.NoError(t, src.Stop())
}

func TestFileSourceMissingFile(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "nope.raw"), small)
	src.SetQueue(queue.New[audio.Frame]())
	assert.Error(t, src.Start())
	assert.NoError(t, src.Stop())
}

func writeWAV(t *testing.T, path string, rate, depth, channels int, data []int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, rate, depth, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: depth,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
}

func TestLoadWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	writeWAV(t, path, small.SampleRate, 16, small.Channels, []int{0, 100, -100, 32767})

	samples, err := loadSamples(path, small)
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 100, -100, 32767}, samples)

	_, err = loadWAV(path, audio.DefaultFormat())
	assert.ErrorIs(t, err, errWAVShape)
}

func TestIntBufferToPCM(t *testing.T) {
	buf := &goaudio.IntBuffer{Data: []int{0x7fff00, -0x800000}}
	assert.Equal(t, []int16{0x7fff, -0x8000}, intBufferToPCM(buf, 24))

	buf = &goaudio.IntBuffer{Data: []int{128, 255, 0}}
	assert.Equal(t, []int16{0, 127 << 8, -128 << 8}, intBufferToPCM(buf, 8))
}

func TestNull(t *testing.T) {
	n := NewNull(small)
	assert.ErrorIs(t, n.Start(), ErrNoQueue)
	n.SetQueue(queue.New[audio.Frame]())
	require.NoError(t, n.Start())
	assert.True(t, n.Running())
	require.NoError(t, n.Stop())
	assert.False(t, n.Running())
	assert.Equal(t, small, n.Format())
}

func nullBackend(t *testing.T) {
	t.Helper()
	_, err := acquireContext(discard)
	if err != nil {
		t.Skipf("null audio backend unavailable: %v", err)
	}
	require.NoError(t, releaseContext())
}

func TestContextRefcount(t *testing.T) {
	nullBackend(t)

	a, err := acquireContext(discard)
	require.NoError(t, err)
	b, err := acquireContext(discard)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 2, contextRefs())

	require.NoError(t, releaseContext())
	assert.Equal(t, 1, contextRefs())
	require.NoError(t, releaseContext())
	assert.Equal(t, 0, contextRefs())
	require.NoError(t, releaseContext())
	assert.Equal(t, 0, contextRefs())
}

func TestCaptureAndPlaybackOnNullBackend(t *testing.T) {
	nullBackend(t)

	in := queue.New[audio.Frame]()
	out := queue.New[audio.Frame]()
	c := NewCapture(small, WithLogger(discard))
	p := NewPlayback(small, WithLogger(discard))

	require.ErrorIs(t, c.Start(), ErrNoQueue)
	c.SetQueue(in)
	p.SetQueue(out)
	require.NoError(t, c.Start())
	require.NoError(t, p.Start())
	assert.Equal(t, 1, contextRefs())
	require.NoError(t, c.Start())

	f, status := in.PopTimeout(2 * time.Second)
	require.Equal(t, queue.Popped, status)
	assert.Len(t, f, small.FrameSamples())

	require.Eventually(t, func() bool { return p.Underruns() > 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop())
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	assert.Equal(t, 0, contextRefs())
}

func TestFindDeviceDefault(t *testing.T) {
	info, err := findDevice(nil, malgo.Capture, "")
	assert.NoError(t, err)
	assert.Nil(t, info)
	info, err = findDevice(nil, malgo.Playback, "default")
	assert.NoError(t, err)
	assert.Nil(t, info)
}
