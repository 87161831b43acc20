package device

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/satindergrewal/duplex/internal/audio"
	"github.com/satindergrewal/duplex/internal/metrics"
	"github.com/satindergrewal/duplex/internal/queue"
)

// FileSource plays a recording as if it were a microphone, one frame per
// frame duration. It loops by default, crossfading the last frame into the
// first so the seam does not click.
type FileSource struct {
	path    string
	format  audio.Format
	loop    bool
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue   atomic.Pointer[queue.Queue[audio.Frame]]
	running atomic.Bool

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

var _ Source = (*FileSource)(nil)

// FileOption configures a FileSource.
type FileOption func(*FileSource)

// WithoutLoop makes the source go quiet after a single pass.
func WithoutLoop() FileOption { return func(s *FileSource) { s.loop = false } }

// WithFileLogger sets the source logger.
func WithFileLogger(l *slog.Logger) FileOption { return func(s *FileSource) { s.logger = l } }

// WithFileMetrics records produced frames.
func WithFileMetrics(m *metrics.Metrics) FileOption { return func(s *FileSource) { s.metrics = m } }

// NewFileSource reads path when started. ".raw" and ".pcm" files are taken
// as s16le in format f, ".wav" files are parsed directly when their shape
// matches f, and anything else is decoded with ffmpeg.
func NewFileSource(path string, f audio.Format, opts ...FileOption) *FileSource {
	s := &FileSource{path: path, format: f, loop: true, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.metrics = metrics.OrNop(s.metrics)
	s.logger = s.logger.With("component", "file_source", "path", path)
	return s
}

func (s *FileSource) Format() audio.Format { return s.format }

func (s *FileSource) SetQueue(q *queue.Queue[audio.Frame]) { s.queue.Store(q) }

// Start loads the file and begins pacing frames into the queue.
func (s *FileSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil
	}
	q := s.queue.Load()
	if q == nil {
		return ErrNoQueue
	}

	samples, err := loadSamples(s.path, s.format)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return fmt.Errorf("%s: no audio", s.path)
	}
	s.logger.Info("file source started",
		"duration", time.Duration(len(samples)/s.format.Channels)*time.Second/time.Duration(s.format.SampleRate),
		"loop", s.loop)

	s.stop = make(chan struct{})
	s.running.Store(true)
	s.wg.Add(1)
	go s.readLoop(q, samples, s.stop)
	return nil
}

// Stop halts the pacing goroutine and waits for it.
func (s *FileSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	close(s.stop)
	s.wg.Wait()
	return nil
}

func (s *FileSource) readLoop(q *queue.Queue[audio.Frame], samples []int16, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.format.FrameDuration())
	defer ticker.Stop()

	r := frameReader{samples: samples, n: s.format.FrameSamples(), channels: s.format.Channels, loop: s.loop}
	for {
		select {
		case <-stop:
			return
		case <-q.Done():
			s.logger.Debug("queue shut down, file source idle")
			return
		case <-ticker.C:
		}

		frame, ok := r.next()
		if !ok {
			s.logger.Info("end of file")
			return
		}
		if q.Push(frame) {
			s.metrics.FramesCaptured.Inc()
		}
	}
}

// frameReader cuts a sample buffer into frames, wrapping at the end.
type frameReader struct {
	samples  []int16
	pos      int
	n        int
	channels int
	loop     bool
	done     bool
}

func (r *frameReader) next() (audio.Frame, bool) {
	if r.done {
		return nil, false
	}
	frame := make(audio.Frame, r.n)
	r.pos += copy(frame, r.samples[r.pos:])
	if r.pos < len(r.samples) {
		return frame, true
	}

	// A short tail is already zero padded.
	if !r.loop {
		r.done = true
		return frame, true
	}
	head := make([]int16, r.n)
	r.pos = copy(head, r.samples)
	if r.pos >= len(r.samples) {
		r.pos = 0
	}
	return audio.CrossfadeFrames(frame, head, r.channels), true
}

func loadSamples(path string, f audio.Format) ([]int16, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".raw", ".pcm":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return audio.BytesToSamples(data), nil
	case ".wav":
		samples, err := loadWAV(path, f)
		if err == nil {
			return samples, nil
		}
		if !errors.Is(err, errWAVShape) {
			return nil, err
		}
		// Resample or remix through ffmpeg.
	}

	return audio.DecodeFile(path, f)
}

var errWAVShape = errors.New("wav format differs from session format")

func loadWAV(path string, f audio.Format) ([]int16, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s: not a valid wav file", path)
	}
	if int(dec.SampleRate) != f.SampleRate || int(dec.NumChans) != f.Channels || dec.WavAudioFormat != 1 {
		return nil, errWAVShape
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return intBufferToPCM(buf, int(dec.BitDepth)), nil
}

// intBufferToPCM scales integer PCM of any common depth to 16 bits.
func intBufferToPCM(buf *goaudio.IntBuffer, depth int) []int16 {
	out := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		switch {
		case depth == 8:
			out[i] = int16((v - 128) << 8)
		case depth > 16:
			out[i] = int16(v >> (depth - 16))
		default:
			out[i] = int16(v)
		}
	}
	return out
}
