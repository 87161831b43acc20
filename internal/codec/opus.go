// Package codec is the compression boundary of the pipeline: an Opus
// encoder and decoder pair bound to one session format.
package codec

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/hraban/opus.v2"

	"github.com/satindergrewal/duplex/internal/audio"
)

var (
	// ErrFrameSize is returned when a PCM frame does not match the session frame.
	ErrFrameSize = errors.New("codec: frame size mismatch")
	// ErrEmptyPacket is returned for zero-length input or output packets.
	ErrEmptyPacket = errors.New("codec: empty packet")
)

// Application selects the Opus tuning profile.
type Application string

const (
	AppVoIP     Application = "voip"
	AppAudio    Application = "audio"
	AppLowDelay Application = "lowdelay"
)

func (a Application) opus() (opus.Application, error) {
	switch Application(strings.ToLower(string(a))) {
	case AppVoIP, "":
		return opus.AppVoIP, nil
	case AppAudio:
		return opus.AppAudio, nil
	case AppLowDelay:
		return opus.AppRestrictedLowdelay, nil
	}
	return 0, fmt.Errorf("codec: unknown application %q", string(a))
}

// Config holds encoder tuning. An empty Application selects AppVoIP and a
// zero Bitrate selects DefaultBitrate. Complexity is used as given, so zero
// is the cheapest encoder setting; start from DefaultConfig for the usual one.
type Config struct {
	Application Application
	Bitrate     int // bits per second
	Complexity  int // 0-10
}

const (
	DefaultBitrate    = 20000
	DefaultComplexity = 8
)

// DefaultConfig is the voice setting: VoIP, 20 kbit/s, complexity 8.
func DefaultConfig() Config {
	return Config{Application: AppVoIP, Bitrate: DefaultBitrate, Complexity: DefaultComplexity}
}

// Opus encodes and decodes frames of a fixed format. The encoder and the
// decoder each keep their own history, so Encode must only be called from
// one goroutine at a time, and likewise Decode.
type Opus struct {
	format audio.Format
	enc    *opus.Encoder
	dec    *opus.Decoder

	encBuf []byte
	decBuf []int16
}

// New creates an Opus codec for the given format.
func New(f audio.Format, cfg Config) (*Opus, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	app, err := cfg.Application.opus()
	if err != nil {
		return nil, err
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = DefaultBitrate
	}

	enc, err := opus.NewEncoder(f.SampleRate, f.Channels, app)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	if err := enc.SetBitrate(cfg.Bitrate); err != nil {
		return nil, fmt.Errorf("codec: set bitrate %d: %w", cfg.Bitrate, err)
	}
	if err := enc.SetComplexity(cfg.Complexity); err != nil {
		return nil, fmt.Errorf("codec: set complexity %d: %w", cfg.Complexity, err)
	}

	dec, err := opus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}

	return &Opus{
		format: f,
		enc:    enc,
		dec:    dec,
		encBuf: make([]byte, audio.MaxPacketSize),
		decBuf: make([]int16, f.FrameSamples()),
	}, nil
}

// Format returns the session format the codec was built for.
func (c *Opus) Format() audio.Format {
	return c.format
}

// Encode compresses one frame. The returned packet is a fresh slice owned by
// the caller and is never empty on success.
func (c *Opus) Encode(frame audio.Frame) (audio.Packet, error) {
	if len(frame) != c.format.FrameSamples() {
		return nil, fmt.Errorf("%w: got %d samples, want %d", ErrFrameSize, len(frame), c.format.FrameSamples())
	}
	n, err := c.enc.Encode(frame, c.encBuf)
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode: %w", err)
	}
	if n <= 0 {
		return nil, ErrEmptyPacket
	}
	pkt := make(audio.Packet, n)
	copy(pkt, c.encBuf[:n])
	return pkt, nil
}

// Decode decompresses one packet into a fresh frame holding exactly the
// samples the decoder produced.
func (c *Opus) Decode(pkt audio.Packet) (audio.Frame, error) {
	if len(pkt) == 0 {
		return nil, ErrEmptyPacket
	}
	n, err := c.dec.Decode(pkt, c.decBuf)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decode: %w", err)
	}
	samples := n * c.format.Channels
	frame := make(audio.Frame, samples)
	copy(frame, c.decBuf[:samples])
	return frame, nil
}
