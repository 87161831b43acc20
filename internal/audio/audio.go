package audio

import (
	"fmt"
	"time"
)

const (
	DefaultSampleRate = 48000
	DefaultChannels   = 2
	DefaultFrameSize  = 480 // samples per channel per 10ms frame
	BitDepth          = 16

	// MaxPacketSize bounds a single encoded packet and therefore a single datagram.
	MaxPacketSize = 4000
)

// Frame is one tick of interleaved PCM samples. Once pushed to a queue it
// belongs to the receiver and is never written again.
type Frame []int16

// Packet is one compressed frame. It travels as exactly one datagram.
type Packet []byte

// Format describes the PCM shape negotiated for a session.
type Format struct {
	SampleRate int
	Channels   int
	FrameSize  int // samples per channel
}

// DefaultFormat is 48kHz stereo in 10ms frames.
func DefaultFormat() Format {
	return Format{
		SampleRate: DefaultSampleRate,
		Channels:   DefaultChannels,
		FrameSize:  DefaultFrameSize,
	}
}

// FrameSamples is the interleaved sample count of one frame.
func (f Format) FrameSamples() int {
	return f.FrameSize * f.Channels
}

// FrameBytes is the size of one frame as s16le bytes.
func (f Format) FrameBytes() int {
	return f.FrameSamples() * 2
}

// FrameDuration is the wall-clock length of one frame.
func (f Format) FrameDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.FrameSize) * time.Second / time.Duration(f.SampleRate)
}

// Validate checks the format against what Opus accepts: one of its five
// sample rates, mono or stereo, and a 2.5/5/10/20/40/60 ms frame.
func (f Format) Validate() error {
	switch f.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("unsupported sample rate %d", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("unsupported channel count %d", f.Channels)
	}
	// Frame size in units of 2.5ms at this rate.
	quantum := f.SampleRate / 400
	if f.FrameSize <= 0 || f.FrameSize%quantum != 0 {
		return fmt.Errorf("frame size %d is not a valid Opus duration at %d Hz", f.FrameSize, f.SampleRate)
	}
	switch f.FrameSize / quantum {
	case 1, 2, 4, 8, 16, 24:
		return nil
	}
	return fmt.Errorf("frame size %d is not a valid Opus duration at %d Hz", f.FrameSize, f.SampleRate)
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%d", f.SampleRate, f.Channels, f.FrameSize)
}

// Silence returns a zeroed frame of the format's size.
func (f Format) Silence() Frame {
	return make(Frame, f.FrameSamples())
}

// Peak returns the largest absolute sample value in the frame.
func Peak(frame []int16) int {
	peak := 0
	for _, s := range frame {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}
