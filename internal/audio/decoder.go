package audio

import (
	"encoding/binary"
	"fmt"
	"os/exec"
	"strconv"
)

// DecodeFile runs FFmpeg to decode an audio file to raw PCM int16 samples,
// resampled and remixed to the given format.
func DecodeFile(path string, f Format) ([]int16, error) {
	cmd := exec.Command("ffmpeg",
		"-i", path,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
		"-loglevel", "error",
		"pipe:1",
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg decode %s: %w", path, err)
	}

	return BytesToSamples(out), nil
}

// SamplesToBytes converts int16 samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToSamples converts little-endian bytes to int16 samples. A trailing
// odd byte is ignored.
func BytesToSamples(buf []byte) []int16 {
	samples := make([]int16, len(buf)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2 : i*2+2]))
	}
	return samples
}

// SamplesToBigEndian converts int16 samples to network byte order, as used
// by audio/L16 streams.
func SamplesToBigEndian(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.BigEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}
