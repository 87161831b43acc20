package audio

// Smoothstep returns the smoothstep interpolation for t in [0,1].
// Formula: 3t^2 - 2t^3.
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// CrossfadeFrames blends an outgoing frame into an incoming one across the
// length of the frame, following a smoothstep curve from all-outgoing at the
// first sample to all-incoming at the last. Both frames must have the same
// length and channel count. Returns the blended frame.
func CrossfadeFrames(outgoing, incoming []int16, channels int) []int16 {
	result := make([]int16, len(outgoing))
	if channels <= 0 {
		channels = 1
	}
	steps := len(outgoing) / channels
	if steps <= 1 {
		copy(result, incoming)
		return result
	}

	for i := range outgoing {
		gain := Smoothstep(float64(i/channels) / float64(steps-1))
		mixed := float64(outgoing[i])*(1-gain) + float64(incoming[i])*gain

		// Clip to int16 range
		if mixed > 32767 {
			mixed = 32767
		} else if mixed < -32768 {
			mixed = -32768
		}
		result[i] = int16(mixed)
	}

	return result
}
