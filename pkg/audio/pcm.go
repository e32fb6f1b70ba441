package audio

import "time"

// Duration returns the playback duration of a PCM buffer of n bytes in the
// given format. Used by the playback queue to pace sinks that do not block for
// the length of the buffer.
func Duration(n int, f Format) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 || n <= 0 {
		return 0
	}
	samples := n / (BytesPerSample * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// FrameBytes returns the byte length of a mono frame of frameMs milliseconds at
// the given sample rate (e.g., 20 ms at 8 kHz = 320 bytes).
func FrameBytes(sampleRate, frameMs int) int {
	return sampleRate * frameMs / 1000 * BytesPerSample
}
