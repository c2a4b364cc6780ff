// Package audio captures, converts and encodes the PCM audio streamed to the
// speech-translation service.
//
// All PCM handled by this package is signed 16-bit little-endian, interleaved
// when multi-channel. A [Source] yields fixed-duration [AudioFrame] values; a
// [FrameEncoder] compresses them through a [Codec] and batches the result into
// packets no larger than a configured size.
package audio

import (
	"fmt"
	"time"
)

// bytesPerSample is the size of one PCM16 sample.
const bytesPerSample = 2

// AudioFrame is one chunk of captured PCM audio.
type AudioFrame struct {
	// Data holds PCM16 little-endian samples, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz, e.g. 16000.
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the offset of the first sample from the start of the source.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}.Duration(len(f.Data))
}

// Format describes the sample rate and channel count of a PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Validate reports whether f describes a usable stream.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("audio: channels must be 1 or 2, got %d", f.Channels)
	}
	return nil
}

// FrameBytes returns the byte size of d worth of audio, rounded down to
// whole sample frames.
func (f Format) FrameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.Channels * bytesPerSample
}

// Duration returns the playback length of n bytes of audio.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := n / (f.Channels * bytesPerSample)
	return time.Duration(int64(samples) * int64(time.Second) / int64(f.SampleRate))
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
