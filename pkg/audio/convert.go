package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// FormatConverter converts frames to a target format. It logs once on the
// first format mismatch and once on the first misaligned frame.
// Create one per stream; it is not safe for concurrent use.
type FormatConverter struct {
	Target Format

	warnMismatch sync.Once
	warnCorrupt  sync.Once
}

// Convert returns frame in the target format. Frames already in the target
// format are returned unchanged. Frames whose data is not aligned to whole
// samples are dropped and come back with nil Data.
//
// Channel reduction runs before resampling and channel expansion after it,
// so the resampler always works on the smaller stream.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	out := AudioFrame{
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
	if frame.Channels <= 0 || len(frame.Data)%(frame.Channels*bytesPerSample) != 0 {
		c.warnCorrupt.Do(func() {
			slog.Warn("audio: misaligned PCM frame dropped",
				"bytes", len(frame.Data), "channels", frame.Channels)
		})
		return out
	}
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	src := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	c.warnMismatch.Do(func() {
		slog.Info("audio: converting source format", "from", src.String(), "to", c.Target.String())
	})

	pcm := frame.Data
	if src.Channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		src.Channels = 1
	}
	pcm = resample16(pcm, src.Channels, src.SampleRate, c.Target.SampleRate)
	if src.Channels == 1 && c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
	}
	out.Data = pcm
	return out
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, 0, len(pcm)/bytesPerSample*4)
	for i := 0; i+1 < len(pcm); i += bytesPerSample {
		out = append(out, pcm[i], pcm[i+1], pcm[i], pcm[i+1])
	}
	return out
}

// StereoToMono averages each L+R pair into a single sample.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*bytesPerSample)
	for i := range n {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, clamp16((l+r)/2))
	}
	return out
}

// ResampleMono16 resamples mono PCM16 from srcRate to dstRate using linear
// interpolation. The input is returned unchanged when the rates match or
// either rate is not positive.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 1, srcRate, dstRate)
}

// resample16 linearly resamples interleaved PCM16 with the given channel count.
func resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || channels <= 0 {
		return pcm
	}
	srcFrames := len(pcm) / (channels * bytesPerSample)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*channels*bytesPerSample)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+ch))
			s1 := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))
}

func putSample(pcm []byte, i int, s int16) {
	binary.LittleEndian.PutUint16(pcm[i*bytesPerSample:], uint16(s))
}

func clamp16(v int32) int16 {
	return int16(max(-32768, min(32767, v)))
}

// int16sToBytes converts samples to PCM16 little-endian bytes.
func int16sToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		putSample(b, i, s)
	}
	return b
}

// bytesToInt16s converts PCM16 little-endian bytes to samples.
func bytesToInt16s(b []byte) []int16 {
	samples := make([]int16, len(b)/bytesPerSample)
	for i := range samples {
		samples[i] = sampleAt(b, i)
	}
	return samples
}
