package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// CaptureFormat is the format the remote service expects for microphone audio.
var CaptureFormat = Format{SampleRate: CaptureRate, Channels: 1}

// FormatConverter normalises [AudioFrame] values to a target format. Devices
// rarely capture at 16 kHz mono, so the first mismatch is logged once and
// every later frame is converted silently.
// Create one per capture stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target            Format
	warnedMismatch    sync.Once
	warnedCorrupt     sync.Once
	warnedUnsupported sync.Once
}

// Convert converts a frame to the target format. A frame already in the target
// format is returned unchanged. Stereo input is resampled first and then
// down-mixed; only mono and stereo sources at a positive rate are supported.
// Anything else is dropped.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if !SupportedCapture(frame.SampleRate, frame.Channels) {
		c.warnedUnsupported.Do(func() {
			slog.Warn("capture converter: unsupported source format, dropping frame",
				"sample_rate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		return AudioFrame{
			SampleRate: c.Target.SampleRate,
			Channels:   c.Target.Channels,
			Timestamp:  frame.Timestamp,
		}
	}
	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("capture converter: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sample_rate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		return AudioFrame{
			SampleRate: c.Target.SampleRate,
			Channels:   c.Target.Channels,
			Timestamp:  frame.Timestamp,
		}
	}

	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("capture format differs from transport format, converting",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	pcm := frame.Data
	if frame.SampleRate != c.Target.SampleRate {
		if frame.Channels == 2 {
			pcm = ResampleStereo16(pcm, frame.SampleRate, c.Target.SampleRate)
		} else {
			pcm = ResampleMono16(pcm, frame.SampleRate, c.Target.SampleRate)
		}
	}
	channels := frame.Channels
	if channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		channels = 1
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// SupportedCapture reports whether a source at rate and channels can be
// converted to the capture format.
func SupportedCapture(rate, channels int) bool {
	return rate > 0 && (channels == 1 || channels == 2)
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := min(max((l+r)/2, -32768), 32767)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If either rate is invalid or they are equal, pcm is returned
// unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sampleAt(pcm, idx, 2, 0)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sampleAt(pcm, idx+1, 2, 0)
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// ResampleStereo16 resamples interleaved 16-bit stereo PCM from srcRate to
// dstRate using linear interpolation on each channel.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx
		if idx+1 < srcFrames {
			next = idx + 1
		}
		for ch := range 2 {
			s0 := sampleAt(pcm, idx, 4, ch)
			s1 := sampleAt(pcm, next, 4, ch)
			v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
			out[i*4+ch*2] = byte(v)
			out[i*4+ch*2+1] = byte(v >> 8)
		}
	}
	return out
}

// sampleAt reads the int16 sample of channel ch in frame idx, where each
// frame is stride bytes wide.
func sampleAt(pcm []byte, idx, stride, ch int) int16 {
	off := idx*stride + ch*2
	return int16(pcm[off]) | int16(pcm[off+1])<<8
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
