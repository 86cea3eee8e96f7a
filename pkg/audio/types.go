package audio

import "time"

// Rates and labels shared by the capture and playback halves of a voice
// session. The remote service consumes 16 kHz mono PCM and answers with
// 24 kHz mono PCM.
const (
	CaptureRate  = 16000
	PlaybackRate = 24000

	// CaptureMIMEType labels outbound microphone audio.
	CaptureMIMEType = "audio/pcm;rate=16000"

	// CaptureFrameSize is the number of samples per captured frame in the
	// browser capture path.
	CaptureFrameSize = 4096
)

// FloatFrame is a block of floating-point samples read from a capture device.
// Samples are nominally in [-1.0, 1.0] and interleaved when Channels > 1.
// Frames are ephemeral: produced continuously while a session is active and
// consumed immediately by the capture encoder.
type FloatFrame struct {
	Samples []float32

	// SampleRate in Hz. Zero is treated as [CaptureRate].
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo. Zero is treated as mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// AudioFrame is a block of 16-bit little-endian PCM flowing through the
// pipeline.
type AudioFrame struct {
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame. Frames with an unknown
// format report zero.
func (f AudioFrame) Duration() time.Duration {
	return PCM16Duration(len(f.Data), f.SampleRate, f.Channels)
}

// EncodedFrame is base64 text wrapping 16-bit little-endian mono PCM. It is
// transmitted once and never retained.
type EncodedFrame struct {
	Data     string
	MIMEType string
}
