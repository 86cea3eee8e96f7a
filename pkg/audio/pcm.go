package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// pcmScale maps the float range [-1.0, 1.0] onto signed 16-bit integers.
const pcmScale = 32768

var (
	// ErrOddLength is returned when a PCM payload does not hold a whole number
	// of 16-bit samples.
	ErrOddLength = errors.New("audio: odd byte count in 16-bit PCM")

	// ErrEmptyPayload is returned when an encoded frame carries no samples.
	ErrEmptyPayload = errors.New("audio: empty payload")
)

// EncodePCM16 converts float samples to 16-bit little-endian PCM. Each sample
// is scaled by 32768 and clamped to [-32768, 32767], so out-of-range input
// saturates instead of wrapping. NaN encodes as silence.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clamp16(float64(s)*pcmScale)))
	}
	return out
}

// DecodePCM16 converts 16-bit little-endian PCM back to float samples by
// dividing each sample by 32768.
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcmScale
	}
	return out, nil
}

// EncodeFrame quantises samples and wraps them as a base64 [EncodedFrame]
// labelled for 16 kHz capture.
func EncodeFrame(samples []float32) EncodedFrame {
	return EncodedFrame{
		Data:     base64.StdEncoding.EncodeToString(EncodePCM16(samples)),
		MIMEType: CaptureMIMEType,
	}
}

// DecodeBase64PCM decodes a base64 payload into raw 16-bit PCM, rejecting
// empty payloads and payloads with an odd byte count.
func DecodeBase64PCM(data string) ([]byte, error) {
	if data == "" {
		return nil, ErrEmptyPayload
	}
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	if len(pcm) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(pcm))
	}
	return pcm, nil
}

// DecodeFrame is the inverse of [EncodeFrame].
func DecodeFrame(data string) ([]float32, error) {
	pcm, err := DecodeBase64PCM(data)
	if err != nil {
		return nil, err
	}
	return DecodePCM16(pcm)
}

// ScalePCM16 multiplies every 16-bit sample by gain, clamping the result. A
// gain of 1 returns pcm unchanged; a gain of 0 returns silence of the same
// length.
func ScalePCM16(pcm []byte, gain float64) []byte {
	if gain == 1 {
		return pcm
	}
	out := make([]byte, len(pcm)-len(pcm)%2)
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		binary.LittleEndian.PutUint16(out[i:], uint16(clamp16(s*gain)))
	}
	return out
}

// PCM16Duration returns the playback length of n bytes of 16-bit PCM.
func PCM16Duration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	if channels <= 0 {
		channels = 1
	}
	frames := int64(n / (2 * channels))
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

func clamp16(v float64) int16 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
