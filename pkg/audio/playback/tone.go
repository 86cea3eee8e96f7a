package playback

import (
	"math"
	"time"

	"github.com/MrWong99/asiri/pkg/audio"
)

// Feedback tone envelope.
const (
	toneDuration  = 100 * time.Millisecond
	toneStartFreq = 600.0
	toneEndFreq   = 200.0
	toneStartGain = 0.05
	toneEndGain   = 0.01
)

// FeedbackTone synthesises the short UI beep played on mute toggles and
// direct calls: a sine sweeping exponentially from 600 Hz to 200 Hz over
// 100 ms while its amplitude decays exponentially from 0.05 to 0.01. The
// result is mono 16-bit PCM at sampleRate. The tone is not routed through
// [Gain].
func FeedbackTone(sampleRate int) []byte {
	if sampleRate <= 0 {
		return nil
	}
	n := int(int64(sampleRate) * int64(toneDuration) / int64(time.Second))
	samples := make([]float32, n)

	var phase float64
	for i := range samples {
		frac := float64(i) / float64(n)
		freq := toneStartFreq * math.Pow(toneEndFreq/toneStartFreq, frac)
		amp := toneStartGain * math.Pow(toneEndGain/toneStartGain, frac)
		samples[i] = float32(amp * math.Sin(phase))
		phase += 2 * math.Pi * freq / float64(sampleRate)
	}
	return audio.EncodePCM16(samples)
}
