// Package capture turns microphone frames into the encoded media stream sent
// to the remote voice service.
package capture

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/asiri/pkg/audio"
	"github.com/MrWong99/asiri/pkg/provider/s2s"
)

// Option configures an [Encoder].
type Option func(*Encoder)

// WithSentHandler registers fn to be called after every successfully sent
// frame. Used for metrics.
func WithSentHandler(fn func()) Option {
	return func(e *Encoder) { e.onSent = fn }
}

// WithLogger sets the logger used for dropped frames. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Encoder) {
		if l != nil {
			e.log = l
		}
	}
}

// Encoder quantises captured float frames to 16 kHz mono PCM16, base64-encodes
// them and hands them to a sender in capture order.
//
// There is no backpressure or buffering: a frame the sender rejects is logged
// and dropped, and the next frame is processed as usual.
type Encoder struct {
	sender s2s.Sender
	conv   audio.FormatConverter
	log    *slog.Logger
	onSent func()

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewEncoder creates an Encoder delivering to sender.
func NewEncoder(sender s2s.Sender, opts ...Option) *Encoder {
	e := &Encoder{
		sender: sender,
		conv:   audio.FormatConverter{Target: audio.CaptureFormat},
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run encodes frames until the channel is closed or ctx is cancelled. It must
// be the only consumer of frames; a single Run call preserves frame order.
func (e *Encoder) Run(ctx context.Context, frames <-chan audio.FloatFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			e.Process(ctx, f)
		}
	}
}

// Process encodes and sends a single frame. Empty frames are skipped.
func (e *Encoder) Process(ctx context.Context, f audio.FloatFrame) {
	enc, ok := e.Encode(f)
	if !ok {
		return
	}
	if err := e.sender.SendAudio(ctx, enc); err != nil {
		e.dropped.Add(1)
		e.log.Warn("capture: dropping frame", "err", err, "samples", len(f.Samples))
		return
	}
	e.sent.Add(1)
	if e.onSent != nil {
		e.onSent()
	}
}

// Encode converts one frame to a base64 PCM16 payload at 16 kHz mono. Frames
// captured at a different rate or channel count are resampled and down-mixed
// first. Zero rate and channel count mean 16 kHz mono. Frames in any other
// format than mono or stereo at a positive rate are counted as dropped. It
// reports false when nothing is left to send.
func (e *Encoder) Encode(f audio.FloatFrame) (audio.EncodedFrame, bool) {
	if len(f.Samples) == 0 {
		return audio.EncodedFrame{}, false
	}
	rate, channels := f.SampleRate, f.Channels
	if rate == 0 {
		rate = audio.CaptureRate
	}
	if channels == 0 {
		channels = 1
	}
	if !audio.SupportedCapture(rate, channels) {
		e.dropped.Add(1)
		e.log.Debug("capture: dropping frame in unsupported format",
			"sample_rate", f.SampleRate, "channels", f.Channels)
		return audio.EncodedFrame{}, false
	}
	if rate == audio.CaptureRate && channels == 1 {
		return audio.EncodeFrame(f.Samples), true
	}

	out := e.conv.Convert(audio.AudioFrame{
		Data:       audio.EncodePCM16(f.Samples),
		SampleRate: rate,
		Channels:   channels,
		Timestamp:  f.Timestamp,
	})
	if len(out.Data) == 0 {
		return audio.EncodedFrame{}, false
	}
	return audio.EncodedFrame{
		Data:     base64.StdEncoding.EncodeToString(out.Data),
		MIMEType: audio.CaptureMIMEType,
	}, true
}

// Sent returns the number of frames delivered to the sender.
func (e *Encoder) Sent() uint64 { return e.sent.Load() }

// Dropped returns the number of frames the sender rejected or that arrived in
// an unsupported format.
func (e *Encoder) Dropped() uint64 { return e.dropped.Load() }
