package playback

import (
	"math"
	"sync/atomic"

	"github.com/MrWong99/asiri/pkg/audio"
)

// Gain is the shared output gain stage. Every rendered chunk passes through
// it; the capture path never does. The zero value is not ready for use; call
// NewGain.
type Gain struct {
	bits atomic.Uint64
}

// NewGain returns a gain stage at unity volume.
func NewGain() *Gain {
	g := &Gain{}
	g.Set(1)
	return g
}

// Set stores the volume scalar. Negative and NaN values become 0.
func (g *Gain) Set(v float64) {
	if math.IsNaN(v) || v < 0 {
		v = 0
	}
	g.bits.Store(math.Float64bits(v))
}

// Volume returns the current volume scalar.
func (g *Gain) Volume() float64 {
	return math.Float64frombits(g.bits.Load())
}

// Apply scales 16-bit PCM by the current volume.
func (g *Gain) Apply(pcm []byte) []byte {
	return audio.ScalePCM16(pcm, g.Volume())
}
