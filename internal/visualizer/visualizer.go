// Package visualizer produces the decorative bar animation shown while a
// voice session runs. Bar heights are pseudo-random and do not follow the
// audio signal; they are a pure function of a seed and a frame index so that
// any frame can be reproduced.
package visualizer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// Config describes the canvas and bar geometry.
type Config struct {
	Bars      int     `yaml:"bars"`
	Width     float64 `yaml:"width"`
	Height    float64 `yaml:"height"`
	BarWidth  float64 `yaml:"bar_width"`
	Spacing   float64 `yaml:"spacing"`
	Radius    float64 `yaml:"radius"`
	Color     string  `yaml:"color"`
	FrameRate int     `yaml:"frame_rate"`
	Seed      uint64  `yaml:"seed"`
}

// DefaultConfig returns the stock 40-bar emerald layout.
func DefaultConfig() Config {
	return Config{
		Bars:      40,
		Width:     240,
		Height:    60,
		BarWidth:  4,
		Spacing:   2,
		Radius:    2,
		Color:     "#10b981",
		FrameRate: 30,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Bars <= 0 {
		c.Bars = d.Bars
	}
	if c.Width <= 0 {
		c.Width = d.Width
	}
	if c.Height <= 0 {
		c.Height = d.Height
	}
	if c.BarWidth <= 0 {
		c.BarWidth = d.BarWidth
	}
	if c.Spacing < 0 {
		c.Spacing = d.Spacing
	}
	if c.Radius < 0 {
		c.Radius = d.Radius
	}
	if c.Color == "" {
		c.Color = d.Color
	}
	if c.FrameRate <= 0 {
		c.FrameRate = d.FrameRate
	}
	return c
}

// minHeight is the height of every bar while inactive, and the floor added to
// active bars.
const minHeight = 5

// Bar is one rounded rectangle on the canvas.
type Bar struct {
	X, Y, Width, Height float64
}

// Heights returns the bar heights for frame. Active bars are
// r*(0.8*Height)+5 with r drawn from [0,1); inactive bars are all 5.
func (c Config) Heights(frame uint64, active bool) []float64 {
	h := make([]float64, c.Bars)
	if !active {
		for i := range h {
			h[i] = minHeight
		}
		return h
	}
	rng := rand.New(rand.NewPCG(c.Seed, frame))
	for i := range h {
		h[i] = rng.Float64()*(0.8*c.Height) + minHeight
	}
	return h
}

// Layout positions the bars for frame, vertically centred on the canvas.
func (c Config) Layout(frame uint64, active bool) []Bar {
	heights := c.Heights(frame, active)
	bars := make([]Bar, len(heights))
	for i, h := range heights {
		bars[i] = Bar{
			X:      float64(i) * (c.BarWidth + c.Spacing),
			Y:      (c.Height - h) / 2,
			Width:  c.BarWidth,
			Height: h,
		}
	}
	return bars
}

// RenderSVG draws frame as a standalone SVG document.
func (c Config) RenderSVG(frame uint64, active bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%g" height="%g" viewBox="0 0 %g %g">`,
		c.Width, c.Height, c.Width, c.Height)
	for _, bar := range c.Layout(frame, active) {
		fmt.Fprintf(&b, `<rect x="%.2f" y="%.2f" width="%g" height="%.2f" rx="%g" fill="%s"/>`,
			bar.X, bar.Y, bar.Width, bar.Height, c.Radius, c.Color)
	}
	b.WriteString(`</svg>`)
	return b.String()
}

// Animator emits bar heights at the configured frame rate while active.
type Animator struct {
	cfg  Config
	emit func(frame uint64, heights []float64)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	frame  uint64
}

// NewAnimator creates a stopped Animator. emit is called from the animation
// goroutine.
func NewAnimator(cfg Config, emit func(frame uint64, heights []float64)) *Animator {
	return &Animator{cfg: cfg.WithDefaults(), emit: emit}
}

// SetActive starts or stops the animation. Stopping emits one final frame of
// resting bars.
func (a *Animator) SetActive(active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if active {
		if a.cancel != nil {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.done = make(chan struct{})
		go a.run(ctx, a.done)
		return
	}

	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
	a.cancel, a.done = nil, nil
	a.emit(a.frame, a.cfg.Heights(a.frame, false))
}

// Active reports whether the animation is running.
func (a *Animator) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancel != nil
}

// Stop halts the animation without emitting a resting frame.
func (a *Animator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		<-a.done
		a.cancel, a.done = nil, nil
	}
}

func (a *Animator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second / time.Duration(a.cfg.FrameRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// frame is only written here while the goroutine runs and read by
			// SetActive after it has exited.
			a.frame++
			a.emit(a.frame, a.cfg.Heights(a.frame, true))
		}
	}
}
