package playback

import (
	"container/heap"
	"sync"
	"time"
)

// Compile-time interface assertion.
var _ Sink = (*Output)(nil)

// RenderFunc receives a chunk at its start time together with its PCM after
// the gain stage. It is called sequentially from the dispatch goroutine and
// must not block for extended periods.
type RenderFunc func(c Chunk, pcm []byte)

// OutputOption configures an [Output] during construction.
type OutputOption func(*Output)

// WithGain routes every rendered chunk through g. Without it chunks are
// rendered at unity gain.
func WithGain(g *Gain) OutputOption {
	return func(o *Output) {
		o.gain = g
	}
}

// WithStopHandler registers fn to be called after every [Output.StopAll].
func WithStopHandler(fn func()) OutputOption {
	return func(o *Output) {
		o.onStop = fn
	}
}

// Output is a paced renderer. It holds scheduled chunks in a min-heap keyed
// by start time and hands each one to the render callback when the clock
// reaches it; when the clock reaches the chunk's end the ended handler fires.
//
// All exported methods are safe for concurrent use.
type Output struct {
	clock  Clock
	render RenderFunc
	gain   *Gain
	onStop func()

	// renderMu is held across the stale check and the render call. Lock
	// order is renderMu, then mu.
	renderMu sync.Mutex

	mu      sync.Mutex
	queue   eventHeap
	seq     uint64
	gen     uint64 // bumped by StopAll; stale in-flight events are discarded
	ended   func(id uint64)
	notify  chan struct{}
	done    chan struct{}
	closed  bool
	stopped sync.WaitGroup
}

// NewOutput creates an Output that paces chunks against clock and delivers
// them to render. The dispatch goroutine starts immediately; call Close to
// stop it.
func NewOutput(clock Clock, render RenderFunc, opts ...OutputOption) *Output {
	o := &Output{
		clock:  clock,
		render: render,
		queue:  make(eventHeap, 0, 16),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	heap.Init(&o.queue)
	o.stopped.Add(1)
	go o.dispatch()
	return o
}

// OnEnded registers handler to be called with the ID of every chunk that
// plays to completion. Only one handler may be active at a time; subsequent
// calls replace the previous registration.
func (o *Output) OnEnded(handler func(id uint64)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = handler
}

// Play queues c for rendering at c.Start. Chunks whose start time has already
// passed are rendered immediately.
func (o *Output) Play(c Chunk) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.pushLocked(event{at: c.Start, kind: eventStart, chunk: c})
	o.wakeLocked()
}

// StopAll drops every queued and playing chunk. Chunks stopped this way never
// report ended. A render already in progress finishes before StopAll returns,
// and none starts after it, so the stop handler always runs last.
func (o *Output) StopAll() {
	o.renderMu.Lock()
	o.mu.Lock()
	o.queue = o.queue[:0]
	o.gen++
	o.wakeLocked()
	o.mu.Unlock()
	o.renderMu.Unlock()

	if o.onStop != nil {
		o.onStop()
	}
}

// Pending returns the number of chunks that are queued or playing. Each such
// chunk has exactly one event left in the heap.
func (o *Output) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.Len()
}

// Close stops the dispatch goroutine and discards pending chunks. Close is
// idempotent.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.queue = o.queue[:0]
	o.mu.Unlock()

	close(o.done)
	o.stopped.Wait()
	return nil
}

func (o *Output) pushLocked(e event) {
	o.seq++
	e.seq = o.seq
	heap.Push(&o.queue, e)
}

func (o *Output) wakeLocked() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// dispatch fires due events in timeline order until Close is called.
func (o *Output) dispatch() {
	defer o.stopped.Done()

	for {
		o.mu.Lock()
		wait := time.Duration(-1)
		if o.queue.Len() > 0 {
			wait = o.queue[0].at - o.clock.Now()
			if wait <= 0 {
				e := heap.Pop(&o.queue).(event)
				if e.kind == eventStart {
					o.pushLocked(event{at: e.chunk.End(), kind: eventEnd, chunk: e.chunk})
				}
				gen, ended := o.gen, o.ended
				o.mu.Unlock()
				o.fire(e, gen, ended)
				continue
			}
		}
		o.mu.Unlock()

		if wait < 0 {
			select {
			case <-o.done:
				return
			case <-o.notify:
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-o.done:
			timer.Stop()
			return
		case <-o.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// fire runs the callback for e unless a StopAll happened since it was popped.
func (o *Output) fire(e event, gen uint64, ended func(uint64)) {
	if e.kind == eventStart {
		o.renderMu.Lock()
		defer o.renderMu.Unlock()
	}
	if o.stale(gen) {
		return
	}

	switch e.kind {
	case eventStart:
		pcm := e.chunk.PCM
		if o.gain != nil {
			pcm = o.gain.Apply(pcm)
		}
		o.render(e.chunk, pcm)
	case eventEnd:
		if ended != nil {
			ended(e.chunk.ID)
		}
	}
}

func (o *Output) stale(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return gen != o.gen || o.closed
}
