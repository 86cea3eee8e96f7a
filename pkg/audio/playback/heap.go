package playback

import "time"

type eventKind int

const (
	eventStart eventKind = iota
	eventEnd
)

// event is a pending start or end of a chunk on the output timeline. The seq
// field provides FIFO ordering for events due at the same instant.
type event struct {
	at    time.Duration
	kind  eventKind
	chunk Chunk
	seq   uint64
}

// eventHeap implements [container/heap.Interface] as a min-heap ordered by
// due time, with FIFO tie-breaking on seq.
type eventHeap []event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push] only.
func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(event))
}

// Pop removes and returns the last element. Called by [container/heap.Pop] only.
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
